package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"revsynth/internal/model"
)

// sequenceBandwidth is how many ids a badger sequence leases at a time.
const sequenceBandwidth = 4096

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore keeps both directions in one badger database under
// direction-prefixed keys.
type BadgerStore struct {
	cfg BadgerConfig

	mu        sync.RWMutex
	db        *badger.DB
	sequences map[model.Direction]*badger.Sequence
}

func NewBadgerStore(cfg BadgerConfig) *BadgerStore {
	return &BadgerStore{cfg: cfg}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if !s.cfg.InMemory && s.cfg.Path == "" {
		return errors.New("badger path is required for persistent database")
	}

	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Path, 0o750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.cfg.Path, err)
		}
		opts = badger.DefaultOptions(s.cfg.Path)
	}
	opts = opts.WithSyncWrites(s.cfg.SyncWrites).WithNumVersionsToKeep(1)
	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}

	sequences := make(map[model.Direction]*badger.Sequence, 2)
	for _, dir := range []model.Direction{model.Forward, model.Backward} {
		seq, err := db.GetSequence(sequenceKey(dir), sequenceBandwidth)
		if err != nil {
			for _, open := range sequences {
				_ = open.Release()
			}
			_ = db.Close()
			return fmt.Errorf("lease %s id sequence: %w", dir, err)
		}
		sequences[dir] = seq
	}

	s.db = db
	s.sequences = sequences
	return nil
}

func (s *BadgerStore) Nodes(dir model.Direction) NodeStore {
	if dir != model.Backward {
		dir = model.Forward
	}
	return &badgerNodes{store: s, dir: dir}
}

func (s *BadgerStore) Reset(_ context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, dir := range []model.Direction{model.Forward, model.Backward} {
		if err := db.DropPrefix(nodePrefix(dir)); err != nil {
			return fmt.Errorf("drop %s nodes: %w", dir, err)
		}
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	var errs []error
	for _, seq := range s.sequences {
		errs = append(errs, seq.Release())
	}
	errs = append(errs, s.db.Close())
	s.db = nil
	s.sequences = nil
	return errors.Join(errs...)
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *BadgerStore) nextID(dir model.Direction) (int64, error) {
	s.mu.RLock()
	seq := s.sequences[dir]
	s.mu.RUnlock()
	if seq == nil {
		return 0, errors.New("store is not initialized")
	}
	id, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequences start at zero; row ids start at one like sqlite rowids.
	return int64(id) + 1, nil
}

type badgerNodes struct {
	store *BadgerStore
	dir   model.Direction
}

func (s *badgerNodes) Init(ctx context.Context) error {
	return s.store.Init(ctx)
}

func (s *badgerNodes) Seed(ctx context.Context, node model.Node) error {
	_, ok, err := s.LastLevel(ctx)
	if err != nil || ok {
		return err
	}
	node.Level = 0
	return s.Insert(ctx, []model.Node{node})
}

func (s *badgerNodes) LastLevel(_ context.Context) (int, bool, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, false, err
	}
	level, found := 0, false
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = nodePrefix(s.dir)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible key of this direction.
		it.Seek(append(nodePrefix(s.dir), bytes.Repeat([]byte{0xff}, nodeKeyLen-2)...))
		if !it.Valid() {
			return nil
		}
		l, _, err := parseNodeKey(it.Item().Key())
		if err != nil {
			return err
		}
		level, found = l, true
		return nil
	})
	return level, found, err
}

func (s *badgerNodes) LevelSlice(_ context.Context, level, offset, count int) ([]model.Node, error) {
	db, err := s.store.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.Node
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = levelPrefix(s.dir, level)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid() && len(out) < count; it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			n, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func (s *badgerNodes) Insert(_ context.Context, nodes []model.Node) error {
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for _, n := range nodes {
		id, err := s.store.nextID(s.dir)
		if err != nil {
			return err
		}
		n.ID = id
		payload, err := EncodeNode(n)
		if err != nil {
			return err
		}
		if err := wb.Set(nodeKey(s.dir, n.Level, n.ID), payload); err != nil {
			return fmt.Errorf("insert %s node: %w", s.dir, err)
		}
	}
	return wb.Flush()
}

func (s *badgerNodes) Dedupe(ctx context.Context) (int, error) {
	best := make(map[model.State]model.Node)
	var all []model.Node
	err := s.Scan(ctx, func(n model.Node) error {
		all = append(all, n)
		if cur, ok := best[n.State]; !ok || n.Less(cur) {
			best[n.State] = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var losers [][]byte
	for _, n := range all {
		if best[n.State].ID != n.ID {
			losers = append(losers, nodeKey(s.dir, n.Level, n.ID))
		}
	}
	return len(losers), s.deleteKeys(losers)
}

func (s *badgerNodes) PruneToLastTwoLevels(_ context.Context) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	byLevel := make(map[int][][]byte)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = nodePrefix(s.dir)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			level, _, err := parseNodeKey(key)
			if err != nil {
				return err
			}
			byLevel[level] = append(byLevel[level], key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	if len(levels) <= 2 {
		return 0, nil
	}
	sort.Ints(levels)
	var doomed [][]byte
	for _, level := range levels[:len(levels)-2] {
		doomed = append(doomed, byLevel[level]...)
	}
	return len(doomed), s.deleteKeys(doomed)
}

func (s *badgerNodes) DeleteLevel(_ context.Context, level int) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	var doomed [][]byte
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = levelPrefix(s.dir, level)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), s.deleteKeys(doomed)
}

func (s *badgerNodes) CountAtLevel(_ context.Context, level int) (int, error) {
	n, err := s.countPrefix(levelPrefix(s.dir, level))
	return int(n), err
}

func (s *badgerNodes) CountTotal(_ context.Context) (int64, error) {
	return s.countPrefix(nodePrefix(s.dir))
}

func (s *badgerNodes) LookupByLevelAscending(ctx context.Context, state model.State) (model.Node, bool, error) {
	var hit model.Node
	found := false
	err := s.Scan(ctx, func(n model.Node) error {
		if n.State != state {
			return nil
		}
		if !found || n.Level < hit.Level || (n.Level == hit.Level && n.Less(hit)) {
			hit, found = n, true
		}
		return nil
	})
	return hit, found, err
}

func (s *badgerNodes) LookupAlternative(ctx context.Context, walshLimit, autoLimit int, exclude model.State) (model.Node, bool, error) {
	var best model.Node
	found := false
	err := s.Scan(ctx, func(n model.Node) error {
		if n.Walsh > walshLimit || n.Auto > autoLimit || n.State == exclude {
			return nil
		}
		if !found || n.BetterAlternative(best) {
			best, found = n, true
		}
		return nil
	})
	return best, found, err
}

func (s *badgerNodes) Scan(ctx context.Context, fn func(model.Node) error) error {
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodePrefix(s.dir)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if err := fn(n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerNodes) countPrefix(prefix []byte) (int64, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *badgerNodes) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	wb := db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete %s node: %w", s.dir, err)
		}
	}
	return wb.Flush()
}

func decodeItem(item *badger.Item) (model.Node, error) {
	var node model.Node
	err := item.Value(func(val []byte) error {
		n, err := DecodeNode(val)
		if err != nil {
			return fmt.Errorf("decode node %x: %w", item.Key(), err)
		}
		node = n
		return nil
	})
	return node, err
}
