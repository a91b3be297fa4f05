package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"revsynth/internal/model"
)

type MemoryStore struct {
	forward  *MemoryNodes
	backward *MemoryNodes
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{forward: NewMemoryNodes(), backward: NewMemoryNodes()}
}

func (s *MemoryStore) Init(ctx context.Context) error {
	if err := s.forward.Init(ctx); err != nil {
		return err
	}
	return s.backward.Init(ctx)
}

func (s *MemoryStore) Nodes(dir model.Direction) NodeStore {
	if dir == model.Backward {
		return s.backward
	}
	return s.forward
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.forward.reset()
	s.backward.reset()
	return nil
}

// MemoryNodes keeps rows per level in insertion order, and tracks the best
// row seen for every state so Dedupe is a single filtering pass.
type MemoryNodes struct {
	mu          sync.RWMutex
	initialized bool
	nextID      int64
	levels      map[int][]model.Node
	best        map[model.State]model.Node
}

func NewMemoryNodes() *MemoryNodes {
	return &MemoryNodes{}
}

func (s *MemoryNodes) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.nextID = 1
	s.levels = make(map[int][]model.Node)
	s.best = make(map[model.State]model.Node)
	return nil
}

func (s *MemoryNodes) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	s.levels = nil
	s.best = nil
}

func (s *MemoryNodes) Seed(ctx context.Context, node model.Node) error {
	s.mu.Lock()
	if err := s.checkInit(); err != nil {
		s.mu.Unlock()
		return err
	}
	empty := len(s.levels) == 0
	s.mu.Unlock()
	if !empty {
		return nil
	}
	node.Level = 0
	return s.Insert(ctx, []model.Node{node})
}

func (s *MemoryNodes) LastLevel(_ context.Context) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return 0, false, err
	}
	levels := s.sortedLevels()
	if len(levels) == 0 {
		return 0, false, nil
	}
	return levels[len(levels)-1], true, nil
}

func (s *MemoryNodes) LevelSlice(_ context.Context, level, offset, count int) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return nil, err
	}
	rows := s.levels[level]
	if offset >= len(rows) || count <= 0 {
		return nil, nil
	}
	end := min(offset+count, len(rows))
	out := make([]model.Node, end-offset)
	copy(out, rows[offset:end])
	return out, nil
}

func (s *MemoryNodes) Insert(_ context.Context, nodes []model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(); err != nil {
		return err
	}
	for _, n := range nodes {
		n.ID = s.nextID
		s.nextID++
		s.levels[n.Level] = append(s.levels[n.Level], n)
		if cur, ok := s.best[n.State]; !ok || n.Less(cur) {
			s.best[n.State] = n
		}
	}
	return nil
}

func (s *MemoryNodes) Dedupe(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(); err != nil {
		return 0, err
	}
	removed := 0
	for level, rows := range s.levels {
		kept := rows[:0]
		for _, n := range rows {
			if s.best[n.State].ID == n.ID {
				kept = append(kept, n)
				continue
			}
			removed++
		}
		if len(kept) == 0 {
			delete(s.levels, level)
			continue
		}
		s.levels[level] = kept
	}
	return removed, nil
}

func (s *MemoryNodes) PruneToLastTwoLevels(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(); err != nil {
		return 0, err
	}
	levels := s.sortedLevels()
	if len(levels) <= 2 {
		return 0, nil
	}
	removed := 0
	for _, level := range levels[:len(levels)-2] {
		removed += len(s.levels[level])
		delete(s.levels, level)
	}
	s.rebuildBest()
	return removed, nil
}

func (s *MemoryNodes) DeleteLevel(_ context.Context, level int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(); err != nil {
		return 0, err
	}
	removed := len(s.levels[level])
	if removed == 0 {
		return 0, nil
	}
	delete(s.levels, level)
	s.rebuildBest()
	return removed, nil
}

// rebuildBest recomputes the per-state winners after rows were dropped.
// Callers hold mu.
func (s *MemoryNodes) rebuildBest() {
	s.best = make(map[model.State]model.Node)
	for _, rows := range s.levels {
		for _, n := range rows {
			if cur, ok := s.best[n.State]; !ok || n.Less(cur) {
				s.best[n.State] = n
			}
		}
	}
}

func (s *MemoryNodes) CountAtLevel(_ context.Context, level int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return 0, err
	}
	return len(s.levels[level]), nil
}

func (s *MemoryNodes) CountTotal(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return 0, err
	}
	var total int64
	for _, rows := range s.levels {
		total += int64(len(rows))
	}
	return total, nil
}

func (s *MemoryNodes) LookupByLevelAscending(_ context.Context, state model.State) (model.Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return model.Node{}, false, err
	}
	for _, level := range s.sortedLevels() {
		var hit model.Node
		found := false
		for _, n := range s.levels[level] {
			if n.State == state && (!found || n.Less(hit)) {
				hit, found = n, true
			}
		}
		if found {
			return hit, true, nil
		}
	}
	return model.Node{}, false, nil
}

func (s *MemoryNodes) LookupAlternative(_ context.Context, walshLimit, autoLimit int, exclude model.State) (model.Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return model.Node{}, false, err
	}
	var best model.Node
	found := false
	for _, rows := range s.levels {
		for _, n := range rows {
			if n.Walsh > walshLimit || n.Auto > autoLimit || n.State == exclude {
				continue
			}
			if !found || n.BetterAlternative(best) {
				best, found = n, true
			}
		}
	}
	return best, found, nil
}

func (s *MemoryNodes) Scan(ctx context.Context, fn func(model.Node) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkInit(); err != nil {
		return err
	}
	for _, level := range s.sortedLevels() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, n := range s.levels[level] {
			if err := fn(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MemoryNodes) checkInit() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryNodes) sortedLevels() []int {
	levels := make([]int, 0, len(s.levels))
	for level, rows := range s.levels {
		if len(rows) > 0 {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}
