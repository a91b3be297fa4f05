//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"revsynth/internal/model"

	_ "modernc.org/sqlite"
)

const (
	forwardTable  = "ForwardNodes"
	backwardTable = "BackwardNodes"
	commonTable   = "Common"
)

func DefaultStoreKind() string { return "sqlite" }

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

// SQLiteStore keeps both directions' tables and the Common join table in
// one database file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// Every store access is already serialized by the search lock.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Nodes(dir model.Direction) NodeStore {
	if dir == model.Backward {
		return &sqliteNodes{store: s, table: backwardTable}
	}
	return &sqliteNodes{store: s, table: forwardTable}
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, table := range []string{forwardTable, backwardTable, commonTable} {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return createTables(ctx, db)
}

// Join rebuilds the Common table from both node tables and returns its
// cheapest row.
func (s *SQLiteStore) Join(ctx context.Context) (model.MergeRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.MergeRecord{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.MergeRecord{}, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+commonTable); err != nil {
		return model.MergeRecord{}, false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+commonTable+` (a, b, c, d, Path, TotalGE)
		SELECT t1.a, t1.b, t1.c, t1.d,
			CASE
				WHEN t1.Path = '' THEN t2.Path
				WHEN t2.Path = '' THEN t1.Path
				ELSE t1.Path || ' ' || t2.Path
			END,
			ROUND(t1.GE + t2.GE, 2)
		FROM `+forwardTable+` t1
		JOIN `+backwardTable+` t2
			ON t1.a = t2.a AND t1.b = t2.b AND t1.c = t2.c AND t1.d = t2.d
	`)
	if err != nil {
		return model.MergeRecord{}, false, fmt.Errorf("build %s: %w", commonTable, err)
	}

	var rec model.MergeRecord
	err = tx.QueryRowContext(ctx, `
		SELECT a, b, c, d, Path, TotalGE FROM `+commonTable+`
		ORDER BY TotalGE ASC, id ASC LIMIT 1
	`).Scan(&rec.State.A, &rec.State.B, &rec.State.C, &rec.State.D, &rec.Path, &rec.TotalCost)
	found := true
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return model.MergeRecord{}, false, err
		}
		found = false
	}
	if err := tx.Commit(); err != nil {
		return model.MergeRecord{}, false, err
	}
	return rec, found, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{forwardTable, backwardTable} {
		if err := createNodeTable(ctx, db, table); err != nil {
			return err
		}
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+commonTable+` (
			id INTEGER PRIMARY KEY ASC,
			a INT NOT NULL,
			b INT NOT NULL,
			c INT NOT NULL,
			d INT NOT NULL,
			Path TEXT,
			TotalGE REAL
		);
	`)
	return err
}

func createNodeTable(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			id INTEGER PRIMARY KEY ASC,
			a INT NOT NULL,
			b INT NOT NULL,
			c INT NOT NULL,
			d INT NOT NULL,
			Path TEXT,
			Level INT NOT NULL,
			GE REAL NOT NULL,
			Walsh INT,
			Auto INT
		);
		CREATE INDEX IF NOT EXISTS `+table+`_level ON `+table+` (Level, id);
		CREATE INDEX IF NOT EXISTS `+table+`_value ON `+table+` (a, b, c, d);
	`)
	return err
}

type sqliteNodes struct {
	store *SQLiteStore
	table string
}

const nodeColumns = `id, a, b, c, d, Path, Level, GE, Walsh, Auto`

// Init recreates the table when it has gone missing, so callers never see
// a missing-table error.
func (s *sqliteNodes) Init(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return err
	}
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	return createNodeTable(ctx, db, s.table)
}

func (s *sqliteNodes) Seed(ctx context.Context, node model.Node) error {
	total, err := s.CountTotal(ctx)
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	node.Level = 0
	return s.Insert(ctx, []model.Node{node})
}

func (s *sqliteNodes) LastLevel(ctx context.Context) (int, bool, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, false, err
	}
	var level sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(Level) FROM `+s.table).Scan(&level); err != nil {
		return 0, false, err
	}
	if !level.Valid {
		return 0, false, nil
	}
	return int(level.Int64), true, nil
}

func (s *sqliteNodes) LevelSlice(ctx context.Context, level, offset, count int) ([]model.Node, error) {
	db, err := s.store.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM `+s.table+`
		WHERE Level = ? ORDER BY id LIMIT ? OFFSET ?
	`, level, count, offset)
	if err != nil {
		return nil, err
	}
	return scanNodes(rows)
}

func (s *sqliteNodes) Insert(ctx context.Context, nodes []model.Node) error {
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+s.table+` (a, b, c, d, Path, Level, GE, Walsh, Auto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, n.State.A, n.State.B, n.State.C, n.State.D, n.Path, n.Level, n.Cost, n.Walsh, n.Auto); err != nil {
			return fmt.Errorf("insert into %s: %w", s.table, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteNodes) Dedupe(ctx context.Context) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM `+s.table+` WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY a, b, c, d
					ORDER BY GE ASC, Level ASC, id ASC
				) AS rn
				FROM `+s.table+`
			) WHERE rn > 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("dedupe %s: %w", s.table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteNodes) PruneToLastTwoLevels(ctx context.Context) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	var floor sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT Level FROM (SELECT DISTINCT Level FROM `+s.table+` ORDER BY Level DESC LIMIT 2)
		ORDER BY Level ASC LIMIT 1
	`).Scan(&floor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE Level < ?`, floor.Int64)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", s.table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteNodes) DeleteLevel(ctx context.Context, level int) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE Level = ?`, level)
	if err != nil {
		return 0, fmt.Errorf("delete %s level %d: %w", s.table, level, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteNodes) CountAtLevel(ctx context.Context, level int) (int, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE Level = ?`, level).Scan(&n)
	return n, err
}

func (s *sqliteNodes) CountTotal(ctx context.Context) (int64, error) {
	db, err := s.store.getDB()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n)
	return n, err
}

func (s *sqliteNodes) LookupByLevelAscending(ctx context.Context, state model.State) (model.Node, bool, error) {
	return s.queryOne(ctx, `
		SELECT `+nodeColumns+` FROM `+s.table+`
		WHERE a = ? AND b = ? AND c = ? AND d = ?
		ORDER BY Level ASC, GE ASC, id ASC LIMIT 1
	`, state.A, state.B, state.C, state.D)
}

func (s *sqliteNodes) LookupAlternative(ctx context.Context, walshLimit, autoLimit int, exclude model.State) (model.Node, bool, error) {
	return s.queryOne(ctx, `
		SELECT `+nodeColumns+` FROM `+s.table+`
		WHERE Walsh <= ? AND Auto <= ?
			AND NOT (a = ? AND b = ? AND c = ? AND d = ?)
		ORDER BY Walsh ASC, Auto ASC, Level ASC, id ASC LIMIT 1
	`, walshLimit, autoLimit, exclude.A, exclude.B, exclude.C, exclude.D)
}

func (s *sqliteNodes) Scan(ctx context.Context, fn func(model.Node) error) error {
	db, err := s.store.getDB()
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM `+s.table+` ORDER BY Level, id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteNodes) queryOne(ctx context.Context, query string, args ...any) (model.Node, bool, error) {
	db, err := s.store.getDB()
	if err != nil {
		return model.Node{}, false, err
	}
	n, err := scanNode(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, false, nil
		}
		return model.Node{}, false, err
	}
	return n, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (model.Node, error) {
	var (
		n     model.Node
		path  sql.NullString
		walsh sql.NullInt64
		auto  sql.NullInt64
	)
	if err := r.Scan(&n.ID, &n.State.A, &n.State.B, &n.State.C, &n.State.D, &path, &n.Level, &n.Cost, &walsh, &auto); err != nil {
		return model.Node{}, err
	}
	n.Path = path.String
	n.Walsh = int(walsh.Int64)
	n.Auto = int(auto.Int64)
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]model.Node, error) {
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
