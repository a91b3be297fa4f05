package storage

import (
	"context"

	"revsynth/internal/model"
)

// NodeStore is the leveled table of states discovered by one search
// direction.
type NodeStore interface {
	// Init creates the table if it does not exist yet.
	Init(ctx context.Context) error
	// Seed writes the level 0 row. It is a no-op when the table already
	// holds rows.
	Seed(ctx context.Context, node model.Node) error
	// LastLevel reports the highest level present, if any.
	LastLevel(ctx context.Context) (int, bool, error)
	// LevelSlice pages through one level in insertion order.
	LevelSlice(ctx context.Context, level, offset, count int) ([]model.Node, error)
	// Insert appends rows, assigning their ids. Duplicates are kept until
	// the next Dedupe.
	Insert(ctx context.Context, nodes []model.Node) error
	// Dedupe keeps, for every state, only the row with the lowest cost,
	// then level, then id, and returns how many rows it removed.
	Dedupe(ctx context.Context) (int, error)
	// PruneToLastTwoLevels drops every level but the two highest and
	// returns how many rows it removed.
	PruneToLastTwoLevels(ctx context.Context) (int, error)
	// DeleteLevel removes every row on one level and returns how many it
	// removed. A round that fails part way uses it to drop its half-written
	// level.
	DeleteLevel(ctx context.Context, level int) (int, error)
	CountAtLevel(ctx context.Context, level int) (int, error)
	CountTotal(ctx context.Context) (int64, error)
	// LookupByLevelAscending finds the shallowest row holding state.
	LookupByLevelAscending(ctx context.Context, state model.State) (model.Node, bool, error)
	// LookupAlternative finds the row with the lowest Walsh, then
	// autocorrelation, then level among rows within both limits, skipping
	// rows holding exclude.
	LookupAlternative(ctx context.Context, walshLimit, autoLimit int, exclude model.State) (model.Node, bool, error)
	// Scan visits every row in level order.
	Scan(ctx context.Context, fn func(model.Node) error) error
}

// Store is one logical database holding a table per direction.
type Store interface {
	Init(ctx context.Context) error
	Nodes(dir model.Direction) NodeStore
	// Reset drops everything stored for both directions.
	Reset(ctx context.Context) error
}

// UpsertBatch inserts rows and dedupes the table in one step.
func UpsertBatch(ctx context.Context, s NodeStore, nodes []model.Node) (int, error) {
	if err := s.Insert(ctx, nodes); err != nil {
		return 0, err
	}
	return s.Dedupe(ctx)
}

// Join finds the cheapest state present in both directions' tables.
// Stores that can join natively (sqlite) do so; otherwise the forward table
// is hashed and the backward table probed against it.
func Join(ctx context.Context, store Store) (model.MergeRecord, bool, error) {
	if joiner, ok := store.(interface {
		Join(ctx context.Context) (model.MergeRecord, bool, error)
	}); ok {
		return joiner.Join(ctx)
	}
	return HashJoin(ctx, store.Nodes(model.Forward), store.Nodes(model.Backward))
}

func HashJoin(ctx context.Context, forward, backward NodeStore) (model.MergeRecord, bool, error) {
	fwd := make(map[model.State][]model.Node)
	if err := forward.Scan(ctx, func(n model.Node) error {
		fwd[n.State] = append(fwd[n.State], n)
		return nil
	}); err != nil {
		return model.MergeRecord{}, false, err
	}

	var best model.MergeRecord
	found := false
	err := backward.Scan(ctx, func(b model.Node) error {
		for _, f := range fwd[b.State] {
			rec := model.Merge(f, b)
			if !found || rec.TotalCost < best.TotalCost {
				best, found = rec, true
			}
		}
		return nil
	})
	if err != nil {
		return model.MergeRecord{}, false, err
	}
	return best, found, nil
}
