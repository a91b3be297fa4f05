package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revsynth/internal/model"
	"revsynth/internal/sbox"
	"revsynth/internal/storage"
)

var (
	identitySBox = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	// Flipping the most significant bit is a single NOT on wire a.
	notASBox    = []int{8, 9, 10, 11, 12, 13, 14, 15, 0, 1, 2, 3, 4, 5, 6, 7}
	presentSBox = []int{12, 5, 6, 11, 9, 0, 10, 13, 3, 14, 15, 8, 4, 7, 1, 2}
)

func targetState(t *testing.T, sb []int) model.State {
	t.Helper()
	s, err := sbox.State(sb)
	require.NoError(t, err)
	return s
}

func newCoordinator(t *testing.T, store storage.Store, sb []int, maxDepth, threads, batch int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		Target:    targetState(t, sb),
		MaxDepth:  maxDepth,
		Threads:   threads,
		BatchSize: batch,
		Store:     store,
	})
	require.NoError(t, err)
	return c
}

func TestCoordinator_IdentityTargetMatchesAtRoundZero(t *testing.T) {
	c := newCoordinator(t, storage.NewMemoryStore(), identitySBox, 4, 2, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, ViaJoin, res.Via)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, "", res.Path)
	assert.Zero(t, res.Cost)
	assert.Empty(t, res.History)
}

func TestCoordinator_DepthOneEndsWithNoSubstitute(t *testing.T) {
	c := newCoordinator(t, storage.NewMemoryStore(), presentSBox, 1, 2, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDepthExhausted, res.Outcome)
	assert.Equal(t, 0, res.Rounds, "fwd.level + bwd.level starts at 2, above the budget")
	assert.Empty(t, res.Via)
	assert.Empty(t, res.Alternatives, "only the identity and the target itself are stored")
	assert.Equal(t, 8, res.TargetBounds.Walsh)
}

func TestCoordinator_SingleNotFoundInOneRound(t *testing.T) {
	c := newCoordinator(t, storage.NewMemoryStore(), notASBox, 2, 2, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, "not(a), b, c, d; ", res.Path)
	assert.Equal(t, 0.67, res.Cost)
	require.Len(t, res.History, 1)
	assert.Equal(t, 1, res.History[0].Forward.Parents)
	assert.Equal(t, 172, res.History[0].Forward.Generated)
	assert.Equal(t, 1, res.ForwardLevel)
	assert.Equal(t, 1, res.BackwardLevel)
}

func TestCoordinator_DepthExhaustedSuggestsAlternative(t *testing.T) {
	c := newCoordinator(t, storage.NewMemoryStore(), presentSBox, 3, 2, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, OutcomeDepthExhausted, res.Outcome)
	assert.Equal(t, 1, res.Rounds)
	// A NOT next to the target keeps its spectrum, so the backward store
	// always has a candidate.
	require.NotEmpty(t, res.Alternatives)
	target := sbox.FromState(res.Target)
	for _, alt := range res.Alternatives {
		assert.LessOrEqual(t, alt.Node.Walsh, res.TargetBounds.Walsh)
		assert.LessOrEqual(t, alt.Node.Auto, res.TargetBounds.Auto)
		assert.NotEqual(t, res.Target, alt.Node.State)
		require.Len(t, alt.SBox, 16)

		differing := 0
		for i := range target {
			if target[i] != alt.SBox[i] {
				differing++
			}
		}
		assert.Equal(t, differing, alt.LineChanges)
		assert.GreaterOrEqual(t, alt.LineChanges, 2, "two distinct permutations differ in at least two entries")
		assert.Positive(t, alt.HammingDistance)
	}
}

func TestCoordinator_ResumedStoreReportsWithoutNewRounds(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first, err := newCoordinator(t, store, notASBox, 2, 2, 0).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, first.Outcome)

	second, err := newCoordinator(t, store, notASBox, 2, 2, 0).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, second.Outcome)
	assert.Equal(t, 0, second.Rounds)
	assert.Equal(t, first.Cost, second.Cost)
	assert.Equal(t, 1, second.ForwardLevel)
}

func TestCoordinator_BatchingDoesNotChangeResult(t *testing.T) {
	ctx := context.Background()

	serial, err := newCoordinator(t, storage.NewMemoryStore(), presentSBox, 4, 1, 0).Run(ctx)
	require.NoError(t, err)
	parallel, err := newCoordinator(t, storage.NewMemoryStore(), presentSBox, 4, 5, 7).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, serial.Outcome, parallel.Outcome)
	assert.Equal(t, serial.Cost, parallel.Cost)
	require.Len(t, parallel.History, len(serial.History))
	for i := range serial.History {
		assert.Equal(t, serial.History[i].Forward.Frontier, parallel.History[i].Forward.Frontier)
		assert.Equal(t, serial.History[i].Backward.Frontier, parallel.History[i].Backward.Frontier)
		assert.Equal(t, serial.History[i].Forward.Generated, parallel.History[i].Forward.Generated)
	}
}

func TestCoordinator_BadgerBackend(t *testing.T) {
	store := storage.NewBadgerStore(storage.BadgerConfig{InMemory: true})
	t.Cleanup(func() {
		_ = store.Close()
	})
	c := newCoordinator(t, store, notASBox, 2, 3, 0)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, 0.67, res.Cost)
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCoordinator(Config{
		Target:   targetState(t, notASBox),
		MaxDepth: 2,
		Threads:  2,
		Store:    storage.NewMemoryStore(),
		Metrics:  NewMetrics(reg),
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cfg.Metrics.rounds))
	assert.Equal(t, 172.0, testutil.ToFloat64(c.cfg.Metrics.generated.WithLabelValues(string(model.Forward))))
}

func TestCoordinator_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newCoordinator(t, storage.NewMemoryStore(), presentSBox, 6, 2, 0)

	_, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// hookedStore runs onInsert before every forward or backward Insert.
type hookedStore struct {
	storage.Store
	onInsert func(dir model.Direction, nodes []model.Node) error
}

func (s *hookedStore) Nodes(dir model.Direction) storage.NodeStore {
	return &hookedNodes{NodeStore: s.Store.Nodes(dir), dir: dir, onInsert: s.onInsert}
}

type hookedNodes struct {
	storage.NodeStore
	dir      model.Direction
	onInsert func(dir model.Direction, nodes []model.Node) error
}

func (n *hookedNodes) Insert(ctx context.Context, nodes []model.Node) error {
	if err := n.onInsert(n.dir, nodes); err != nil {
		return err
	}
	return n.NodeStore.Insert(ctx, nodes)
}

func levelCounts(t *testing.T, store storage.Store, level int) (int, int) {
	t.Helper()
	ctx := context.Background()
	fwd, err := store.Nodes(model.Forward).CountAtLevel(ctx, level)
	require.NoError(t, err)
	bwd, err := store.Nodes(model.Backward).CountAtLevel(ctx, level)
	require.NoError(t, err)
	return fwd, bwd
}

func TestCoordinator_CancelledRoundIsRedoneOnResume(t *testing.T) {
	reference := storage.NewMemoryStore()
	want, err := newCoordinator(t, reference, presentSBox, 4, 2, 7).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, want.History, 2)
	wantFwd, wantBwd := levelCounts(t, reference, 2)
	require.NotZero(t, wantFwd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	mem := storage.NewMemoryStore()
	interrupted := &hookedStore{Store: mem, onInsert: func(_ model.Direction, nodes []model.Node) error {
		if len(nodes) > 0 && nodes[0].Level == 2 {
			// The batch itself is stored; everything after it sees the cancel.
			once.Do(cancel)
		}
		return nil
	}}
	_, err = newCoordinator(t, interrupted, presentSBox, 4, 2, 7).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	fwdRows, bwdRows := levelCounts(t, mem, 2)
	assert.Zero(t, fwdRows, "cancelled round left forward rows behind")
	assert.Zero(t, bwdRows, "cancelled round left backward rows behind")
	last, ok, err := mem.Nodes(model.Forward).LastLevel(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, last)

	resumed, err := newCoordinator(t, mem, presentSBox, 4, 2, 7).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, resumed.History, 1, "only the interrupted round is redone")
	assert.Equal(t, 2, resumed.History[0].Forward.Level)
	assert.Equal(t, want.History[1].Forward.Parents, resumed.History[0].Forward.Parents)
	assert.Equal(t, want.History[1].Forward.Frontier, resumed.History[0].Forward.Frontier)
	assert.Equal(t, want.History[1].Backward.Frontier, resumed.History[0].Backward.Frontier)

	gotFwd, gotBwd := levelCounts(t, mem, 2)
	assert.Equal(t, wantFwd, gotFwd)
	assert.Equal(t, wantBwd, gotBwd)
	assert.Equal(t, want.Outcome, resumed.Outcome)
}

func TestCoordinator_FailedInsertRollsBackBothDirections(t *testing.T) {
	errDiskFull := errors.New("disk full")
	mem := storage.NewMemoryStore()
	failing := &hookedStore{Store: mem, onInsert: func(dir model.Direction, nodes []model.Node) error {
		if dir == model.Backward && len(nodes) > 0 && nodes[0].Level == 2 {
			return errDiskFull
		}
		return nil
	}}

	_, err := newCoordinator(t, failing, presentSBox, 4, 3, 5).Run(context.Background())
	require.ErrorIs(t, err, errDiskFull)

	for _, dir := range []model.Direction{model.Forward, model.Backward} {
		last, ok, err := mem.Nodes(dir).LastLevel(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, last, "direction %s", dir)
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	store := storage.NewMemoryStore()
	cases := map[string]Config{
		"missing store":     {MaxDepth: 2, Threads: 1},
		"negative depth":    {MaxDepth: -1, Threads: 1, Store: store},
		"no threads":        {MaxDepth: 2, Threads: 0, Store: store},
		"negative batch":    {MaxDepth: 2, Threads: 1, BatchSize: -1, Store: store},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCoordinator(cfg)
			require.Error(t, err)
		})
	}

	c, err := NewCoordinator(Config{MaxDepth: 2, Threads: 1, Store: store})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, c.cfg.BatchSize)
	assert.NotEmpty(t, c.cfg.RunID)
}

func TestWorkerLimit(t *testing.T) {
	assert.Equal(t, 1, WorkerLimit(1, 8), "one thread still gets a worker")
	assert.Equal(t, 3, WorkerLimit(4, 8))
	assert.Equal(t, 2, WorkerLimit(16, 2), "capped by cpus")
	assert.Equal(t, 1, WorkerLimit(0, 0))
}
