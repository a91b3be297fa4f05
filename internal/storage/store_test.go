package storage

import (
	"context"
	"testing"

	"revsynth/internal/model"
)

// storeFactory returns an initialized, empty store. Cleanup is the
// factory's job.
type storeFactory func(t *testing.T) Store

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("seed is written once", func(t *testing.T) { testSeedOnce(t, newStore(t)) })
	t.Run("dedupe keeps cheapest row", func(t *testing.T) { testDedupeKeepsCheapest(t, newStore(t)) })
	t.Run("dedupe breaks ties by level then id", func(t *testing.T) { testDedupeTieBreak(t, newStore(t)) })
	t.Run("prune keeps last two levels", func(t *testing.T) { testPruneLastTwoLevels(t, newStore(t)) })
	t.Run("delete level drops only that level", func(t *testing.T) { testDeleteLevel(t, newStore(t)) })
	t.Run("level slice pages in insertion order", func(t *testing.T) { testLevelSlicePaging(t, newStore(t)) })
	t.Run("lookup prefers shallowest level", func(t *testing.T) { testLookupByLevel(t, newStore(t)) })
	t.Run("alternative ordering", func(t *testing.T) { testLookupAlternative(t, newStore(t)) })
	t.Run("join finds cheapest common state", func(t *testing.T) { testJoin(t, newStore(t)) })
	t.Run("join of seeds on identity", func(t *testing.T) { testJoinIdentity(t, newStore(t)) })
	t.Run("reset clears both directions", func(t *testing.T) { testReset(t, newStore(t)) })
}

func node(state model.State, level int, cost float64, path string) model.Node {
	return model.Node{State: state, Level: level, Cost: cost, Path: path, Walsh: 16, Auto: 16}
}

var (
	stateX = model.State{A: 1, B: 2, C: 3, D: 4}
	stateY = model.State{A: 5, B: 6, C: 7, D: 8}
	stateZ = model.State{A: 9, B: 10, C: 11, D: 12}
)

func testSeedOnce(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	if _, ok, err := fwd.LastLevel(ctx); err != nil || ok {
		t.Fatalf("expected empty table, ok=%v err=%v", ok, err)
	}
	if err := fwd.Seed(ctx, node(model.ReferenceState, 5, 0, "")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fwd.Seed(ctx, node(stateX, 0, 0, "")); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	total, err := fwd.CountTotal(ctx)
	if err != nil {
		t.Fatalf("count total: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one seed row, got %d", total)
	}
	level, ok, err := fwd.LastLevel(ctx)
	if err != nil || !ok || level != 0 {
		t.Fatalf("unexpected last level %d ok=%v err=%v", level, ok, err)
	}
	seed, ok, err := fwd.LookupByLevelAscending(ctx, model.ReferenceState)
	if err != nil || !ok {
		t.Fatalf("lookup seed: ok=%v err=%v", ok, err)
	}
	if seed.ID <= 0 {
		t.Fatalf("expected assigned id, got %d", seed.ID)
	}

	bwdTotal, err := store.Nodes(model.Backward).CountTotal(ctx)
	if err != nil {
		t.Fatalf("count backward: %v", err)
	}
	if bwdTotal != 0 {
		t.Fatalf("seeding forward leaked into backward: %d rows", bwdTotal)
	}
}

func testDedupeKeepsCheapest(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	rows := []model.Node{
		node(stateX, 1, 4.0, "expensive; "),
		node(stateX, 1, 2.67, "cheap; "),
		node(stateY, 1, 1.0, "only; "),
		node(stateX, 1, 3.0, "middle; "),
	}
	removed, err := UpsertBatch(ctx, fwd, rows)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}
	hit, ok, err := fwd.LookupByLevelAscending(ctx, stateX)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if hit.Path != "cheap; " || hit.Cost != 2.67 {
		t.Fatalf("unexpected survivor: %+v", hit)
	}

	before := snapshot(t, fwd)
	again, err := UpsertBatch(ctx, fwd, rows)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	// Every re-inserted row loses to the survivor on cost or id.
	if again != len(rows) {
		t.Fatalf("expected all %d re-inserted rows removed, got %d", len(rows), again)
	}
	after := snapshot(t, fwd)
	if len(after) != len(before) {
		t.Fatalf("re-upsert changed the state set: before %v, after %v", before, after)
	}
	for state, want := range before {
		if got := after[state]; got != want {
			t.Fatalf("re-upsert changed %s: before %+v, after %+v", state, want, got)
		}
	}
}

type storedRow struct {
	Path  string
	Cost  float64
	Level int
}

func snapshot(t *testing.T, nodes NodeStore) map[model.State]storedRow {
	t.Helper()
	rows := make(map[model.State]storedRow)
	if err := nodes.Scan(context.Background(), func(n model.Node) error {
		if _, dup := rows[n.State]; dup {
			t.Fatalf("state %s stored twice", n.State)
		}
		rows[n.State] = storedRow{Path: n.Path, Cost: n.Cost, Level: n.Level}
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return rows
}

func testDedupeTieBreak(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	if err := fwd.Insert(ctx, []model.Node{node(stateX, 2, 1.33, "deeper; ")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := fwd.Insert(ctx, []model.Node{
		node(stateX, 1, 1.33, "first; "),
		node(stateX, 1, 1.33, "second; "),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := fwd.Dedupe(ctx); err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	var kept []model.Node
	if err := fwd.Scan(ctx, func(n model.Node) error {
		kept = append(kept, n)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected one row per state, got %d", len(kept))
	}
	if kept[0].Path != "first; " || kept[0].Level != 1 {
		t.Fatalf("unexpected tie-break survivor: %+v", kept[0])
	}
}

func testPruneLastTwoLevels(t *testing.T, store Store) {
	ctx := context.Background()
	bwd := store.Nodes(model.Backward)

	for level := 0; level < 4; level++ {
		state := model.State{A: uint16(level), B: 1, C: 2, D: 3}
		if err := bwd.Insert(ctx, []model.Node{node(state, level, float64(level), "")}); err != nil {
			t.Fatalf("insert level %d: %v", level, err)
		}
	}
	removed, err := bwd.PruneToLastTwoLevels(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows pruned, got %d", removed)
	}
	for level, want := range map[int]int{0: 0, 1: 0, 2: 1, 3: 1} {
		got, err := bwd.CountAtLevel(ctx, level)
		if err != nil {
			t.Fatalf("count level %d: %v", level, err)
		}
		if got != want {
			t.Fatalf("level %d: expected %d rows, got %d", level, want, got)
		}
	}

	removed, err = bwd.PruneToLastTwoLevels(ctx)
	if err != nil {
		t.Fatalf("second prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing left to prune, got %d", removed)
	}
}

func testDeleteLevel(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)
	bwd := store.Nodes(model.Backward)

	if err := fwd.Insert(ctx, []model.Node{
		node(stateX, 1, 0.67, "x; "),
		node(stateY, 2, 1.33, "y; "),
		node(stateZ, 2, 1.33, "z; "),
		node(stateX, 2, 3.0, "x again; "),
	}); err != nil {
		t.Fatalf("insert forward: %v", err)
	}
	if err := bwd.Insert(ctx, []model.Node{node(stateY, 2, 1.0, "other side; ")}); err != nil {
		t.Fatalf("insert backward: %v", err)
	}

	removed, err := fwd.DeleteLevel(ctx, 2)
	if err != nil {
		t.Fatalf("delete level: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 rows removed, got %d", removed)
	}
	last, ok, err := fwd.LastLevel(ctx)
	if err != nil || !ok || last != 1 {
		t.Fatalf("unexpected last level %d ok=%v err=%v", last, ok, err)
	}
	if _, ok, err := fwd.LookupByLevelAscending(ctx, stateY); err != nil || ok {
		t.Fatalf("deleted state still found: ok=%v err=%v", ok, err)
	}
	// Dedupe after the delete must not touch the surviving level.
	if n, err := fwd.Dedupe(ctx); err != nil || n != 0 {
		t.Fatalf("dedupe after delete removed %d rows, err=%v", n, err)
	}
	if got := snapshot(t, fwd); len(got) != 1 || got[stateX].Path != "x; " {
		t.Fatalf("unexpected rows after delete: %v", got)
	}

	if n, err := bwd.CountAtLevel(ctx, 2); err != nil || n != 1 {
		t.Fatalf("delete leaked into backward: %d rows, err=%v", n, err)
	}
	if removed, err := fwd.DeleteLevel(ctx, 7); err != nil || removed != 0 {
		t.Fatalf("deleting an absent level removed %d, err=%v", removed, err)
	}
}

func testLevelSlicePaging(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	var rows []model.Node
	for i := 0; i < 5; i++ {
		rows = append(rows, node(model.State{A: uint16(i)}, 1, 1, ""))
	}
	if err := fwd.Insert(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first, err := fwd.LevelSlice(ctx, 1, 0, 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	second, err := fwd.LevelSlice(ctx, 1, 2, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	last, err := fwd.LevelSlice(ctx, 1, 4, 2)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	past, err := fwd.LevelSlice(ctx, 1, 5, 2)
	if err != nil {
		t.Fatalf("past end: %v", err)
	}
	if len(first) != 2 || len(second) != 2 || len(last) != 1 || len(past) != 0 {
		t.Fatalf("unexpected page sizes: %d %d %d %d", len(first), len(second), len(last), len(past))
	}
	got := []uint16{first[0].State.A, first[1].State.A, second[0].State.A, second[1].State.A, last[0].State.A}
	for i, a := range got {
		if a != uint16(i) {
			t.Fatalf("page order broken at %d: %v", i, got)
		}
	}
}

func testLookupByLevel(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	if err := fwd.Insert(ctx, []model.Node{
		node(stateX, 2, 0.5, "deep; "),
		node(stateX, 1, 3.0, "shallow; "),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	hit, ok, err := fwd.LookupByLevelAscending(ctx, stateX)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if hit.Level != 1 || hit.Path != "shallow; " {
		t.Fatalf("expected shallowest row, got %+v", hit)
	}
	if _, ok, err := fwd.LookupByLevelAscending(ctx, stateZ); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func testLookupAlternative(t *testing.T, store Store) {
	ctx := context.Background()
	fwd := store.Nodes(model.Forward)

	rows := []model.Node{
		{State: stateX, Level: 1, Walsh: 8, Auto: 16, Path: "x; "},
		{State: stateY, Level: 2, Walsh: 8, Auto: 8, Path: "y; "},
		{State: stateZ, Level: 1, Walsh: 8, Auto: 8, Path: "z; "},
		{State: model.State{A: 99}, Level: 1, Walsh: 4, Auto: 16, Path: "over auto limit; "},
	}
	if err := fwd.Insert(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	hit, ok, err := fwd.LookupAlternative(ctx, 8, 8, model.ReferenceState)
	if err != nil || !ok {
		t.Fatalf("lookup alternative: ok=%v err=%v", ok, err)
	}
	if hit.Path != "z; " {
		t.Fatalf("expected lowest walsh, auto, level candidate, got %+v", hit)
	}
	hit, ok, err = fwd.LookupAlternative(ctx, 8, 8, stateZ)
	if err != nil || !ok {
		t.Fatalf("lookup alternative excluding z: ok=%v err=%v", ok, err)
	}
	if hit.Path != "y; " {
		t.Fatalf("expected excluded state to be skipped, got %+v", hit)
	}
	if _, ok, err := fwd.LookupAlternative(ctx, 2, 2, model.ReferenceState); err != nil || ok {
		t.Fatalf("expected no candidate within tight limits, ok=%v err=%v", ok, err)
	}
}

func testJoin(t *testing.T, store Store) {
	ctx := context.Background()
	fwd, bwd := store.Nodes(model.Forward), store.Nodes(model.Backward)

	if err := fwd.Insert(ctx, []model.Node{
		node(stateX, 1, 1.0, "fx;"),
		node(stateY, 1, 0.67, "fy;"),
	}); err != nil {
		t.Fatalf("insert forward: %v", err)
	}
	if err := bwd.Insert(ctx, []model.Node{
		node(stateX, 1, 1.0, "bx;"),
		node(stateY, 1, 4.0, "by;"),
		node(stateZ, 1, 0.0, "bz;"),
	}); err != nil {
		t.Fatalf("insert backward: %v", err)
	}
	rec, ok, err := Join(ctx, store)
	if err != nil || !ok {
		t.Fatalf("join: ok=%v err=%v", ok, err)
	}
	if rec.State != stateX || rec.Path != "fx; bx;" || rec.TotalCost != 2.0 {
		t.Fatalf("unexpected merge record: %+v", rec)
	}
}

func testJoinIdentity(t *testing.T, store Store) {
	ctx := context.Background()
	seed := node(model.ReferenceState, 0, 0, "")
	if err := store.Nodes(model.Forward).Seed(ctx, seed); err != nil {
		t.Fatalf("seed forward: %v", err)
	}
	if err := store.Nodes(model.Backward).Seed(ctx, seed); err != nil {
		t.Fatalf("seed backward: %v", err)
	}
	rec, ok, err := Join(ctx, store)
	if err != nil || !ok {
		t.Fatalf("join: ok=%v err=%v", ok, err)
	}
	if rec.Path != "" || rec.TotalCost != 0 {
		t.Fatalf("expected empty zero-cost circuit, got %+v", rec)
	}
}

func testReset(t *testing.T, store Store) {
	ctx := context.Background()
	for _, dir := range []model.Direction{model.Forward, model.Backward} {
		if err := store.Nodes(dir).Insert(ctx, []model.Node{node(stateX, 1, 1, "")}); err != nil {
			t.Fatalf("insert %s: %v", dir, err)
		}
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	for _, dir := range []model.Direction{model.Forward, model.Backward} {
		total, err := store.Nodes(dir).CountTotal(ctx)
		if err != nil {
			t.Fatalf("count %s: %v", dir, err)
		}
		if total != 0 {
			t.Fatalf("%s still holds %d rows after reset", dir, total)
		}
	}
}
