package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"revsynth/internal/model"
	"revsynth/internal/spectrum"
	"revsynth/internal/storage"
	"revsynth/internal/successor"
)

// Hit is a direction reaching the far end of the search on its own.
type Hit struct {
	Level int     `json:"level"`
	Path  string  `json:"path"`
	Cost  float64 `json:"ge"`
}

// LevelStats summarizes one direction's half of a round.
type LevelStats struct {
	Level      int   `json:"level"`
	Parents    int   `json:"parents"`
	Generated  int   `json:"generated"`
	Duplicates int   `json:"duplicates"`
	Pruned     int   `json:"pruned"`
	Frontier   int   `json:"frontier"`
	Total      int64 `json:"total"`
}

// Tree grows one direction of the search level by level. The forward tree
// starts at the identity and looks for the target; the backward tree starts
// at the target and looks for the identity.
type Tree struct {
	dir     model.Direction
	origin  model.State
	goal    model.State
	nodes   storage.NodeStore
	gen     *successor.Generator
	logger  *slog.Logger
	metrics *Metrics

	// level is the level the next round produces.
	level     int
	searching bool
	hit       Hit

	// Guarded by the coordinator's store lock.
	parents   int
	generated int
}

func NewTree(dir model.Direction, origin, goal model.State, nodes storage.NodeStore, logger *slog.Logger, metrics *Metrics) *Tree {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tree{
		dir:       dir,
		origin:    origin,
		goal:      goal,
		nodes:     nodes,
		gen:       successor.New(dir),
		logger:    logger.With("direction", string(dir)),
		metrics:   metrics,
		searching: true,
	}
}

func (t *Tree) Direction() model.Direction { return t.dir }

// Level is the level the next round will produce.
func (t *Tree) Level() int { return t.level }

// Searching reports whether the tree has not yet reached its goal.
func (t *Tree) Searching() bool { return t.searching }

func (t *Tree) Hit() (Hit, bool) { return t.hit, !t.searching }

// Open seeds level 0, or resumes from the highest level already stored, and
// checks whether the goal is already present.
func (t *Tree) Open(ctx context.Context) error {
	if err := t.nodes.Init(ctx); err != nil {
		return fmt.Errorf("init %s nodes: %w", t.dir, err)
	}
	last, ok, err := t.nodes.LastLevel(ctx)
	if err != nil {
		return fmt.Errorf("read %s last level: %w", t.dir, err)
	}
	if ok {
		t.level = last + 1
		frontier, err := t.nodes.CountAtLevel(ctx, last)
		if err != nil {
			return fmt.Errorf("count %s frontier: %w", t.dir, err)
		}
		t.logger.Info("resuming from stored level", "level", last, "frontier", humanize.Comma(int64(frontier)))
	} else {
		score, err := spectrum.MultiSpectrum(t.origin.Columns())
		if err != nil {
			return fmt.Errorf("score %s seed: %w", t.dir, err)
		}
		seed := model.Node{State: t.origin, Walsh: score.Walsh, Auto: score.Auto}
		if err := t.nodes.Seed(ctx, seed); err != nil {
			return fmt.Errorf("seed %s nodes: %w", t.dir, err)
		}
		t.level = 1
		t.logger.Debug("seeded", "state", t.origin.String(), "walsh", score.Walsh, "auto", score.Auto)
	}
	_, err = t.CheckReached(ctx)
	return err
}

// FrontierSize counts the parents the next round will expand.
func (t *Tree) FrontierSize(ctx context.Context) (int, error) {
	return t.nodes.CountAtLevel(ctx, t.level-1)
}

// ExpandBatch expands one page of the frontier. Store reads and writes hold
// mu; expansion itself runs unlocked.
func (t *Tree) ExpandBatch(ctx context.Context, mu *sync.Mutex, offset, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu.Lock()
	parents, err := t.nodes.LevelSlice(ctx, t.level-1, offset, count)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("read %s level %d at %d: %w", t.dir, t.level-1, offset, err)
	}
	if len(parents) == 0 {
		return nil
	}

	rows := make([]model.Node, 0, len(parents)*successor.PerState)
	failures := 0
	for _, parent := range parents {
		next, err := t.gen.ExpandNode(parent)
		if err != nil {
			n := countJoined(err)
			failures += n
			t.logger.Warn("skipped successors that failed scoring", "parent", parent.State.String(), "count", n, "err", err)
		}
		rows = append(rows, next...)
	}
	t.metrics.scoringFailed(t.dir, failures)

	mu.Lock()
	defer mu.Unlock()
	if err := t.nodes.Insert(ctx, rows); err != nil {
		return fmt.Errorf("insert %s level %d: %w", t.dir, t.level, err)
	}
	t.parents += len(parents)
	t.generated += len(rows)
	return nil
}

// FinishRound dedupes the new level, drops all but the last two levels and
// advances the tree. Callers must have joined every ExpandBatch of the round.
func (t *Tree) FinishRound(ctx context.Context) (LevelStats, error) {
	stats := LevelStats{Level: t.level, Parents: t.parents, Generated: t.generated}
	t.parents, t.generated = 0, 0

	var err error
	if stats.Duplicates, err = t.nodes.Dedupe(ctx); err != nil {
		return stats, fmt.Errorf("dedupe %s nodes: %w", t.dir, err)
	}
	if stats.Pruned, err = t.nodes.PruneToLastTwoLevels(ctx); err != nil {
		return stats, fmt.Errorf("prune %s nodes: %w", t.dir, err)
	}
	if stats.Frontier, err = t.nodes.CountAtLevel(ctx, t.level); err != nil {
		return stats, fmt.Errorf("count %s level %d: %w", t.dir, t.level, err)
	}
	if stats.Total, err = t.nodes.CountTotal(ctx); err != nil {
		return stats, fmt.Errorf("count %s nodes: %w", t.dir, err)
	}

	t.logger.Info("level complete",
		"level", stats.Level,
		"parents", humanize.Comma(int64(stats.Parents)),
		"generated", humanize.Comma(int64(stats.Generated)),
		"duplicates", humanize.Comma(int64(stats.Duplicates)),
		"pruned", humanize.Comma(int64(stats.Pruned)),
		"frontier", humanize.Comma(int64(stats.Frontier)),
		"stored", humanize.Comma(stats.Total),
	)
	t.metrics.observeLevel(t.dir, stats)
	t.level++
	return stats, nil
}

// DiscardLevel deletes whatever a failed round wrote at level and rewinds
// the tree so the next round produces level again.
func (t *Tree) DiscardLevel(ctx context.Context, level int) error {
	removed, err := t.nodes.DeleteLevel(ctx, level)
	if err != nil {
		return fmt.Errorf("discard %s level %d: %w", t.dir, level, err)
	}
	t.level = level
	t.parents, t.generated = 0, 0
	t.logger.Warn("discarded unfinished level", "level", level, "rows", humanize.Comma(int64(removed)))
	return nil
}

// CheckReached looks for the goal in the tree's own store. Once found, the
// shallowest row is kept and the tree stops searching.
func (t *Tree) CheckReached(ctx context.Context) (bool, error) {
	if !t.searching {
		return true, nil
	}
	n, ok, err := t.nodes.LookupByLevelAscending(ctx, t.goal)
	if err != nil {
		return false, fmt.Errorf("look up %s goal: %w", t.dir, err)
	}
	if !ok {
		return false, nil
	}
	t.hit = Hit{Level: n.Level, Path: n.Path, Cost: n.Cost}
	t.searching = false
	t.logger.Info("goal reached", "level", n.Level, "ge", n.Cost, "path", n.Path)
	return true, nil
}

// Alternative returns the stored row with the best spectrum within limit,
// other than exclude.
func (t *Tree) Alternative(ctx context.Context, limit spectrum.Bounds, exclude model.State) (model.Node, bool, error) {
	n, ok, err := t.nodes.LookupAlternative(ctx, limit.Walsh, limit.Auto, exclude)
	if err != nil {
		return model.Node{}, false, fmt.Errorf("look up %s alternative: %w", t.dir, err)
	}
	return n, ok, nil
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
