package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"revsynth/internal/model"
	"revsynth/internal/sbox"
	"revsynth/internal/spectrum"
	"revsynth/internal/storage"
)

const DefaultBatchSize = 5000

type Outcome string

const (
	OutcomeMatched             Outcome = "matched"
	OutcomeDepthExhausted      Outcome = "depth_exhausted"
	OutcomeStateSpaceExhausted Outcome = "state_space_exhausted"
)

// Match sources.
const (
	ViaJoin     = "join"
	ViaForward  = "forward"
	ViaBackward = "backward"
)

type Config struct {
	Target    model.State
	MaxDepth  int
	Threads   int
	BatchSize int
	Store     storage.Store
	Logger    *slog.Logger
	Metrics   *Metrics
	RunID     string
}

type RoundStats struct {
	Round    int           `json:"round"`
	Forward  LevelStats    `json:"forward"`
	Backward LevelStats    `json:"backward"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Alternative is a stored function whose spectrum is at least as good as
// the target's. A forward row's path builds it from the identity; a
// backward row's path turns it into the target.
// HammingDistance and LineChanges measure how far it is from the target.
type Alternative struct {
	Direction       model.Direction `json:"direction"`
	Node            model.Node      `json:"node"`
	SBox            []int           `json:"sbox"`
	HammingDistance int             `json:"hamming_distance"`
	LineChanges     int             `json:"line_changes"`
}

func newAlternative(dir model.Direction, n model.Node, target model.State) (Alternative, error) {
	want, got := target.Columns(), n.State.Columns()
	dist, err := spectrum.HammingDistance(want[:], got[:])
	if err != nil {
		return Alternative{}, fmt.Errorf("distance to %s alternative: %w", dir, err)
	}
	changes, err := spectrum.OutputLineChanges(want[:], got[:])
	if err != nil {
		return Alternative{}, fmt.Errorf("line changes to %s alternative: %w", dir, err)
	}
	return Alternative{
		Direction:       dir,
		Node:            n,
		SBox:            sbox.FromState(n.State),
		HammingDistance: dist,
		LineChanges:     changes,
	}, nil
}

type Result struct {
	RunID         string          `json:"run_id"`
	Outcome       Outcome         `json:"outcome"`
	Target        model.State     `json:"target"`
	TargetBounds  spectrum.Bounds `json:"target_bounds"`
	Via           string          `json:"via,omitempty"`
	Path          string          `json:"path"`
	Cost          float64         `json:"ge"`
	Rounds        int             `json:"rounds"`
	ForwardLevel  int             `json:"forward_level"`
	BackwardLevel int             `json:"backward_level"`
	Alternatives  []Alternative   `json:"alternatives,omitempty"`
	History       []RoundStats    `json:"history"`
}

// Coordinator runs the forward and backward trees in lockstep and joins
// them after every round.
type Coordinator struct {
	cfg     Config
	workers int
	logger  *slog.Logger

	// mu serializes every store access of both trees.
	mu  sync.Mutex
	fwd *Tree
	bwd *Tree
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be non-negative, got %d", cfg.MaxDepth)
	}
	if cfg.Threads <= 0 {
		return nil, fmt.Errorf("threads must be positive, got %d", cfg.Threads)
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be non-negative, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	logger := cfg.Logger.With("run_id", cfg.RunID)

	return &Coordinator{
		cfg:     cfg,
		workers: WorkerLimit(cfg.Threads, runtime.NumCPU()),
		logger:  logger,
		fwd:     NewTree(model.Forward, model.ReferenceState, cfg.Target, cfg.Store.Nodes(model.Forward), logger, cfg.Metrics),
		bwd:     NewTree(model.Backward, cfg.Target, model.ReferenceState, cfg.Store.Nodes(model.Backward), logger, cfg.Metrics),
	}, nil
}

// WorkerLimit is min(threads-1, cpus), and at least one.
func WorkerLimit(threads, cpus int) int {
	return max(min(threads-1, cpus), 1)
}

// Workers is the number of expansion goroutines a round may run at once.
func (c *Coordinator) Workers() int { return c.workers }

func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	bounds, err := spectrum.MultiSpectrum(c.cfg.Target.Columns())
	if err != nil {
		return Result{}, fmt.Errorf("score target: %w", err)
	}
	res := Result{
		RunID:        c.cfg.RunID,
		Target:       c.cfg.Target,
		TargetBounds: bounds,
		History:      []RoundStats{},
	}

	if err := c.cfg.Store.Init(ctx); err != nil {
		return Result{}, fmt.Errorf("init store: %w", err)
	}
	if err := c.fwd.Open(ctx); err != nil {
		return Result{}, err
	}
	if err := c.bwd.Open(ctx); err != nil {
		return Result{}, err
	}
	c.logger.Info("search started",
		"target", sbox.FromState(c.cfg.Target),
		"max_depth", c.cfg.MaxDepth,
		"workers", c.workers,
		"batch_size", c.cfg.BatchSize,
		"walsh", bounds.Walsh,
		"auto", bounds.Auto,
	)

	matched, err := c.match(ctx, &res)
	if err != nil {
		return Result{}, err
	}

	for !matched && c.fwd.Level()+c.bwd.Level() <= c.cfg.MaxDepth {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		round, err := c.round(ctx, res.Rounds+1)
		if err != nil {
			return Result{}, err
		}
		res.Rounds++
		res.History = append(res.History, round)

		if exhausted(round) {
			c.logger.Info("state space exhausted",
				"forward_stored", humanize.Comma(round.Forward.Total),
				"backward_stored", humanize.Comma(round.Backward.Total),
			)
			res.Outcome = OutcomeStateSpaceExhausted
			break
		}
		if matched, err = c.match(ctx, &res); err != nil {
			return Result{}, err
		}
	}
	res.ForwardLevel = c.fwd.Level() - 1
	res.BackwardLevel = c.bwd.Level() - 1

	switch {
	case matched:
		res.Outcome = OutcomeMatched
		c.logger.Info("target found", "via", res.Via, "ge", res.Cost, "rounds", res.Rounds, "path", res.Path)
	case res.Outcome == OutcomeStateSpaceExhausted:
	default:
		res.Outcome = OutcomeDepthExhausted
		c.logger.Info("maximum depth reached but target not found", "max_depth", c.cfg.MaxDepth)
		if res.Alternatives, err = c.suggestAlternative(ctx, bounds); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// round expands both frontiers one level. Batches of the two directions are
// dispatched in pairs so both make progress together. A round either adds a
// complete level to both stores or, on any error including cancellation,
// leaves neither with rows at the new level.
func (c *Coordinator) round(ctx context.Context, n int) (_ RoundStats, err error) {
	started := time.Now()
	fwdLevel, bwdLevel := c.fwd.Level(), c.bwd.Level()
	defer func() {
		if err != nil {
			err = errors.Join(err, c.rollback(ctx, fwdLevel, bwdLevel))
		}
	}()

	fwdParents, err := c.fwd.FrontierSize(ctx)
	if err != nil {
		return RoundStats{}, fmt.Errorf("count forward frontier: %w", err)
	}
	bwdParents, err := c.bwd.FrontierSize(ctx)
	if err != nil {
		return RoundStats{}, fmt.Errorf("count backward frontier: %w", err)
	}
	c.logger.Info("computing round",
		"round", n,
		"forward_level", c.fwd.Level(),
		"backward_level", c.bwd.Level(),
		"forward_parents", humanize.Comma(int64(fwdParents)),
		"backward_parents", humanize.Comma(int64(bwdParents)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	batch := c.cfg.BatchSize
	for offset := 0; offset < max(fwdParents, bwdParents); offset += batch {
		if offset < fwdParents {
			g.Go(func() error { return c.fwd.ExpandBatch(gctx, &c.mu, offset, batch) })
		}
		if offset < bwdParents {
			g.Go(func() error { return c.bwd.ExpandBatch(gctx, &c.mu, offset, batch) })
		}
	}
	if err := g.Wait(); err != nil {
		return RoundStats{}, err
	}

	// Past the barrier the level is complete; finish it even if ctx is
	// cancelled meanwhile. Run notices the cancellation before the next round.
	fctx := context.WithoutCancel(ctx)
	stats := RoundStats{Round: n}
	if stats.Forward, err = c.fwd.FinishRound(fctx); err != nil {
		return RoundStats{}, err
	}
	if stats.Backward, err = c.bwd.FinishRound(fctx); err != nil {
		return RoundStats{}, err
	}
	stats.Elapsed = time.Since(started)
	c.cfg.Metrics.observeRound(stats.Elapsed.Seconds())
	c.logger.Info("round complete", "round", n, "elapsed", stats.Elapsed.Round(time.Millisecond).String())
	return stats, nil
}

// rollback drops the level a failed round was writing in both directions so
// a resumed search does not mistake it for a finished one.
func (c *Coordinator) rollback(ctx context.Context, fwdLevel, bwdLevel int) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(
		c.fwd.DiscardLevel(ctx, fwdLevel),
		c.bwd.DiscardLevel(ctx, bwdLevel),
	)
}

// exhausted reports that nothing is left to discover: either store holds
// every reversible function, or both frontiers came back empty.
func exhausted(r RoundStats) bool {
	if r.Forward.Total >= model.StateSpaceSize || r.Backward.Total >= model.StateSpaceSize {
		return true
	}
	return r.Forward.Frontier == 0 && r.Backward.Frontier == 0
}

// match joins the two stores and checks both trees for direct hits. The
// cheapest of the three wins; the join wins ties.
func (c *Coordinator) match(ctx context.Context, res *Result) (bool, error) {
	rec, joined, err := storage.Join(ctx, c.cfg.Store)
	if err != nil {
		return false, fmt.Errorf("join directions: %w", err)
	}
	if _, err := c.fwd.CheckReached(ctx); err != nil {
		return false, err
	}
	if _, err := c.bwd.CheckReached(ctx); err != nil {
		return false, err
	}

	found := false
	take := func(via, path string, cost float64) {
		if found && cost >= res.Cost {
			return
		}
		res.Via, res.Path, res.Cost, found = via, path, cost, true
	}
	if joined {
		take(ViaJoin, rec.Path, rec.TotalCost)
	}
	if hit, ok := c.fwd.Hit(); ok {
		take(ViaForward, hit.Path, hit.Cost)
	}
	if hit, ok := c.bwd.Hit(); ok {
		take(ViaBackward, hit.Path, hit.Cost)
	}
	return found, nil
}

// suggestAlternative looks in both stores for the function with the best
// spectrum that is no worse than the target's. The target itself never
// qualifies.
func (c *Coordinator) suggestAlternative(ctx context.Context, limit spectrum.Bounds) ([]Alternative, error) {
	var alts []Alternative
	for _, tree := range []*Tree{c.fwd, c.bwd} {
		n, ok, err := tree.Alternative(ctx, limit, c.cfg.Target)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		alt, err := newAlternative(tree.Direction(), n, c.cfg.Target)
		if err != nil {
			return nil, err
		}
		alts = append(alts, alt)
	}
	sort.SliceStable(alts, func(i, j int) bool {
		return alts[i].Node.BetterAlternative(alts[j].Node)
	})

	target := sbox.FromState(c.cfg.Target)
	if len(alts) == 0 {
		c.logger.Info("no suitable substitute found within this depth",
			"sbox", sbox.Format(target), "walsh", limit.Walsh, "auto", limit.Auto)
		return nil, nil
	}
	for _, alt := range alts {
		c.logger.Info("substitute may be used instead",
			"sbox", sbox.Format(alt.SBox),
			"direction", string(alt.Direction),
			"ge", alt.Node.Cost,
			"walsh", alt.Node.Walsh,
			"auto", alt.Node.Auto,
			"hamming_distance", alt.HammingDistance,
			"line_changes", alt.LineChanges,
			"target", sbox.Format(target),
			"target_walsh", limit.Walsh,
			"target_auto", limit.Auto,
			"path", alt.Node.Path,
		)
	}
	return alts, nil
}

