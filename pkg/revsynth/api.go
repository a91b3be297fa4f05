package revsynth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"revsynth/internal/logging"
	"revsynth/internal/sbox"
	"revsynth/internal/search"
	"revsynth/internal/spectrum"
	"revsynth/internal/stats"
	"revsynth/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultSQLitePath   = "revsynth.db"
	defaultBadgerPath   = "revsynth.badger"

	// Fixed width so the run index sorts lexically by time.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	BatchSize    int

	// LogPath is the progress log. Empty means Progress.log; "-" disables
	// the file.
	LogPath  string
	LogLevel slog.Level
	LogJSON  bool
	// Logger replaces the progress log entirely.
	Logger *slog.Logger

	// Registerer receives the search metrics. Nil disables them.
	Registerer prometheus.Registerer
}

type Client struct {
	store     storage.Store
	storeKind string
	dbPath    string

	logger  *slog.Logger
	logFile *logging.Logger
	metrics *search.Metrics

	artifactsDir string
	exportsDir   string
	batchSize    int

	// searchMu keeps one search per store at a time.
	searchMu sync.Mutex
}

type SearchRequest struct {
	SBox     []int
	MaxDepth int
	Threads  int
	// Fresh drops every stored node before the search starts.
	Fresh bool
	RunID string
}

type SearchSummary struct {
	Result       search.Result
	ArtifactsDir string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	SBox         []int
	MaxDepth     int
	Store        string
	Outcome      search.Outcome
	Cost         float64
	Rounds       int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type SpectrumReport struct {
	Columns  [4]uint16
	PerLine  [4]spectrum.Bounds
	Combined spectrum.Bounds
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		switch storeKind {
		case "sqlite":
			dbPath = defaultSQLitePath
		case "badger":
			dbPath = defaultBadgerPath
		}
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	if opts.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be non-negative, got %d", opts.BatchSize)
	}

	c := &Client{
		storeKind:    storeKind,
		dbPath:       dbPath,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
		batchSize:    opts.BatchSize,
		logger:       opts.Logger,
	}
	if c.logger == nil {
		lg, err := logging.New(logging.Options{
			Path:  opts.LogPath,
			Level: opts.LogLevel,
			JSON:  opts.LogJSON,
		})
		if err != nil {
			return nil, err
		}
		c.logFile = lg
		c.logger = lg.Logger
	}
	if opts.Registerer != nil {
		c.metrics = search.NewMetrics(opts.Registerer)
	}

	store, err := storage.NewStore(storeKind, dbPath, c.logger)
	if err != nil {
		_ = c.closeLog()
		return nil, err
	}
	c.store = store
	return c, nil
}

func (c *Client) Close() error {
	return errors.Join(storage.CloseIfSupported(c.store), c.closeLog())
}

func (c *Client) closeLog() error {
	if c.logFile == nil {
		return nil
	}
	return c.logFile.Close()
}

// Search looks for the cheapest circuit implementing req.SBox and records
// the run under the artifacts directory.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchSummary, error) {
	target, err := sbox.State(req.SBox)
	if err != nil {
		return SearchSummary{}, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	if req.Fresh {
		if err := c.store.Init(ctx); err != nil {
			return SearchSummary{}, fmt.Errorf("init store: %w", err)
		}
		if err := c.store.Reset(ctx); err != nil {
			return SearchSummary{}, fmt.Errorf("reset store: %w", err)
		}
		c.logger.Info("dropped previous nodes", "store", c.storeKind)
	}

	coord, err := search.NewCoordinator(search.Config{
		Target:    target,
		MaxDepth:  req.MaxDepth,
		Threads:   req.Threads,
		BatchSize: c.batchSize,
		Store:     c.store,
		Logger:    c.logger,
		Metrics:   c.metrics,
		RunID:     req.RunID,
	})
	if err != nil {
		return SearchSummary{}, err
	}
	res, err := coord.Run(ctx)
	if err != nil {
		return SearchSummary{}, err
	}

	batch := c.batchSize
	if batch == 0 {
		batch = search.DefaultBatchSize
	}
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:     req.RunID,
			SBox:      append([]int(nil), req.SBox...),
			MaxDepth:  req.MaxDepth,
			Threads:   req.Threads,
			Workers:   coord.Workers(),
			BatchSize: batch,
			Store:     c.storeKind,
			DBPath:    c.dbPath,
			Fresh:     req.Fresh,
		},
		Result: res,
	})
	if err != nil {
		return SearchSummary{}, fmt.Errorf("write run artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:        req.RunID,
		SBox:         append([]int(nil), req.SBox...),
		MaxDepth:     req.MaxDepth,
		Store:        c.storeKind,
		Outcome:      res.Outcome,
		Cost:         res.Cost,
		Rounds:       res.Rounds,
		CreatedAtUTC: time.Now().UTC().Format(createdAtLayout),
	}); err != nil {
		return SearchSummary{}, fmt.Errorf("append run index: %w", err)
	}

	return SearchSummary{Result: res, ArtifactsDir: runDir}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			SBox:         e.SBox,
			MaxDepth:     e.MaxDepth,
			Store:        e.Store,
			Outcome:      e.Outcome,
			Cost:         e.Cost,
			Rounds:       e.Rounds,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// RunDetail is everything recorded for one run. Frontiers holds the
// forward and backward frontier size after each round.
type RunDetail struct {
	Config    stats.RunConfig `json:"config"`
	Result    search.Result   `json:"result"`
	Frontiers [][2]int        `json:"frontiers"`
}

// Show reads back the artifacts of an earlier run.
func (c *Client) Show(_ context.Context, runID string) (RunDetail, error) {
	if runID == "" {
		return RunDetail{}, errors.New("run id is required")
	}
	cfg, ok, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read run config: %w", err)
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run not found: %s", runID)
	}
	res, ok, err := stats.ReadResult(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read run result: %w", err)
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run %s has no result", runID)
	}
	series, _, err := stats.ReadRoundSeries(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, fmt.Errorf("read round series: %w", err)
	}
	if series == nil {
		series = [][2]int{}
	}
	return RunDetail{Config: cfg, Result: res, Frontiers: series}, nil
}

// Spectrum scores a 4-bit S-box line by line and over every combination of
// its lines.
func Spectrum(sb []int) (SpectrumReport, error) {
	state, err := sbox.State(sb)
	if err != nil {
		return SpectrumReport{}, err
	}
	report := SpectrumReport{Columns: state.Columns()}
	for i, col := range report.Columns {
		if report.PerLine[i], err = spectrum.Spectrum(col); err != nil {
			return SpectrumReport{}, err
		}
	}
	if report.Combined, err = spectrum.MultiSpectrum(report.Columns); err != nil {
		return SpectrumReport{}, err
	}
	return report, nil
}

// ToColumns converts an S-box of up to 2^6 entries into its column
// functions, most significant output bit first.
func ToColumns(sb []int) ([]uint64, error) {
	if err := sbox.ValidatePermutation(sb); err != nil {
		return nil, err
	}
	return sbox.ToColumns(sb)
}

func FromColumns(cols []uint64) ([]int, error) {
	return sbox.FromColumns(cols)
}
