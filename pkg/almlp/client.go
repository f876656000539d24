package almlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"almlp/internal/calc"
	"almlp/internal/config"
	"almlp/internal/ensemble"
	"almlp/internal/learner"
	"almlp/internal/model"
	"almlp/internal/offline"
	"almlp/internal/relax"
	"almlp/internal/stats"
	"almlp/internal/storage"
	"almlp/internal/telemetry"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "almlp.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Registerer receives the learner metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

type Client struct {
	store     storage.Store
	storeKind string
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	artifactsDir string
	exportsDir   string
}

// RelaxRequest drives an online run. Candidates seed the dataset; Start
// defaults to the first candidate. Parent and Base override the calculators
// described by Config.
type RelaxRequest struct {
	Config     config.File
	Candidates []calc.Candidate
	Start      *model.Structure
	Parent     calc.Calculator
	Base       calc.Calculator
}

type RelaxSummary struct {
	RunID        string
	ArtifactsDir string
	ParentCalls  int
	Queries      int
	DatasetSize  int
	Steps        int
	Converged    bool
	FinalEnergy  float64
	FinalFmax    float64
	Final        model.Structure
}

type OfflineRequest struct {
	Config     config.File
	Candidates []calc.Candidate
	Parent     calc.Calculator
	Base       calc.Calculator
}

type OfflineSummary struct {
	RunID        string
	ArtifactsDir string
	Iterations   int
	ParentCalls  int
	DatasetSize  int
	Converged    bool
	FinalForce   float64
	FinalEnergy  float64
	FinalFmax    float64
	Final        model.Structure
}

type CallsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type CallItem struct {
	Seq         int
	Reason      string
	Atoms       int
	Energy      float64
	Fmax        float64
	Uncertainty *float64
	Threshold   *float64
	CreatedAt   time.Time
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Mode         string
	Parent       string
	ParentCalls  int
	DatasetSize  int
	Steps        int
	Converged    bool
	FinalFmax    float64
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

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = "memory"
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *telemetry.Metrics
	if opts.Registerer != nil {
		m, err := telemetry.NewMetrics(opts.Registerer)
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	store, err := storage.NewStore(storeKind, dbPath, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		storeKind:    storeKind,
		logger:       logger,
		metrics:      metrics,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Relax runs the online learner as the calculator of a FIRE relaxation and
// persists the audit log, run record and artifacts.
func (c *Client) Relax(ctx context.Context, req RelaxRequest) (RelaxSummary, error) {
	cfg := req.Config
	cfg.Mode = config.ModeOnline
	config.ApplyDefaults(&cfg)
	if err := cfg.Learner.Validate(); err != nil {
		return RelaxSummary{}, err
	}

	start, err := startStructure(req.Start, req.Candidates)
	if err != nil {
		return RelaxSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RelaxSummary{}, err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	species := speciesOf(append(structuresOf(req.Candidates), start)...)
	parent, base, err := c.calculators(cfg, species, req.Parent, req.Base)
	if err != nil {
		return RelaxSummary{}, err
	}
	surrogate, err := ensemble.New(cfg.Ensemble)
	if err != nil {
		return RelaxSummary{}, err
	}

	l, err := learner.New(ctx, cfg.Learner, learner.Deps{
		Parent:    parent,
		Base:      base,
		Surrogate: surrogate,
		Executor:  ensemble.NewExecutor(cfg.Workers),
		Audit:     c.store,
		Logger:    c.logger,
		Metrics:   c.metrics,
		RunID:     runID,

		RecordDecisions: true,
	}, req.Candidates)
	if err != nil {
		return RelaxSummary{}, err
	}
	fire, err := relax.NewFIRE(cfg.Relax, c.logger)
	if err != nil {
		return RelaxSummary{}, err
	}
	traj, err := fire.Relax(ctx, l, start)
	if err != nil {
		return RelaxSummary{}, err
	}
	final, ok := traj.Final()
	if !ok {
		return RelaxSummary{}, errors.New("relaxation produced no frames")
	}

	summary := stats.RunSummary{
		RunID:       runID,
		Mode:        config.ModeOnline,
		ParentCalls: l.ParentCalls(),
		Queries:     l.Queries(),
		DatasetSize: l.DatasetSize(),
		Steps:       traj.Report.Steps,
		Converged:   traj.Report.Converged,
		FinalEnergy: final.Energy(),
		FinalFmax:   traj.Report.FinalFmax,
	}
	runDir, err := c.persist(ctx, cfg, stats.RunArtifacts{
		Config:     c.runConfig(runID, cfg, parent, base),
		Summary:    summary,
		Trajectory: stats.FrameRecords(traj.Frames),
		Decisions:  l.Decisions(),
		Dataset:    stats.FrameRecords(l.Dataset()),
	})
	if err != nil {
		return RelaxSummary{}, err
	}

	c.logger.Info("relaxation finished",
		slog.String("run_id", runID),
		slog.Int("parent_calls", summary.ParentCalls),
		slog.Int("queries", summary.Queries),
		slog.Bool("converged", summary.Converged),
		slog.Float64("fmax", summary.FinalFmax),
	)
	return RelaxSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		ParentCalls:  summary.ParentCalls,
		Queries:      summary.Queries,
		DatasetSize:  summary.DatasetSize,
		Steps:        summary.Steps,
		Converged:    summary.Converged,
		FinalEnergy:  summary.FinalEnergy,
		FinalFmax:    summary.FinalFmax,
		Final:        final.Structure(),
	}, nil
}

// Offline runs the batch learner over the initial candidates.
func (c *Client) Offline(ctx context.Context, req OfflineRequest) (OfflineSummary, error) {
	cfg := req.Config
	cfg.Mode = config.ModeOffline
	config.ApplyDefaults(&cfg)
	if err := cfg.Offline.Validate(); err != nil {
		return OfflineSummary{}, err
	}
	if len(req.Candidates) == 0 {
		return OfflineSummary{}, fmt.Errorf("%w: offline runs need initial structures", learner.ErrInvalidConfig)
	}
	if err := c.Init(ctx); err != nil {
		return OfflineSummary{}, err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	parent, base, err := c.calculators(cfg, speciesOf(structuresOf(req.Candidates)...), req.Parent, req.Base)
	if err != nil {
		return OfflineSummary{}, err
	}
	surrogate, err := ensemble.New(cfg.Ensemble)
	if err != nil {
		return OfflineSummary{}, err
	}
	fire, err := relax.NewFIRE(cfg.Relax, c.logger)
	if err != nil {
		return OfflineSummary{}, err
	}

	l, err := offline.New(ctx, cfg.Offline, offline.Deps{
		Parent:    parent,
		Base:      base,
		Surrogate: surrogate,
		Relaxer:   fire,
		Executor:  ensemble.NewExecutor(cfg.Workers),
		Audit:     c.store,
		Logger:    c.logger,
		Metrics:   c.metrics,
		RunID:     runID,
	}, req.Candidates)
	if err != nil {
		return OfflineSummary{}, err
	}
	res, err := l.Learn(ctx)
	if err != nil {
		return OfflineSummary{}, err
	}
	final, ok := res.Trajectory.Final()
	if !ok {
		return OfflineSummary{}, errors.New("relaxation produced no frames")
	}

	dataset := l.Dataset()
	summary := stats.RunSummary{
		RunID:       runID,
		Mode:        config.ModeOffline,
		ParentCalls: res.ParentCalls,
		Iterations:  res.Iterations,
		DatasetSize: len(dataset),
		Steps:       res.Trajectory.Report.Steps,
		Converged:   res.Converged,
		FinalEnergy: final.Energy(),
		FinalFmax:   res.Trajectory.Report.FinalFmax,
	}
	runDir, err := c.persist(ctx, cfg, stats.RunArtifacts{
		Config:     c.runConfig(runID, cfg, parent, base),
		Summary:    summary,
		Trajectory: stats.FrameRecords(res.Trajectory.Frames),
		Dataset:    stats.FrameRecords(dataset),
		Iterations: res.History,
	})
	if err != nil {
		return OfflineSummary{}, err
	}

	c.logger.Info("offline learning finished",
		slog.String("run_id", runID),
		slog.Int("iterations", res.Iterations),
		slog.Int("parent_calls", res.ParentCalls),
		slog.Bool("converged", res.Converged),
	)
	return OfflineSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Iterations:   res.Iterations,
		ParentCalls:  res.ParentCalls,
		DatasetSize:  summary.DatasetSize,
		Converged:    res.Converged,
		FinalForce:   res.FinalForce,
		FinalEnergy:  summary.FinalEnergy,
		FinalFmax:    summary.FinalFmax,
		Final:        final.Structure(),
	}, nil
}

// Calls lists the audited parent calls of a run in insertion order.
func (c *Client) Calls(ctx context.Context, req CallsRequest) ([]CallItem, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return nil, errors.New("calls requires run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	runID := req.RunID
	if req.Latest {
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, errors.New("no runs available")
		}
		sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
		runID = runs[0].RunID
	}

	records, err := c.store.ListParentCalls(ctx, runID)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}
	out := make([]CallItem, 0, len(records))
	for _, r := range records {
		out = append(out, CallItem{
			Seq:         r.Seq,
			Reason:      r.Reason,
			Atoms:       r.Structure.Len(),
			Energy:      r.Parent.Energy,
			Fmax:        r.Parent.Fmax(),
			Uncertainty: r.Uncertainty,
			Threshold:   r.Threshold,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
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
			Mode:         e.Mode,
			Parent:       e.Parent,
			ParentCalls:  e.ParentCalls,
			DatasetSize:  e.DatasetSize,
			Steps:        e.Steps,
			Converged:    e.Converged,
			FinalFmax:    e.FinalFmax,
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

func (c *Client) calculators(cfg config.File, species []string, parent, base calc.Calculator) (calc.Calculator, calc.Calculator, error) {
	var err error
	if parent == nil {
		if parent, err = calc.Build(cfg.Parent, species); err != nil {
			return nil, nil, fmt.Errorf("parent: %w", err)
		}
	}
	if base == nil && cfg.Base != nil {
		if base, err = calc.Build(*cfg.Base, species); err != nil {
			return nil, nil, fmt.Errorf("base: %w", err)
		}
	}
	return parent, base, nil
}

func (c *Client) runConfig(runID string, cfg config.File, parent, base calc.Calculator) stats.RunConfig {
	rc := stats.RunConfig{
		RunID:            runID,
		Mode:             cfg.Mode,
		Parent:           parent.Name(),
		NEnsembles:       cfg.Ensemble.NMembers,
		EnsembleStrategy: cfg.Ensemble.Strategy,
		Seed:             cfg.Ensemble.Seed,
		Workers:          cfg.Workers,
		RelaxFmax:        cfg.Relax.Fmax,
		RelaxSteps:       cfg.Relax.Steps,
		RelaxMaxStep:     cfg.Relax.MaxStep,
		StoreKind:        c.storeKind,
	}
	if base != nil {
		rc.Base = base.Name()
	}
	switch cfg.Mode {
	case config.ModeOnline:
		rc.UncertainTol = cfg.Learner.UncertainTol
		rc.FmaxVerifyThreshold = cfg.Learner.FmaxVerifyThreshold
		rc.ToleranceMode = cfg.Learner.ToleranceMode
	case config.ModeOffline:
		rc.Seed = cfg.Offline.Seed
		rc.MaxIterations = cfg.Offline.MaxIterations
		rc.MaxForceTolerance = cfg.Offline.MaxForceTolerance
		rc.SamplesToRetrain = cfg.Offline.SamplesToRetrain
		rc.QueryMethod = cfg.Offline.QueryMethod
	}
	return rc
}

// persist writes the run artifacts, the run record and the run index entry.
func (c *Client) persist(ctx context.Context, cfg config.File, artifacts stats.RunArtifacts) (string, error) {
	artifactsDir := c.artifactsDir
	if cfg.ArtifactsDir != "" {
		artifactsDir = cfg.ArtifactsDir
	}
	runDir, err := stats.WriteRunArtifacts(artifactsDir, artifacts)
	if err != nil {
		return "", err
	}

	s := artifacts.Summary
	now := time.Now().UTC()
	if err := c.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           s.RunID,
		Mode:            s.Mode,
		ParentCalls:     s.ParentCalls,
		DatasetSize:     s.DatasetSize,
		Steps:           s.Steps,
		Converged:       s.Converged,
		FinalFmax:       s.FinalFmax,
		CreatedAt:       now,
	}); err != nil {
		return "", err
	}
	if err := stats.AppendRunIndex(artifactsDir, stats.RunIndexEntry{
		RunID:        s.RunID,
		Mode:         s.Mode,
		Parent:       artifacts.Config.Parent,
		ParentCalls:  s.ParentCalls,
		DatasetSize:  s.DatasetSize,
		Steps:        s.Steps,
		Converged:    s.Converged,
		FinalFmax:    s.FinalFmax,
		CreatedAtUTC: now.Format(time.RFC3339Nano),
	}); err != nil {
		return "", err
	}
	return runDir, nil
}

func startStructure(start *model.Structure, candidates []calc.Candidate) (model.Structure, error) {
	if start != nil {
		return start.Clone(), start.Validate()
	}
	if len(candidates) == 0 {
		return model.Structure{}, fmt.Errorf("%w: a start structure or initial structures are required", learner.ErrInvalidConfig)
	}
	return candidates[0].Structure.Clone(), nil
}

func structuresOf(candidates []calc.Candidate) []model.Structure {
	out := make([]model.Structure, len(candidates))
	for i, c := range candidates {
		out[i] = c.Structure
	}
	return out
}

func speciesOf(structures ...model.Structure) []string {
	seen := make(map[string]struct{})
	for _, s := range structures {
		for _, sp := range s.Species {
			seen[sp] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sp := range seen {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out
}
