package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"almlp/internal/calc"
	"almlp/internal/ensemble"
	"almlp/internal/learner"
	"almlp/internal/model"
	"almlp/internal/relax"
	"almlp/internal/storage"
	"almlp/internal/telemetry"
)

type Config struct {
	Termination      `yaml:",inline" json:",inline"`
	SamplesToRetrain int    `yaml:"samples_to_retrain" json:"samples_to_retrain"`
	QueryMethod      string `yaml:"query_method" json:"query_method"`
	Seed             uint64 `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Termination:      Termination{MaxIterations: 10, MaxForceTolerance: 0.05},
		SamplesToRetrain: 3,
		QueryMethod:      QueryRandom,
		Seed:             1,
	}
}

func (c Config) Validate() error {
	if err := c.Termination.Validate(); err != nil {
		return fmt.Errorf("%w: %v", learner.ErrInvalidConfig, err)
	}
	if c.SamplesToRetrain <= 0 {
		return fmt.Errorf("%w: samples_to_retrain must be > 0", learner.ErrInvalidConfig)
	}
	if _, err := StrategyByName(c.QueryMethod); err != nil {
		return fmt.Errorf("%w: %v", learner.ErrInvalidConfig, err)
	}
	return nil
}

// Deps mirror learner.Deps with the relaxer that generates candidates.
type Deps struct {
	Parent    calc.Calculator
	Base      calc.Calculator
	Surrogate learner.Surrogate
	Relaxer   relax.Optimizer
	Executor  ensemble.Executor
	Audit     learner.AuditLog
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	RunID     string
	Now       func() time.Time
}

// Iteration summarizes one pass of the loop.
type Iteration struct {
	Index          int     `json:"index"`
	DatasetSize    int     `json:"dataset_size"`
	Candidates     int     `json:"candidates"`
	Queried        []int   `json:"queried,omitempty"`
	VerifyForce    float64 `json:"verify_force,omitempty"`
	RelaxSteps     int     `json:"relax_steps"`
	RelaxedFmax    float64 `json:"relaxed_fmax"`
	RelaxConverged bool    `json:"relax_converged"`
}

// Result is the outcome of Learn. Trajectory is the relaxation of the last
// iteration under the final surrogate.
type Result struct {
	Iterations  int
	ParentCalls int
	Converged   bool
	FinalForce  float64
	Trajectory  relax.Trajectory
	History     []Iteration
}

// Learner is the batch variant: every iteration retrains the surrogate, relaxes
// the start structure with it and sends a few trajectory points to the parent.
// A Learner is not safe for concurrent use.
type Learner struct {
	cfg      Config
	deps     Deps
	strategy QueryStrategy
	logger   *slog.Logger

	start   model.Structure
	prep    calc.Prepared
	dataset *model.Dataset

	parentCalls int
}

// New single-points the initial candidates; the relaxation starts from the
// first one.
func New(ctx context.Context, cfg Config, deps Deps, candidates []calc.Candidate) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Parent == nil || deps.Surrogate == nil || deps.Relaxer == nil {
		return nil, fmt.Errorf("%w: parent, surrogate and relaxer are required", learner.ErrInvalidConfig)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: at least one initial structure is required", learner.ErrInvalidConfig)
	}
	strategy, err := StrategyByName(cfg.QueryMethod)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Executor == nil {
		deps.Executor = ensemble.SerialExecutor{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	prep, err := calc.Prepare(ctx, deps.Parent, deps.Base, candidates)
	if err != nil {
		return nil, err
	}
	l := &Learner{
		cfg:      cfg,
		deps:     deps,
		strategy: strategy,
		logger:   deps.Logger.With(slog.String("run_id", deps.RunID)),
		start:    candidates[0].Structure.Clone(),
		dataset:  model.NewDataset(prep.Frames...),
	}
	prep.Frames = nil
	l.prep = prep
	deps.Metrics.SetDatasetSize(l.dataset.Len())
	return l, nil
}

// Learn runs iterations until the termination policy fires.
func (l *Learner) Learn(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "offline.Learn", attribute.String("offline.query_method", l.strategy.Name()))
	defer func() { telemetry.EndSpan(span, err) }()

	lastForce := math.Inf(1)
	var candidates []model.Frame
	for iteration := 0; ; iteration++ {
		it := Iteration{Index: iteration}
		if iteration > 0 {
			rng := rand.New(rand.NewPCG(l.cfg.Seed, uint64(iteration)))
			queried, force, err := l.query(ctx, candidates, rng)
			if err != nil {
				return res, err
			}
			it.Queried = queried
			it.VerifyForce = force
			lastForce = force
		}

		if err := l.train(ctx); err != nil {
			return res, err
		}
		ml, err := l.prep.Predictor(l.deps.Surrogate, l.deps.Base)
		if err != nil {
			return res, err
		}
		traj, err := l.deps.Relaxer.Relax(ctx, ml, l.start)
		if err != nil {
			return res, fmt.Errorf("relax iteration %d: %w", iteration, err)
		}
		candidates = traj.Frames
		it.DatasetSize = l.dataset.Len()
		it.Candidates = len(candidates)
		it.RelaxSteps = traj.Report.Steps
		it.RelaxedFmax = traj.Report.FinalFmax
		it.RelaxConverged = traj.Report.Converged
		res.History = append(res.History, it)

		l.logger.Info("offline iteration",
			slog.Int("iteration", iteration),
			slog.Int("dataset_size", l.dataset.Len()),
			slog.Int("parent_calls", l.parentCalls),
			slog.Int("relax_steps", traj.Report.Steps),
			slog.Float64("verify_force", lastForce),
		)

		res.Iterations = iteration + 1
		res.Trajectory = traj
		if l.cfg.Termination.Done(res.Iterations, lastForce) {
			break
		}
	}
	res.ParentCalls = l.parentCalls
	res.FinalForce = lastForce
	res.Converged = lastForce <= l.cfg.MaxForceTolerance
	return res, nil
}

// query evaluates the selected candidates with the parent and grows the
// dataset. It returns the queried indices and the max |f| of the parent
// result at the verification point.
func (l *Learner) query(ctx context.Context, candidates []model.Frame, rng *rand.Rand) ([]int, float64, error) {
	k := l.cfg.SamplesToRetrain
	sel, err := l.strategy.Select(candidates, k, rng)
	if err != nil {
		return nil, 0, err
	}
	force := math.Inf(1)
	for _, idx := range sel.Indices {
		s := candidates[idx].Structure()
		start := time.Now()
		parentRes, err := calc.Evaluate(ctx, l.deps.Parent, s)
		if err != nil {
			return nil, 0, err
		}
		elapsed := time.Since(start)
		frame, err := model.NewFrame(s, parentRes, model.LabelParent)
		if err != nil {
			return nil, 0, &calc.EvaluationError{Calculator: l.deps.Parent.Name(), Err: err}
		}
		if frame, err = l.prep.Delta(ctx, frame, l.deps.Base); err != nil {
			return nil, 0, err
		}
		if idx == sel.Verify {
			force = model.MaxAbsForce(parentRes.Forces)
		}

		seq := l.parentCalls
		l.dataset.Append(frame)
		l.parentCalls++
		l.deps.Metrics.ObserveParentCall(model.ReasonOfflineQuery, elapsed)
		l.deps.Metrics.SetDatasetSize(l.dataset.Len())

		var delta *model.Result
		if l.prep.HasRefs {
			d := frame.Result()
			delta = &d
		}
		l.audit(ctx, model.ParentCallRecord{
			VersionedRecord: storage.Versioned(),
			ID:              uuid.NewString(),
			RunID:           l.deps.RunID,
			Seq:             seq,
			Reason:          model.ReasonOfflineQuery,
			Structure:       s,
			Parent:          parentRes.Clone(),
			Delta:           delta,
			Uncertainty:     candidates[idx].Result().Uncertainty,
			CreatedAt:       l.deps.Now().UTC(),
		})
	}
	return sel.Indices, force, nil
}

func (l *Learner) audit(ctx context.Context, record model.ParentCallRecord) {
	if l.deps.Audit == nil {
		return
	}
	if err := l.deps.Audit.AppendParentCall(ctx, record); err != nil {
		auditErr := &learner.AuditWriteError{Seq: record.Seq, Err: err}
		l.deps.Metrics.AuditWriteFailed()
		l.logger.Warn("audit write failed", slog.String("error", auditErr.Error()))
	}
}

func (l *Learner) train(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "offline.train", attribute.Int("offline.dataset_size", l.dataset.Len()))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	if err := l.deps.Surrogate.Train(ctx, l.dataset.Frames(), l.deps.Executor); err != nil {
		var trainErr *ensemble.TrainingError
		if errors.As(err, &trainErr) {
			return err
		}
		return &ensemble.TrainingError{Member: -1, Err: err}
	}
	l.deps.Metrics.ObserveRetrain(time.Since(start))
	return nil
}

func (l *Learner) ParentCalls() int {
	return l.parentCalls
}

func (l *Learner) Dataset() []model.Frame {
	return l.dataset.Frames()
}

func (l *Learner) RunID() string {
	return l.deps.RunID
}
