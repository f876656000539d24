package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"almlp/internal/calc"
	"almlp/internal/ensemble"
	"almlp/internal/model"
	"almlp/internal/storage"
	"almlp/internal/telemetry"
)

// Surrogate is a trainable calculator that reports its own uncertainty.
// Train is a full refit on frames.
type Surrogate interface {
	calc.Calculator
	Train(ctx context.Context, frames []model.Frame, exec ensemble.Executor) error
}

// AuditLog receives every parent call.
type AuditLog interface {
	AppendParentCall(ctx context.Context, record model.ParentCallRecord) error
}

type Config struct {
	UncertainTol        float64  `yaml:"uncertain_tol" json:"uncertain_tol"`
	FmaxVerifyThreshold *float64 `yaml:"fmax_verify_threshold,omitempty" json:"fmax_verify_threshold,omitempty"`
	ToleranceMode       string   `yaml:"tolerance_mode,omitempty" json:"tolerance_mode,omitempty"`
}

func (c Config) Validate() error {
	if !(c.UncertainTol > 0) {
		return fmt.Errorf("%w: uncertain_tol must be > 0", ErrInvalidConfig)
	}
	if c.FmaxVerifyThreshold != nil && *c.FmaxVerifyThreshold < 0 {
		return fmt.Errorf("%w: fmax_verify_threshold must be >= 0", ErrInvalidConfig)
	}
	if _, err := ToleranceByName(c.ToleranceMode); err != nil {
		return err
	}
	return nil
}

// Deps are the collaborators of a Learner. Parent and Surrogate are required;
// without Base the surrogate learns parent results directly.
type Deps struct {
	Parent    calc.Calculator
	Base      calc.Calculator
	Surrogate Surrogate
	Executor  ensemble.Executor
	Audit     AuditLog
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	RunID     string
	Now       func() time.Time

	// RecordDecisions keeps a per-query decision log for run artifacts. It
	// grows by one entry per query, trusted ones included.
	RecordDecisions bool
}

type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateReady         State = "ready"
	StateTrusted       State = "model_trusted"
	StateDistrusted    State = "model_distrusted"
)

// Learner is the online active-learning calculator. Each query either returns
// the surrogate prediction or, when the prediction is not trusted, calls the
// parent, grows the dataset and retrains the surrogate.
//
// A Learner is not safe for concurrent use.
type Learner struct {
	cfg       Config
	deps      Deps
	tolerance ToleranceFunc
	logger    *slog.Logger

	prep    calc.Prepared
	ml      calc.Calculator
	dataset *model.Dataset

	parentCalls int
	queries     int
	last        State
	decisions   []model.Decision
}

// New single-points the candidates with the parent where needed, builds the
// reference pair from the first candidate and trains the surrogate if the
// initial dataset holds at least two frames. Initial parent evaluations are
// not counted as parent calls.
func New(ctx context.Context, cfg Config, deps Deps, candidates []calc.Candidate) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Parent == nil {
		return nil, fmt.Errorf("%w: parent calculator is required", ErrInvalidConfig)
	}
	if deps.Surrogate == nil {
		return nil, fmt.Errorf("%w: surrogate is required", ErrInvalidConfig)
	}
	if deps.Base != nil && len(candidates) == 0 {
		return nil, fmt.Errorf("%w: a base calculator needs at least one initial structure", ErrInvalidConfig)
	}
	tolerance, err := ToleranceByName(cfg.ToleranceMode)
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

	l := &Learner{
		cfg:       cfg,
		deps:      deps,
		tolerance: tolerance,
		logger:    deps.Logger.With(slog.String("run_id", deps.RunID)),
		dataset:   model.NewDataset(),
		last:      StateReady,
	}

	prep, err := calc.Prepare(ctx, deps.Parent, deps.Base, candidates)
	if err != nil {
		return nil, err
	}
	if prep.Computed > 0 {
		l.logger.Info("single-pointed initial structures with parent", slog.Int("count", prep.Computed))
	}
	if l.ml, err = prep.Predictor(deps.Surrogate, deps.Base); err != nil {
		return nil, err
	}
	frames := prep.Frames
	prep.Frames = nil
	l.prep = prep

	l.dataset.Append(frames...)
	deps.Metrics.SetDatasetSize(l.dataset.Len())
	if l.dataset.Len() >= 2 {
		if err := l.retrain(ctx); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Learner) Name() string {
	return "online-learner"
}

// Evaluate lets a Learner stand in for any calculator.
func (l *Learner) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	return l.Calculate(ctx, s)
}

// Calculate answers one query.
func (l *Learner) Calculate(ctx context.Context, s model.Structure) (res model.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "learner.Calculate", attribute.Int("learner.dataset_size", l.dataset.Len()))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.Validate(); err != nil {
		return model.Result{}, err
	}
	l.queries++
	decision := model.Decision{Query: l.queries}

	if l.dataset.Len() < 2 {
		decision.Kind = model.DecisionBootstrap
		return l.parentCall(ctx, s, model.ReasonBootstrap, decision)
	}

	pred, err := calc.Evaluate(ctx, l.ml, s)
	if err != nil {
		return model.Result{}, err
	}
	threshold := l.tolerance(l.cfg.UncertainTol, pred.Forces)
	fmax := model.Fmax(pred.Forces)
	decision.Threshold = model.Float64Ptr(threshold)
	decision.PredFmax = model.Float64Ptr(fmax)

	unsafe := true
	if pred.Uncertainty != nil {
		decision.Uncertainty = model.Float64Ptr(*pred.Uncertainty)
		unsafe = UnsafePrediction(*pred.Uncertainty, threshold)
		l.deps.Metrics.ObserveUncertainty(*pred.Uncertainty)
	} else {
		l.logger.Warn("surrogate returned no uncertainty; treating prediction as unsafe")
	}
	verify := ParentVerify(pred.Forces, l.cfg.FmaxVerifyThreshold)

	l.logger.Debug("surrogate prediction",
		slog.Int("query", l.queries),
		slog.Any("uncertainty", optional(decision.Uncertainty)),
		slog.Float64("threshold", threshold),
		slog.Float64("fmax", fmax),
	)

	switch {
	case unsafe:
		decision.Kind = model.DecisionUncertain
		return l.parentCall(ctx, s, model.ReasonUncertain, decision)
	case verify:
		decision.Kind = model.DecisionVerify
		return l.parentCall(ctx, s, model.ReasonVerify, decision)
	}

	l.last = StateTrusted
	decision.Kind = model.DecisionTrusted
	decision.DatasetSize = l.dataset.Len()
	l.record(decision)
	l.deps.Metrics.ObserveTrusted()
	return pred, nil
}

func (l *Learner) parentCall(ctx context.Context, s model.Structure, reason string, decision model.Decision) (res model.Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "learner.parentCall", attribute.String("learner.reason", reason))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	parentRes, err := calc.Evaluate(ctx, l.deps.Parent, s)
	if err != nil {
		return model.Result{}, err
	}
	elapsed := time.Since(start)

	frame, err := model.NewFrame(s, parentRes, model.LabelParent)
	if err != nil {
		return model.Result{}, &calc.EvaluationError{Calculator: l.deps.Parent.Name(), Err: err}
	}
	var delta *model.Result
	if l.prep.HasRefs {
		if frame, err = l.prep.Delta(ctx, frame, l.deps.Base); err != nil {
			return model.Result{}, err
		}
		d := frame.Result()
		delta = &d
	}

	seq := l.parentCalls
	l.dataset.Append(frame)
	l.parentCalls++
	l.last = StateDistrusted
	decision.ParentCall = true
	decision.DatasetSize = l.dataset.Len()
	l.record(decision)
	l.deps.Metrics.ObserveParentCall(reason, elapsed)
	l.deps.Metrics.SetDatasetSize(l.dataset.Len())

	l.logger.Info("parent call",
		slog.Int("parent_calls", l.parentCalls),
		slog.String("reason", reason),
		slog.Int("dataset_size", l.dataset.Len()),
		slog.Any("uncertainty", optional(decision.Uncertainty)),
		slog.Any("threshold", optional(decision.Threshold)),
		slog.Duration("elapsed", elapsed),
	)

	l.audit(ctx, model.ParentCallRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.NewString(),
		RunID:           l.deps.RunID,
		Seq:             seq,
		Reason:          reason,
		Structure:       s.Clone(),
		Parent:          parentRes.Clone(),
		Delta:           delta,
		Uncertainty:     decision.Uncertainty,
		Threshold:       decision.Threshold,
		CreatedAt:       l.deps.Now().UTC(),
	})

	if l.dataset.Len() >= 2 {
		if err := l.retrain(ctx); err != nil {
			return model.Result{}, err
		}
	}
	parentRes.Uncertainty = nil
	parentRes.ForceStd = nil
	return parentRes, nil
}

func (l *Learner) audit(ctx context.Context, record model.ParentCallRecord) {
	if l.deps.Audit == nil {
		return
	}
	if err := l.deps.Audit.AppendParentCall(ctx, record); err != nil {
		auditErr := &AuditWriteError{Seq: record.Seq, Err: err}
		l.deps.Metrics.AuditWriteFailed()
		l.logger.Warn("audit write failed", slog.String("error", auditErr.Error()))
	}
}

func (l *Learner) retrain(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "learner.retrain", attribute.Int("learner.dataset_size", l.dataset.Len()))
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
	l.logger.Debug("surrogate retrained", slog.Int("dataset_size", l.dataset.Len()), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// ParentCalls is the number of parent calls made by queries.
func (l *Learner) ParentCalls() int {
	return l.parentCalls
}

func (l *Learner) Queries() int {
	return l.queries
}

// Dataset returns a copy of the training frames in insertion order.
func (l *Learner) Dataset() []model.Frame {
	return l.dataset.Frames()
}

func (l *Learner) DatasetSize() int {
	return l.dataset.Len()
}

// References returns the reference pair; ok is false without a base
// calculator.
func (l *Learner) References() (model.ReferencePair, bool) {
	return l.prep.Refs, l.prep.HasRefs
}

func (l *Learner) record(d model.Decision) {
	if l.deps.RecordDecisions {
		l.decisions = append(l.decisions, d)
	}
}

// Decisions returns the decision log; it is empty unless
// Deps.RecordDecisions is set.
func (l *Learner) Decisions() []model.Decision {
	return append([]model.Decision(nil), l.decisions...)
}

func (l *Learner) RunID() string {
	return l.deps.RunID
}

// State is bootstrapping while the dataset is too small for an uncertainty
// estimate; otherwise it reports the outcome of the latest query.
func (l *Learner) State() State {
	if l.dataset.Len() < 2 {
		return StateBootstrapping
	}
	return l.last
}

func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
