package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat"

	"almlp/internal/model"
)

const (
	StrategyNonBootstrap = "non_bootstrap"
	StrategyBootstrap    = "bootstrap"
)

type Config struct {
	NMembers    int     `yaml:"n_ensembles" json:"n_ensembles"`
	Strategy    string  `yaml:"strategy" json:"strategy"`
	Seed        uint64  `yaml:"seed" json:"seed"`
	Cutoff      float64 `yaml:"cutoff" json:"cutoff"`
	NBasis      int     `yaml:"n_basis" json:"n_basis"`
	Width       float64 `yaml:"width" json:"width"`
	Lambda      float64 `yaml:"lambda" json:"lambda"`
	ForceWeight float64 `yaml:"force_weight" json:"force_weight"`
	Jitter      float64 `yaml:"jitter" json:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		NMembers:    10,
		Strategy:    StrategyNonBootstrap,
		Seed:        1,
		Cutoff:      6,
		NBasis:      8,
		Width:       0.5,
		Lambda:      1e-6,
		ForceWeight: 1,
		Jitter:      0.25,
	}
}

func (c Config) Validate() error {
	if c.NMembers <= 0 {
		return errors.New("ensemble requires at least one member")
	}
	switch c.Strategy {
	case "", StrategyNonBootstrap, StrategyBootstrap:
	default:
		return fmt.Errorf("unsupported ensemble strategy: %s", c.Strategy)
	}
	return nil
}

// Ensemble is the surrogate: a set of independently fit members whose spread
// measures the uncertainty of a prediction. Train discards every member and
// fits new ones. Evaluate is safe to call concurrently with other Evaluate
// calls, not with Train.
type Ensemble struct {
	cfg     Config
	factory MemberFactory

	mu      sync.RWMutex
	members []Member
}

// New builds an ensemble of PairRidge members.
func New(cfg Config) (*Ensemble, error) {
	return NewWithFactory(cfg, func(i int) (Member, error) {
		return NewPairRidge(PairRidgeConfig{
			Cutoff:      cfg.Cutoff,
			NBasis:      cfg.NBasis,
			Width:       cfg.Width,
			Lambda:      cfg.Lambda,
			ForceWeight: cfg.ForceWeight,
			Jitter:      cfg.Jitter,
			Seed:        cfg.Seed + uint64(i),
		})
	})
}

func NewWithFactory(cfg Config, factory MemberFactory) (*Ensemble, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("member factory is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyNonBootstrap
	}
	// Fail on bad member settings now rather than at the first retrain.
	if _, err := factory(0); err != nil {
		return nil, err
	}
	return &Ensemble{cfg: cfg, factory: factory}, nil
}

func (e *Ensemble) Name() string {
	return "ensemble"
}

func (e *Ensemble) Size() int {
	return e.cfg.NMembers
}

func (e *Ensemble) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.members != nil
}

// TrainingSets returns the per-member frame sets for the configured strategy.
func (e *Ensemble) TrainingSets(frames []model.Frame) [][]model.Frame {
	sets := make([][]model.Frame, e.cfg.NMembers)
	for m := range sets {
		if e.cfg.Strategy != StrategyBootstrap || len(frames) < 2 {
			sets[m] = append([]model.Frame(nil), frames...)
			continue
		}
		rng := rand.New(rand.NewPCG(e.cfg.Seed, uint64(m)))
		set := make([]model.Frame, 0, len(frames))
		for i := 0; i < len(frames)-1; i++ {
			set = append(set, frames[rng.IntN(len(frames))])
		}
		sets[m] = append(set, frames[len(frames)-1])
	}
	return sets
}

// Train refits every member from scratch on frames.
func (e *Ensemble) Train(ctx context.Context, frames []model.Frame, exec Executor) error {
	if len(frames) == 0 {
		return &TrainingError{Member: -1, Err: errors.New("empty dataset")}
	}
	if exec == nil {
		exec = SerialExecutor{}
	}
	sets := e.TrainingSets(frames)
	members := make([]Member, e.cfg.NMembers)
	tasks := make([]func(ctx context.Context) error, e.cfg.NMembers)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			m, err := e.factory(i)
			if err != nil {
				return &TrainingError{Member: i, Err: err}
			}
			if err := m.Fit(ctx, sets[i]); err != nil {
				return &TrainingError{Member: i, Err: err}
			}
			members[i] = m
			return nil
		}
	}
	if err := exec.Run(ctx, tasks); err != nil {
		var trainErr *TrainingError
		if errors.As(err, &trainErr) {
			return err
		}
		return &TrainingError{Member: -1, Err: err}
	}

	e.mu.Lock()
	e.members = members
	e.mu.Unlock()
	return nil
}

// Evaluate returns the member mean with ForceStd set to the per-component
// population standard deviation and Uncertainty to its maximum.
func (e *Ensemble) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	e.mu.RLock()
	members := e.members
	e.mu.RUnlock()
	if members == nil {
		return model.Result{}, ErrNotTrained
	}
	if err := ctx.Err(); err != nil {
		return model.Result{}, err
	}

	n := s.Len()
	energies := make([]float64, len(members))
	comps := make([][]float64, 3*n)
	for i := range comps {
		comps[i] = make([]float64, len(members))
	}
	for m, member := range members {
		r, err := member.Predict(s)
		if err != nil {
			return model.Result{}, fmt.Errorf("member %d: %w", m, err)
		}
		if len(r.Forces) != n {
			return model.Result{}, fmt.Errorf("member %d returned %d forces for %d atoms", m, len(r.Forces), n)
		}
		energies[m] = r.Energy
		for i, f := range r.Forces {
			for k := 0; k < 3; k++ {
				comps[3*i+k][m] = f[k]
			}
		}
	}

	out := model.Result{
		Energy:   stat.Mean(energies, nil),
		Forces:   make([]model.Vec3, n),
		ForceStd: make([]model.Vec3, n),
	}
	u := 0.0
	for c, vals := range comps {
		mean, std := stat.PopMeanStdDev(vals, nil)
		if math.IsNaN(std) {
			std = 0
		}
		out.Forces[c/3][c%3] = mean
		out.ForceStd[c/3][c%3] = std
		u = math.Max(u, std)
	}
	out.Uncertainty = model.Float64Ptr(u)
	return out, nil
}
