package relax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"

	"almlp/internal/calc"
	"almlp/internal/model"
	"almlp/internal/telemetry"
)

type Config struct {
	Fmax    float64 `yaml:"fmax" json:"fmax"`
	Steps   int     `yaml:"steps" json:"steps"`
	MaxStep float64 `yaml:"maxstep" json:"maxstep"`
	DT      float64 `yaml:"dt" json:"dt"`
	DTMax   float64 `yaml:"dtmax" json:"dtmax"`
}

func DefaultConfig() Config {
	return Config{Fmax: 0.05, Steps: 200, MaxStep: 0.2, DT: 0.1, DTMax: 1.0}
}

func (c Config) Validate() error {
	if !(c.Fmax > 0) {
		return errors.New("relax fmax must be > 0")
	}
	if c.Steps < 0 {
		return errors.New("relax steps must be >= 0")
	}
	if !(c.MaxStep > 0) {
		return errors.New("relax maxstep must be > 0")
	}
	if !(c.DT > 0) || c.DTMax < c.DT {
		return fmt.Errorf("relax time step must satisfy 0 < dt <= dtmax, got dt=%g dtmax=%g", c.DT, c.DTMax)
	}
	return nil
}

// Report summarizes one relaxation.
type Report struct {
	Steps       int     `json:"steps"`
	Evaluations int     `json:"evaluations"`
	Converged   bool    `json:"converged"`
	FinalFmax   float64 `json:"final_fmax"`
}

// Trajectory holds one frame per force evaluation, in order. The last frame is
// the final structure.
type Trajectory struct {
	Frames []model.Frame
	Report Report
}

func (t Trajectory) Final() (model.Frame, bool) {
	if len(t.Frames) == 0 {
		return model.Frame{}, false
	}
	return t.Frames[len(t.Frames)-1], true
}

type Optimizer interface {
	Name() string
	Relax(ctx context.Context, c calc.Calculator, start model.Structure) (Trajectory, error)
}

// FIRE parameters that are not exposed in Config.
const (
	fireNMin   = 5
	fireFInc   = 1.1
	fireFDec   = 0.5
	fireAStart = 0.1
	fireFA     = 0.99
)

// FIRE is the fast inertial relaxation engine. Forces on fixed atoms are
// zeroed before every step, so fixed atoms never move.
type FIRE struct {
	cfg    Config
	logger *slog.Logger
	// Label is stored on every trajectory frame.
	Label string
}

func NewFIRE(cfg Config, logger *slog.Logger) (*FIRE, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FIRE{cfg: cfg, logger: logger, Label: model.LabelML}, nil
}

func (f *FIRE) Name() string {
	return "fire"
}

func (f *FIRE) Relax(ctx context.Context, c calc.Calculator, start model.Structure) (traj Trajectory, err error) {
	ctx, span := telemetry.StartSpan(ctx, "relax.FIRE", attribute.Int("relax.atoms", start.Len()))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := start.Validate(); err != nil {
		return Trajectory{}, err
	}
	s := start.Clone()
	n := 3 * s.Len()
	velocity := make([]float64, n)
	force := make([]float64, n)
	dr := make([]float64, n)
	dt := f.cfg.DT
	alpha := fireAStart
	downhill := 0
	first := true

	for step := 0; ; step++ {
		res, err := calc.Evaluate(ctx, c, s)
		if err != nil {
			return traj, err
		}
		res = res.ApplyConstraint(s.Fixed)
		frame, err := model.NewFrame(s, res, f.Label)
		if err != nil {
			return traj, err
		}
		traj.Frames = append(traj.Frames, frame)
		traj.Report.Evaluations++
		traj.Report.Steps = step
		traj.Report.FinalFmax = res.Fmax()

		f.logger.Debug("fire step", slog.Int("step", step), slog.Float64("energy", res.Energy), slog.Float64("fmax", traj.Report.FinalFmax))
		if traj.Report.FinalFmax < f.cfg.Fmax {
			traj.Report.Converged = true
			return traj, nil
		}
		if step >= f.cfg.Steps {
			return traj, nil
		}

		flatten(force, res.Forces)
		if !first {
			if vf := floats.Dot(force, velocity); vf > 0 {
				vNorm := floats.Norm(velocity, 2)
				fNorm := floats.Norm(force, 2)
				floats.Scale(1-alpha, velocity)
				floats.AddScaled(velocity, alpha*vNorm/fNorm, force)
				if downhill > fireNMin {
					dt = math.Min(dt*fireFInc, f.cfg.DTMax)
					alpha *= fireFA
				}
				downhill++
			} else {
				for i := range velocity {
					velocity[i] = 0
				}
				alpha = fireAStart
				dt *= fireFDec
				downhill = 0
			}
		}
		first = false

		floats.AddScaled(velocity, dt, force)
		floats.ScaleTo(dr, dt, velocity)
		if norm := floats.Norm(dr, 2); norm > f.cfg.MaxStep {
			floats.Scale(f.cfg.MaxStep/norm, dr)
		}
		for i := range s.Positions {
			if s.IsFixed(i) {
				continue
			}
			for k := 0; k < 3; k++ {
				s.Positions[i][k] += dr[3*i+k]
			}
		}
	}
}

func flatten(dst []float64, v []model.Vec3) {
	for i, x := range v {
		dst[3*i], dst[3*i+1], dst[3*i+2] = x[0], x[1], x[2]
	}
}
