package ensemble

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/model"
)

type constMember struct {
	index int
	fx    float64
	fail  bool
	seen  int
}

func (c *constMember) Fit(_ context.Context, frames []model.Frame) error {
	if c.fail {
		return errors.New("diverged")
	}
	c.seen = len(frames)
	return nil
}

func (c *constMember) Predict(s model.Structure) (model.Result, error) {
	res := model.Result{Energy: float64(c.index), Forces: make([]model.Vec3, s.Len())}
	for i := range res.Forces {
		res.Forces[i] = model.Vec3{c.fx, 0, 0}
	}
	return res, nil
}

func dimerFrame(t *testing.T, r, energy float64) model.Frame {
	t.Helper()
	s := model.Structure{Species: []string{"Cu", "Cu"}, Positions: []model.Vec3{{0, 0, 0}, {0, 0, r}}}
	f, err := model.NewFrame(s, model.Result{Energy: energy, Forces: []model.Vec3{{0, 0, 0.1}, {0, 0, -0.1}}}, model.LabelDelta)
	require.NoError(t, err)
	return f
}

func randomTrimer(rng *rand.Rand) model.Structure {
	s := model.Structure{
		Species:   []string{"Cu", "Ni", "Cu"},
		Positions: []model.Vec3{{0, 0, 0}},
	}
	for len(s.Positions) < 3 {
		p := model.Vec3{rng.Float64()*5 - 1, rng.Float64()*5 - 1, rng.Float64()*2 - 1}
		ok := true
		for _, q := range s.Positions {
			if r := p.Sub(q).Norm(); r < 1.5 || r > 5.0 {
				ok = false
			}
		}
		if ok {
			s.Positions = append(s.Positions, p)
		}
	}
	return s
}

func TestEvaluateBeforeTrain(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, e.Trained())
	_, err = e.Evaluate(context.Background(), dimerFrame(t, 2, 0).Structure())
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestTrainEmptyDataset(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	err = e.Train(context.Background(), nil, SerialExecutor{})
	var trainErr *TrainingError
	require.ErrorAs(t, err, &trainErr)
	assert.Equal(t, -1, trainErr.Member)
}

func TestTrainMemberFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NMembers = 3
	e, err := NewWithFactory(cfg, func(i int) (Member, error) {
		return &constMember{index: i, fail: i == 2}, nil
	})
	require.NoError(t, err)
	err = e.Train(context.Background(), []model.Frame{dimerFrame(t, 2, 0)}, SerialExecutor{})
	var trainErr *TrainingError
	require.ErrorAs(t, err, &trainErr)
	assert.Equal(t, 2, trainErr.Member)
	assert.False(t, e.Trained(), "a failed retrain leaves no half-built ensemble")
}

func TestEvaluateMeanAndSpread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NMembers = 2
	e, err := NewWithFactory(cfg, func(i int) (Member, error) {
		return &constMember{index: i, fx: float64(1 + 2*i)}, nil
	})
	require.NoError(t, err)
	require.NoError(t, e.Train(context.Background(), []model.Frame{dimerFrame(t, 2, 0)}, NewExecutor(4)))

	res, err := e.Evaluate(context.Background(), dimerFrame(t, 2, 0).Structure())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Energy, 1e-12)
	assert.InDelta(t, 2.0, res.Forces[0][0], 1e-12)
	assert.InDelta(t, 1.0, res.ForceStd[0][0], 1e-12)
	assert.InDelta(t, 0.0, res.ForceStd[0][1], 1e-12)
	require.NotNil(t, res.Uncertainty)
	assert.InDelta(t, 1.0, *res.Uncertainty, 1e-12)
}

func TestTrainingSets(t *testing.T) {
	frames := []model.Frame{dimerFrame(t, 2, 1), dimerFrame(t, 2.5, 2), dimerFrame(t, 3, 3), dimerFrame(t, 3.5, 4)}

	cfg := DefaultConfig()
	cfg.NMembers = 5
	e, err := New(cfg)
	require.NoError(t, err)
	for _, set := range e.TrainingSets(frames) {
		assert.Len(t, set, len(frames))
	}

	cfg.Strategy = StrategyBootstrap
	e, err = New(cfg)
	require.NoError(t, err)
	sets := e.TrainingSets(frames)
	require.Len(t, sets, 5)
	for _, set := range sets {
		require.Len(t, set, len(frames))
		assert.Equal(t, 4.0, set[len(set)-1].Energy(), "newest frame is in every bootstrap set")
	}
	assert.Equal(t, sets, e.TrainingSets(frames), "bootstrap sampling is seeded")
}

func TestTrainIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	var frames []model.Frame
	for i := 0; i < 6; i++ {
		s := randomTrimer(rng)
		res := model.Result{Energy: rng.Float64(), Forces: make([]model.Vec3, 3)}
		for a := range res.Forces {
			res.Forces[a] = model.Vec3{rng.Float64() - 0.5, rng.Float64() - 0.5, rng.Float64() - 0.5}
		}
		frames = append(frames, model.MustFrame(s, res, model.LabelDelta))
	}
	probe := randomTrimer(rng)

	cfg := DefaultConfig()
	cfg.NMembers = 4
	cfg.Strategy = StrategyBootstrap
	serial, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, serial.Train(context.Background(), frames, SerialExecutor{}))
	pooled, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, pooled.Train(context.Background(), frames, NewExecutor(3)))

	a, err := serial.Evaluate(context.Background(), probe)
	require.NoError(t, err)
	b, err := pooled.Evaluate(context.Background(), probe)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.NotNil(t, a.Uncertainty)
	assert.Greater(t, *a.Uncertainty, 0.0, "jittered members disagree away from the data")
}

func TestTrainRespectsCancellation(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Train(ctx, []model.Frame{dimerFrame(t, 2, 0)}, NewExecutor(2))
	var trainErr *TrainingError
	require.ErrorAs(t, err, &trainErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NMembers = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Strategy = "jackknife"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Width = 0
	_, err = New(cfg)
	assert.Error(t, err)
}
