package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/ensemble"
	"almlp/internal/learner"
	"almlp/internal/model"
)

const onlineYAML = `
mode: online
structures: initial.json
workers: 2
learner:
  uncertain_tol: 0.2
  fmax_verify_threshold: 0.03
ensemble:
  n_ensembles: 4
  strategy: bootstrap
parent:
  kind: exec
  command: ./dft.sh
base:
  kind: morse
  cutoff: 6
storage:
  kind: badger
  path: audit
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", onlineYAML)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeOnline, f.Mode)
	assert.Equal(t, 2, f.Workers)
	assert.Equal(t, 0.2, f.Learner.UncertainTol)
	require.NotNil(t, f.Learner.FmaxVerifyThreshold)
	assert.Equal(t, 0.03, *f.Learner.FmaxVerifyThreshold)
	assert.Equal(t, 4, f.Ensemble.NMembers)
	assert.Equal(t, "bootstrap", f.Ensemble.Strategy)
	assert.Equal(t, 6.0, f.Ensemble.Cutoff, "unset ensemble keys keep their defaults")
	assert.Equal(t, "exec", f.Parent.Kind)
	require.NotNil(t, f.Base)
	assert.Equal(t, "morse", f.Base.Kind)
	assert.Equal(t, filepath.Join(dir, "initial.json"), f.Structures)
	assert.Equal(t, filepath.Join(dir, "audit"), f.Storage.Path)
	assert.Equal(t, 0.05, f.Relax.Fmax)
}

func TestLoadOfflineConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "offline.yaml", `
mode: offline
structures: /data/initial.json
parent:
  kind: morse
offline:
  max_iterations: 4
  max_force_tolerance: 0.02
  samples_to_retrain: 2
  query_method: min_force
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Offline.MaxIterations)
	assert.Equal(t, 0.02, f.Offline.MaxForceTolerance)
	assert.Equal(t, "min_force", f.Offline.QueryMethod)
	assert.Equal(t, "/data/initial.json", f.Structures)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*File){
		"unknown mode":        func(f *File) { f.Mode = "batch" },
		"missing parent":      func(f *File) { f.Parent.Kind = "" },
		"zero tolerance":      func(f *File) { f.Learner.UncertainTol = 0 },
		"bad log level":       func(f *File) { f.Log.Level = "trace" },
		"badger without path": func(f *File) { f.Storage = StorageConfig{Kind: "badger"} },
		"unknown store":       func(f *File) { f.Storage.Kind = "postgres" },
		"negative workers":    func(f *File) { f.Workers = -1 },
		"no structures":       func(f *File) { f.Structures = "" },
		"offline iterations":  func(f *File) { f.Mode = ModeOffline; f.Offline.MaxIterations = 0 },
		"zero members":        func(f *File) { f.Ensemble.NMembers = 0 },
	}
	for name, mutate := range cases {
		f := Default()
		f.Parent.Kind = "morse"
		f.Structures = "initial.json"
		f.Learner.UncertainTol = 0.1
		mutate(&f)
		assert.Error(t, f.Validate(), name)
	}

	f := Default()
	f.Parent.Kind = "morse"
	f.Start = "start.json"
	f.Learner.UncertainTol = 0.1
	assert.NoError(t, f.Validate())
}

func TestLoadRequiresUncertainTolForOnlineRuns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
mode: online
start: start.json
parent:
  kind: morse
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, learner.ErrInvalidConfig)

	f := Default()
	f.Parent.Kind = "morse"
	f.Start = "start.json"
	ApplyDefaults(&f)
	assert.Zero(t, f.Learner.UncertainTol, "uncertain_tol has no default")
	assert.ErrorIs(t, f.Validate(), learner.ErrInvalidConfig)

	offline := writeFile(t, dir, "offline.yaml", `
mode: offline
structures: initial.json
parent:
  kind: morse
`)
	_, err = Load(offline)
	assert.NoError(t, err, "offline runs do not gate on uncertainty")
}

func TestApplyDefaultsFillsEnsembleFieldsIndividually(t *testing.T) {
	f := File{Ensemble: ensemble.Config{NMembers: 4, Strategy: ensemble.StrategyBootstrap, Seed: 7}}
	ApplyDefaults(&f)
	d := ensemble.DefaultConfig()
	assert.Equal(t, 4, f.Ensemble.NMembers)
	assert.Equal(t, ensemble.StrategyBootstrap, f.Ensemble.Strategy)
	assert.Equal(t, uint64(7), f.Ensemble.Seed)
	assert.Equal(t, d.Cutoff, f.Ensemble.Cutoff)
	assert.Equal(t, d.NBasis, f.Ensemble.NBasis)
	assert.Equal(t, d.Width, f.Ensemble.Width)
	assert.Equal(t, d.Lambda, f.Ensemble.Lambda)
	assert.Equal(t, d.ForceWeight, f.Ensemble.ForceWeight)
	_, err := ensemble.New(f.Ensemble)
	assert.NoError(t, err)
}

func TestApplyDefaults(t *testing.T) {
	f := File{}
	f.Parent.Kind = "morse"
	ApplyDefaults(&f)
	assert.Equal(t, ModeOnline, f.Mode)
	assert.Equal(t, 10, f.Ensemble.NMembers)
	assert.Zero(t, f.Learner.UncertainTol)
	assert.Equal(t, learner.ToleranceRelative, f.Learner.ToleranceMode)
	assert.Equal(t, 200, f.Relax.Steps)
	assert.Equal(t, "memory", f.Storage.Kind)

	f = File{Learner: Default().Learner, Relax: Default().Relax}
	f.Learner.UncertainTol = 0.5
	ApplyDefaults(&f)
	assert.Equal(t, 0.5, f.Learner.UncertainTol)
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := Default()
	f.Parent.Kind = "morse"
	f.Structures = filepath.Join(dir, "initial.json")
	f.Learner.UncertainTol = 0.1
	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, Write(path, f))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f, back)
}

func TestLoadCandidates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "initial.json", `[
  {"structure": {"species": ["Cu", "Cu"], "positions": [[0, 0, 0], [0, 0, 2.5]], "pbc": [false, false, false]}},
  {"structure": {"species": ["Cu", "Cu"], "positions": [[0, 0, 0], [0, 0, 2.7]], "pbc": [false, false, false]},
   "result": {"energy": -0.3, "forces": [[0, 0, 0.1], [0, 0, -0.1]]}}
]`)
	cands, err := LoadCandidates(path)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Nil(t, cands[0].Result)
	require.NotNil(t, cands[1].Result)
	assert.Equal(t, -0.3, cands[1].Result.Energy)

	single := filepath.Join(dir, "start.json")
	require.NoError(t, WriteStructure(single, model.Structure{Species: []string{"Cu"}, Positions: []model.Vec3{{1, 2, 3}}}))
	s, err := LoadStructure(single)
	require.NoError(t, err)
	assert.Equal(t, model.Vec3{1, 2, 3}, s.Positions[0])

	bad := writeFile(t, dir, "bad.json", `[{"structure": {"species": ["Cu"], "positions": [[0, 0, 0]]}, "result": {"energy": 0, "forces": []}}]`)
	_, err = LoadCandidates(bad)
	assert.Error(t, err)

	empty := writeFile(t, dir, "empty.json", `[{"structure": {"species": [], "positions": []}}]`)
	_, err = LoadCandidates(empty)
	assert.ErrorIs(t, err, model.ErrEmptyStructure)
}
