package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/config"
)

const structuresJSON = `[
  {"structure": {"species": ["Cu", "Cu"], "positions": [[0, 0, 0], [0, 0, 2.5]], "pbc": [false, false, false]}},
  {"structure": {"species": ["Cu", "Cu"], "positions": [[0, 0, 0], [0, 0, 3.0]], "pbc": [false, false, false]}}
]`

const relaxYAML = `
mode: online
structures: initial.json
learner:
  uncertain_tol: 0.1
ensemble:
  n_ensembles: 3
relax:
  steps: 20
parent:
  kind: morse
  cutoff: 8
log:
  level: warn
`

const offlineYAML = `
mode: offline
structures: initial.json
offline:
  max_iterations: 2
  samples_to_retrain: 1
ensemble:
  n_ensembles: 3
relax:
  steps: 30
parent:
  kind: morse
  cutoff: 8
base:
  kind: morse
  cutoff: 8
  morse:
    Cu: {de: 0.3, a: 1.2, re: 2.9}
`

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), "almlpctl %s: %s", strings.Join(args, " "), out.String())
	return out.String()
}

func writeInputs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initial.json"), []byte(structuresJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relax.yaml"), []byte(relaxYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "offline.yaml"), []byte(offlineYAML), 0o644))
	return dir
}

func TestRelaxCallsRunsExport(t *testing.T) {
	dir := writeInputs(t)
	store := []string{
		"--store", "badger",
		"--db-path", filepath.Join(dir, "audit"),
		"--artifacts-dir", filepath.Join(dir, "runs"),
	}

	outPath := filepath.Join(dir, "relaxed.json")
	out := execute(t, append([]string{"relax", "--config", filepath.Join(dir, "relax.yaml"), "--run-id", "cli-online", "--out", outPath}, store...)...)
	assert.Contains(t, out, "relax completed run_id=cli-online")
	assert.Contains(t, out, "artifacts_dir=")
	relaxed, err := config.LoadStructure(outPath)
	require.NoError(t, err)
	assert.Equal(t, 2, relaxed.Len())

	out = execute(t, append([]string{"runs"}, store...)...)
	assert.Contains(t, out, "run_id=cli-online")
	assert.Contains(t, out, "mode=online")

	// Every listed call is one line; the count must match the summary.
	calls := execute(t, append([]string{"calls", "--latest"}, store...)...)
	for _, line := range strings.Split(strings.TrimSpace(calls), "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "seq="), line)
	}

	exportDir := filepath.Join(dir, "exports")
	out = execute(t, append([]string{"export", "--latest", "--out", exportDir}, store...)...)
	assert.Contains(t, out, "exported run_id=cli-online")
	_, err = os.Stat(filepath.Join(exportDir, "cli-online", "summary.json"))
	assert.NoError(t, err)
}

func TestOfflineWritesMetrics(t *testing.T) {
	dir := writeInputs(t)
	metrics := filepath.Join(dir, "metrics.prom")
	out := execute(t,
		"offline", "--config", filepath.Join(dir, "offline.yaml"),
		"--store", "memory",
		"--artifacts-dir", filepath.Join(dir, "runs"),
		"--metrics-file", metrics,
	)
	assert.Contains(t, out, "offline completed run_id=")

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "almlp_dataset_size")
}

func TestRelaxRejectsOfflineConfig(t *testing.T) {
	dir := writeInputs(t)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"relax", "--config", filepath.Join(dir, "offline.yaml"), "--store", "memory"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestRunRequiresKnownCommand(t *testing.T) {
	assert.Error(t, run(context.Background(), []string{"evolve"}))
	assert.Error(t, run(context.Background(), []string{"relax"}), "--config is required")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
