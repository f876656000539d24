package almlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"almlp/internal/calc"
	"almlp/internal/config"
	"almlp/internal/learner"
	"almlp/internal/model"
	"almlp/internal/stats"
)

func dimer(z float64) model.Structure {
	return model.Structure{
		Species:   []string{"Cu", "Cu"},
		Positions: []model.Vec3{{0, 0, 0}, {0, 0, z}},
	}
}

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(base, "runs"),
		ExportsDir:   filepath.Join(base, "exports"),
		Registerer:   prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func morseFile() config.File {
	cfg := config.Default()
	cfg.Learner.UncertainTol = 0.1
	cfg.Parent = calc.Spec{Kind: "morse", Cutoff: 8, Morse: map[string]calc.MorseParams{"Cu": {De: 0.4, A: 1.3, Re: 2.7}}}
	cfg.Ensemble.NMembers = 3
	cfg.Relax.Steps = 30
	return cfg
}

func TestClientRelaxCallsRunsAndExport(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t)

	cfg := morseFile()
	cfg.RunID = "online-1"
	summary, err := client.Relax(ctx, RelaxRequest{
		Config:     cfg,
		Candidates: []calc.Candidate{{Structure: dimer(2.5)}, {Structure: dimer(3.0)}},
	})
	if err != nil {
		t.Fatalf("relax: %v", err)
	}
	if summary.RunID != "online-1" {
		t.Fatalf("unexpected run id: %s", summary.RunID)
	}
	if summary.DatasetSize != 2+summary.ParentCalls {
		t.Fatalf("dataset must grow by one frame per parent call: %+v", summary)
	}
	if summary.Queries != summary.Steps+1 {
		t.Fatalf("every relaxation step queries the learner once: %+v", summary)
	}
	if summary.Final.Len() != 2 {
		t.Fatalf("unexpected final structure: %+v", summary.Final)
	}
	for _, file := range []string{"config.json", "summary.json", "trajectory.json", "dataset.json", "decisions.json", "trajectory.csv"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}
	decisions, ok, err := stats.ReadDecisions(filepath.Join(base, "runs"), summary.RunID)
	if err != nil || !ok || len(decisions) != summary.Queries {
		t.Fatalf("unexpected decisions: %d ok=%v err=%v", len(decisions), ok, err)
	}

	calls, err := client.Calls(ctx, CallsRequest{Latest: true})
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if len(calls) != summary.ParentCalls {
		t.Fatalf("expected %d audited calls, got %d", summary.ParentCalls, len(calls))
	}
	for i, call := range calls {
		if call.Seq != i || call.Atoms != 2 {
			t.Fatalf("unexpected call %d: %+v", i, call)
		}
		if call.Reason != model.ReasonUncertain && call.Reason != model.ReasonVerify {
			t.Fatalf("unexpected reason: %s", call.Reason)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "online-1" || runs[0].Mode != config.ModeOnline {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].Parent != "morse" {
		t.Fatalf("unexpected parent name: %s", runs[0].Parent)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != "online-1" {
		t.Fatalf("unexpected exported run: %+v", exported)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, "summary.json")); err != nil {
		t.Fatalf("expected exported summary: %v", err)
	}
}

func TestClientRelaxUsesParentOverride(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	morse, err := calc.NewMorse(calc.MorseConfig{Cutoff: 8, Species: []string{"Cu"}})
	if err != nil {
		t.Fatalf("morse: %v", err)
	}
	var evaluations atomic.Int64
	parent := calc.Func{Label: "dft", Fn: func(ctx context.Context, s model.Structure) (model.Result, error) {
		evaluations.Add(1)
		return morse.Evaluate(ctx, s)
	}}

	cfg := morseFile()
	cfg.Parent = calc.Spec{}
	start := dimer(2.7)
	summary, err := client.Relax(ctx, RelaxRequest{Config: cfg, Start: &start, Parent: parent})
	if err != nil {
		t.Fatalf("relax: %v", err)
	}
	if summary.ParentCalls < 2 {
		t.Fatalf("an empty dataset bootstraps with two parent calls, got %d", summary.ParentCalls)
	}
	if got := evaluations.Load(); got != int64(summary.ParentCalls) {
		t.Fatalf("parent evaluated %d times for %d parent calls", got, summary.ParentCalls)
	}
	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil || len(runs) != 1 || runs[0].Parent != "dft" {
		t.Fatalf("unexpected runs: %+v err=%v", runs, err)
	}
}

func TestClientOfflineWithBase(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	cfg := morseFile()
	cfg.RunID = "offline-1"
	cfg.Base = &calc.Spec{Kind: "morse", Cutoff: 8}
	cfg.Offline.MaxIterations = 3
	cfg.Offline.SamplesToRetrain = 1
	cfg.Relax.Steps = 50

	summary, err := client.Offline(ctx, OfflineRequest{
		Config:     cfg,
		Candidates: []calc.Candidate{{Structure: dimer(2.4)}},
	})
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if summary.Iterations < 1 || summary.Iterations > 3 {
		t.Fatalf("unexpected iteration count: %d", summary.Iterations)
	}
	if summary.ParentCalls != summary.Iterations-1 {
		t.Fatalf("one query per iteration after the first: %+v", summary)
	}
	if summary.DatasetSize != 1+summary.ParentCalls {
		t.Fatalf("unexpected dataset size: %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, "iterations.json")); err != nil {
		t.Fatalf("expected iterations artifact: %v", err)
	}

	calls, err := client.Calls(ctx, CallsRequest{RunID: "offline-1"})
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if len(calls) != summary.ParentCalls {
		t.Fatalf("expected %d calls, got %d", summary.ParentCalls, len(calls))
	}
	for _, call := range calls {
		if call.Reason != model.ReasonOfflineQuery {
			t.Fatalf("unexpected reason: %s", call.Reason)
		}
	}
}

func TestClientRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	_, err := client.Relax(ctx, RelaxRequest{Config: morseFile()})
	if !errors.Is(err, learner.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without structures, got %v", err)
	}
	_, err = client.Offline(ctx, OfflineRequest{Config: morseFile()})
	if !errors.Is(err, learner.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without candidates, got %v", err)
	}
	cfg := morseFile()
	cfg.Learner.UncertainTol = 0
	_, err = client.Relax(ctx, RelaxRequest{Config: cfg, Candidates: []calc.Candidate{{Structure: dimer(2.5)}}})
	if !errors.Is(err, learner.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without uncertain_tol, got %v", err)
	}
	cfg = morseFile()
	cfg.Parent = calc.Spec{Kind: "vasp"}
	_, err = client.Relax(ctx, RelaxRequest{Config: cfg, Candidates: []calc.Candidate{{Structure: dimer(2.5)}}})
	if !errors.Is(err, calc.ErrCalculatorNotFound) {
		t.Fatalf("expected unknown calculator, got %v", err)
	}

	if _, err := client.Calls(ctx, CallsRequest{}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
	if _, err := client.Calls(ctx, CallsRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected error for run id with latest")
	}
	if _, err := client.Calls(ctx, CallsRequest{Latest: true}); err == nil {
		t.Fatal("expected error with no runs")
	}
	if _, err := client.Export(ctx, ExportRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected error for run id with latest")
	}
	if _, err := client.Export(ctx, ExportRequest{Latest: true}); err == nil {
		t.Fatal("expected error with no runs to export")
	}
}
