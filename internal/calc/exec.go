package calc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"almlp/internal/model"
)

// Exec adapts an external program into a Calculator. The program receives the
// structure as JSON on stdin and must print a JSON result
// ({"energy": ..., "forces": [[fx, fy, fz], ...]}) on stdout. Each call runs in
// a fresh scratch directory that is removed afterwards.
type Exec struct {
	Label   string
	Command string
	Args    []string
	Env     []string
	// ScratchRoot is where per-call directories are created; empty means
	// the system temp dir.
	ScratchRoot string
}

func (e *Exec) Name() string {
	if e.Label != "" {
		return e.Label
	}
	return "exec:" + e.Command
}

func (e *Exec) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	if e.Command == "" {
		return model.Result{}, errors.New("exec calculator command is required")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return model.Result{}, fmt.Errorf("encode structure: %w", err)
	}

	scratch, err := os.MkdirTemp(e.ScratchRoot, "almlp-calc-")
	if err != nil {
		return model.Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = scratch
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return model.Result{}, fmt.Errorf("run %s: %w: %s", e.Command, err, msg)
		}
		return model.Result{}, fmt.Errorf("run %s: %w", e.Command, err)
	}

	var res model.Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return model.Result{}, fmt.Errorf("decode %s output: %w", e.Command, err)
	}
	return res, nil
}
