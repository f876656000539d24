package calc

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecReadsResultFromStdout(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	c := &Exec{
		Command:     "sh",
		Args:        []string{"-c", `cat >/dev/null; echo '{"energy": -1.5, "forces": [[0,0,0.25],[0,0,-0.25]]}'`},
		ScratchRoot: root,
	}
	res, err := Evaluate(context.Background(), c, cuDimer(2.5))
	require.NoError(t, err)
	assert.Equal(t, -1.5, res.Energy)
	assert.InDelta(t, 0.25, res.Fmax(), 1e-12)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories are removed after each call")
}

func TestExecReportsFailure(t *testing.T) {
	requireShell(t)
	c := &Exec{Label: "dft", Command: "sh", Args: []string{"-c", "echo 'scf failed' >&2; exit 3"}}
	_, err := Evaluate(context.Background(), c, cuDimer(2.5))
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "dft", evalErr.Calculator)
	assert.Contains(t, err.Error(), "scf failed")
}

func TestExecRejectsMalformedOutput(t *testing.T) {
	requireShell(t)
	c := &Exec{Command: "sh", Args: []string{"-c", "echo not-json"}}
	_, err := Evaluate(context.Background(), c, cuDimer(2.5))
	assert.Error(t, err)
}
