package gitutil

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentBranchOutsideRepoFails(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := CurrentBranch(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCurrentBranchInRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"checkout", "-q", "-b", "legacy/one"},
		{"-c", "user.email=t@example.invalid", "-c", "user.name=t", "commit", "-q", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	branch, err := CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "legacy/one", branch)
}

func TestCurrentBranchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CurrentBranch(ctx, t.TempDir())
	assert.Error(t, err)
}
