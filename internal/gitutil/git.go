package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 5 * time.Second

var ErrDetachedHead = errors.New("HEAD is detached")

// CurrentBranch returns the checked-out branch of the repository at root.
// A timeout is a hard failure.
func CurrentBranch(ctx context.Context, root string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = root
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return "", fmt.Errorf("git rev-parse timed out: %w", ctx.Err())
	}
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return "", ErrDetachedHead
	}
	if branch == "" {
		return "", errors.New("git rev-parse returned no branch")
	}
	return branch, nil
}
