// Package git reads commit metadata for deploy decisions.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git runs the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// Commit resolves rev (a SHA, branch or HEAD) in repoPath and returns the
// full commit SHA and its message.
// SECURITY: repoPath must be a validated, trusted path. rev is passed after
// --end-of-options so it cannot be read as a flag.
func (g *Git) Commit(ctx context.Context, repoPath, rev string) (sha, message string, err error) {
	if rev == "" {
		rev = "HEAD"
	}
	sha, err = g.run(ctx, repoPath, "rev-parse", "--verify", "--end-of-options", rev+"^{commit}")
	if err != nil {
		return "", "", fmt.Errorf("unknown commit %q: %w", rev, err)
	}
	message, err = g.run(ctx, repoPath, "log", "-1", "--format=%B", sha)
	if err != nil {
		return "", "", fmt.Errorf("failed to read message of %s: %w", sha, err)
	}
	return sha, message, nil
}

func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
