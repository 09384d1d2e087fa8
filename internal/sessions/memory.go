package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
)

const (
	commitAttempts = 5
	gitTimeout     = 10 * time.Second
)

// CommitMemory stages and commits everything under the home repository with
// the subject "Session end: <agent_id>". It never pushes. Returns the commit
// subject line, or "" when there was nothing to commit.
//
// A home that is not a git repository, or a host without git, degrades to a
// warning. Index lock contention from a sibling agent committing at the same
// time is retried with exponential backoff.
func CommitMemory(ctx context.Context, h home.Home, agentID string) (string, error) {
	root := h.Root()
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		slog.Warn("memory home is not a git repository; skipping commit",
			"component", "sessions", "home", root)
		return "", nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		slog.Warn("git not found; skipping memory commit", "component", "sessions")
		return "", nil
	}

	delay := time.Second
	for attempt := 1; ; attempt++ {
		// Add failures surface through the commit below.
		_, _ = runGit(ctx, root, "add", "-A")

		// Exit 0 means the index matches HEAD.
		if _, err := runGit(ctx, root, "diff", "--cached", "--quiet"); err == nil {
			return "", nil
		}

		out, err := runGit(ctx, root, "commit", "-m", "Session end: "+agentID)
		if err == nil {
			return firstLine(out), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		locked := false
		if _, statErr := os.Stat(filepath.Join(root, ".git", "index.lock")); statErr == nil {
			locked = true
		}
		if !locked || attempt >= commitAttempts {
			return "", fmt.Errorf("git commit: %w: %s", err, firstLine(out))
		}
		slog.Debug("git index locked, retrying",
			"component", "sessions", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
	}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
