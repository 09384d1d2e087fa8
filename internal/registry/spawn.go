package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/kaselby/aleph-harness/internal/home"
)

// ErrDepthExceeded rejects spawn chains deeper than the configured limit.
var ErrDepthExceeded = errors.New("spawn depth exceeded")

// ErrAlreadyRunning rejects spawning an id that is currently alive.
var ErrAlreadyRunning = errors.New("agent already running")

// SpawnRequest describes a child agent to start. An empty ID gets one
// allocated.
type SpawnRequest struct {
	ID        string
	Role      string
	Prompt    string
	Mode      string
	Project   string
	Parent    string
	Ephemeral bool
	// ParentDepth is the spawning agent's depth; the child runs one deeper.
	ParentDepth int
}

// Spawner starts child agent sessions in a terminal multiplexer so they
// outlive the parent and stay attachable for inspection.
type Spawner struct {
	home        home.Home
	reg         *Registry
	binary      string
	multiplexer string // "tmux" or "none"
	maxDepth    int
}

func NewSpawner(h home.Home, reg *Registry, binary, multiplexer string, maxDepth int) *Spawner {
	return &Spawner{home: h, reg: reg, binary: binary, multiplexer: multiplexer, maxDepth: maxDepth}
}

// Spawn launches the child and returns its agent id. The depth limit is
// checked before anything starts; a live agent under the same id is refused.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if req.ID == "" {
		req.ID = "aleph-" + uuid.NewString()[:8]
	}
	depth := req.ParentDepth + 1
	if depth > s.maxDepth {
		return "", fmt.Errorf("depth %d exceeds limit %d: %w", depth, s.maxDepth, ErrDepthExceeded)
	}
	if s.reg.Alive(req.ID) {
		return "", fmt.Errorf("%s: %w", req.ID, ErrAlreadyRunning)
	}

	args := []string{"--id", req.ID, "--parent", req.Parent, "--depth", strconv.Itoa(depth)}
	if req.Prompt != "" {
		args = append(args, "--prompt", req.Prompt)
	}
	if req.Mode != "" {
		args = append(args, "--mode", req.Mode)
	}
	if req.Project != "" {
		args = append(args, "--project", req.Project)
	}
	if req.Role != "" {
		args = append(args, "--role", req.Role)
	}
	if req.Ephemeral {
		args = append(args, "--ephemeral")
	}

	env := append(os.Environ(), home.EnvHome+"="+s.home.Root())

	if s.multiplexer == "none" {
		// No terminal to hand the child, so it must run detached or its
		// input loop ends immediately on the closed stdin.
		cmd := exec.Command(s.binary, append(args, "--detach")...)
		cmd.Env = env
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("spawn %s: %w", req.ID, err)
		}
		return req.ID, cmd.Process.Release()
	}

	// tmux joins its trailing arguments with spaces and hands them to a
	// shell, so each one is quoted.
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(s.binary))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", SessionName(req.ID), strings.Join(parts, " "))
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("spawn %s via tmux: %w: %s", req.ID, err, strings.TrimSpace(string(out)))
	}
	return req.ID, nil
}

// SessionName is the tmux session an agent runs in.
func SessionName(agentID string) string { return "aleph-" + agentID }

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
