package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// shutdownGrace is how long a closed stdin gets before the process is
// killed.
const shutdownGrace = 5 * time.Second

// Options describe one runtime launch.
type Options struct {
	Binary       string
	Args         []string
	Model        string
	SystemPrompt string
	WorkDir      string
	Env          []string // extra KEY=VALUE entries appended to the inherited environment
}

// Process owns a running runtime subprocess and the Client speaking to it.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	stdin  io.Closer

	exited  chan struct{}
	exitMu  sync.Mutex
	exitErr error
}

// Launch starts the runtime and begins reading its stream. The returned
// Process is live; callers wire handlers on Client and then Initialize. The
// process is not bound to ctx: a session must be able to run its shutdown
// turn after its own context is cancelled, so termination always goes
// through Shutdown.
func Launch(ctx context.Context, opts Options) (*Process, error) {
	args := append([]string(nil), opts.Args...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	cmd := exec.Command(opts.Binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Binary, err)
	}

	p := &Process{
		cmd:    cmd,
		client: NewClient(stdin, stdout),
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go relayStderr(stderr)
	go p.reap()
	select {
	case <-p.client.Start():
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	slog.Info("runtime started", "component", "runtime", "binary", opts.Binary, "pid", cmd.Process.Pid)
	return p, nil
}

// Client returns the protocol client for this process.
func (p *Process) Client() *Client { return p.client }

// PID returns the subprocess id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Exited closes when the subprocess has terminated.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr reports the subprocess's exit error once Exited is closed.
func (p *Process) ExitErr() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

// Wait blocks until the subprocess exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.exited:
		return p.ExitErr()
	}
}

// Shutdown closes stdin so the runtime can finish cleanly, then kills it if
// it lingers past the grace period.
func (p *Process) Shutdown(ctx context.Context) error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return p.ExitErr()
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil {
		slog.Warn("runtime kill failed", "component", "runtime", "error", err)
	}
	<-p.exited
	return p.ExitErr()
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.exitMu.Lock()
	p.exitErr = err
	p.exitMu.Unlock()
	p.client.Stop()
	close(p.exited)
	if err != nil {
		slog.Warn("runtime exited", "component", "runtime", "error", err)
	} else {
		slog.Info("runtime exited", "component", "runtime")
	}
}

// relayStderr keeps the runtime's stderr out of the terminal and in the log.
func relayStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			slog.Debug("runtime stderr", "component", "runtime", "line", line)
		}
	}
}
