package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// outputCap matches the runtime's own truncation for shell output.
	outputCap = 30_000

	// DefaultShellTimeout bounds one command when the caller does not say.
	DefaultShellTimeout = 2 * time.Minute

	closeGrace = 5 * time.Second
)

// ShellResult is the outcome of one command run inside the persistent shell.
type ShellResult struct {
	Output   string
	ExitCode int
	Dir      string
	Elapsed  time.Duration
	TimedOut bool
}

// Shell is a long-lived bash subprocess that keeps state (working directory,
// environment, aliases) across commands. Completion is detected by a
// per-command sentinel line carrying the exit status and the directory the
// command left behind.
type Shell struct {
	mu    sync.Mutex
	dir   string
	env   []string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Reader
}

// NewShell prepares a shell rooted at dir; the subprocess spawns lazily on
// the first Run. Extra entries are appended to the inherited environment.
// Runtime-injected variables are stripped so scripts do not believe they run
// inside the agent runtime.
func NewShell(dir string, extra map[string]string) *Shell {
	return &Shell{dir: dir, env: buildEnv(extra)}
}

func buildEnv(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDE") {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Run executes command inside the shell and waits for its sentinel. On
// timeout the whole shell is killed and the next Run starts a fresh one;
// timeouts are reported in the result rather than as an error so callers can
// still relay the working directory and elapsed time.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (ShellResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	if err := s.ensure(); err != nil {
		return ShellResult{}, err
	}

	sentinel := "___ALEPH_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "___"
	start := time.Now()

	// The printf puts the sentinel on its own line even when the command's
	// output does not end with a newline; that injected newline is trimmed
	// back off the captured output below.
	wrapped := fmt.Sprintf("%s\n__aleph_ec=$?\nprintf '\\n%s%%s %%s\\n' \"$__aleph_ec\" \"$(pwd)\"\n",
		command, sentinel)
	if _, err := io.WriteString(s.stdin, wrapped); err != nil {
		s.kill()
		return ShellResult{}, fmt.Errorf("write to shell: %w", err)
	}

	type outcome struct {
		output string
		exit   int
		dir    string
		err    error
	}
	done := make(chan outcome, 1)
	out := s.out
	go func() {
		var b strings.Builder
		for {
			line, err := out.ReadString('\n')
			if i := strings.Index(line, sentinel); i >= 0 {
				exit, dir := parseSentinel(line[i+len(sentinel):])
				done <- outcome{output: b.String(), exit: exit, dir: dir}
				return
			}
			b.WriteString(line)
			if err != nil {
				done <- outcome{err: fmt.Errorf("shell terminated: %w", err)}
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			s.kill()
			return ShellResult{}, o.err
		}
		if o.dir != "" {
			s.dir = o.dir
		}
		return ShellResult{
			Output:   capOutput(strings.TrimSuffix(o.output, "\n")),
			ExitCode: o.exit,
			Dir:      s.dir,
			Elapsed:  time.Since(start),
		}, nil
	case <-ctx.Done():
		s.kill()
		return ShellResult{}, ctx.Err()
	case <-timer.C:
		slog.Warn("shell command timed out", "timeout", timeout)
		s.kill()
		return ShellResult{ExitCode: -1, Dir: s.dir, Elapsed: time.Since(start), TimedOut: true}, nil
	}
}

// Dir returns the shell's current working directory.
func (s *Shell) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Restart discards the current subprocess so the next command starts clean.
// Use it when a command broke the sentinel protocol or left the process
// wedged.
func (s *Shell) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kill()
}

// Close terminates the subprocess, escalating to SIGKILL after a grace
// period. Safe to call more than once.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd, stdin := s.cmd, s.stdin
	s.cmd, s.stdin, s.out = nil, nil, nil

	_ = stdin.Close()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(closeGrace):
		_ = cmd.Process.Kill()
		<-waited
	}
	return nil
}

func (s *Shell) ensure() error {
	if s.cmd != nil {
		return nil
	}
	if info, err := os.Stat(s.dir); err != nil || !info.IsDir() {
		// A deleted working directory would fail the spawn outright.
		fallback, err := os.UserHomeDir()
		if err != nil {
			fallback = os.TempDir()
		}
		s.dir = fallback
	}

	cmd := exec.Command("bash", "--norc", "--noprofile")
	cmd.Dir = s.dir
	cmd.Env = s.env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("shell stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout // merge stderr into the captured stream
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.out = bufio.NewReader(stdout)
	slog.Debug("shell spawned", "pid", cmd.Process.Pid, "dir", s.dir)
	return nil
}

// kill tears the subprocess down; the next Run spawns a fresh shell.
func (s *Shell) kill() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	cmd := s.cmd
	go func() { _ = cmd.Wait() }()
	s.cmd, s.stdin, s.out = nil, nil, nil
}

func parseSentinel(rest string) (exit int, dir string) {
	fields := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	exit = -1
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			exit = n
		}
	}
	if len(fields) > 1 {
		dir = fields[1]
	}
	return exit, dir
}

func capOutput(s string) string {
	if len(s) <= outputCap {
		return s
	}
	return s[:outputCap] + fmt.Sprintf("\n... [output truncated at %d chars]", outputCap)
}
