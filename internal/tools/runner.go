package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTool reports a run_tool request for a script that does not exist.
var ErrUnknownTool = errors.New("unknown tool")

// Runner resolves user scripts by name and executes them through the
// persistent shell.
type Runner struct {
	dir     string
	shell   *Shell
	timeout time.Duration
}

// NewRunner creates a runner over the tools directory. timeout bounds one
// invocation; zero means DefaultShellTimeout.
func NewRunner(dir string, shell *Shell, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	return &Runner{dir: dir, shell: shell, timeout: timeout}
}

// Scripts returns the current catalogue. Discovery happens per call so
// scripts dropped into the directory mid-session are picked up without a
// restart.
func (r *Runner) Scripts() ([]Script, error) {
	return Discover(r.dir)
}

// Run looks up the named script and executes it with the given positional
// arguments.
func (r *Runner) Run(ctx context.Context, name string, args []string) (ShellResult, error) {
	scripts, err := Discover(r.dir)
	if err != nil {
		return ShellResult{}, err
	}
	var script *Script
	for i := range scripts {
		if scripts[i].Name == name {
			script = &scripts[i]
			break
		}
	}
	if script == nil {
		return ShellResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := checkArgs(script, args); err != nil {
		return ShellResult{}, err
	}

	parts := []string{invocation(script.Path)}
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return r.shell.Run(ctx, strings.Join(parts, " "), r.timeout)
}

// checkArgs verifies every required positional argument is supplied. Extra
// arguments pass through, scripts may accept more than they declare.
func checkArgs(s *Script, args []string) error {
	required := 0
	for _, a := range s.Arguments {
		if a.Required {
			required++
		}
	}
	if len(args) < required {
		for i, a := range s.Arguments {
			if a.Required && i >= len(args) {
				return fmt.Errorf("tool %s: missing required argument %q", s.Name, a.Name)
			}
		}
		return fmt.Errorf("tool %s: expected %d arguments, got %d", s.Name, required, len(args))
	}
	return nil
}

// invocation builds the command prefix for a script: executables run
// directly, interpreter-suffixed files go through their interpreter.
func invocation(path string) string {
	switch {
	case strings.HasSuffix(path, ".py"):
		return "python3 " + quote(path)
	case strings.HasSuffix(path, ".sh"):
		return "bash " + quote(path)
	default:
		return quote(path)
	}
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%!{}`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
