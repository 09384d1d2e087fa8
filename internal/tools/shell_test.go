package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T, dir string, extra map[string]string) *Shell {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	s := NewShell(dir, extra)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// resolved mirrors what $(pwd) prints: the physical path.
func resolved(t *testing.T, dir string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return r
}

func TestShellRunsCommands(t *testing.T) {
	root := t.TempDir()
	s := newTestShell(t, root, nil)

	res, err := s.Run(context.Background(), "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, resolved(t, root), res.Dir)
	assert.False(t, res.TimedOut)
}

func TestShellReportsExitCode(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)

	res, err := s.Run(context.Background(), "false", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	res, err = s.Run(context.Background(), "true", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestShellKeepsStateAcrossCommands(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)
	ctx := context.Background()

	_, err := s.Run(ctx, "FOO=abc", 0)
	require.NoError(t, err)

	res, err := s.Run(ctx, `echo "$FOO"`, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc\n", res.Output)
}

func TestShellTracksWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	s := newTestShell(t, root, nil)
	ctx := context.Background()

	res, err := s.Run(ctx, "cd sub", 0)
	require.NoError(t, err)
	want := filepath.Join(resolved(t, root), "sub")
	assert.Equal(t, want, res.Dir)
	assert.Equal(t, want, s.Dir())

	res, err = s.Run(ctx, "pwd", 0)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", res.Output)
}

func TestShellNoTrailingNewline(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)

	res, err := s.Run(context.Background(), "printf abc", 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Output)
}

func TestShellTimeoutRestartsProcess(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)
	ctx := context.Background()

	res, err := s.Run(ctx, "sleep 5", 150*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)

	// The next command gets a fresh shell.
	res, err = s.Run(ctx, "echo back", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "back\n", res.Output)
	assert.False(t, res.TimedOut)
}

func TestShellContextCancel(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, "sleep 3", 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShellCapsOutput(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)

	res, err := s.Run(context.Background(), "head -c 40000 /dev/zero | tr '\\0' x", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Output, strings.Repeat("x", 100)))
	assert.True(t, strings.HasSuffix(res.Output, "[output truncated at 30000 chars]"))
	assert.Less(t, len(res.Output), 40000)
}

func TestShellEnvironment(t *testing.T) {
	t.Setenv("CLAUDE_PROBE", "1")
	s := newTestShell(t, t.TempDir(), map[string]string{"ALEPH_AGENT_ID": "tester"})

	res, err := s.Run(context.Background(), `echo "${ALEPH_AGENT_ID}:${CLAUDE_PROBE:-unset}"`, 0)
	require.NoError(t, err)
	assert.Equal(t, "tester:unset\n", res.Output)
}

func TestShellCloseAndReuse(t *testing.T) {
	s := newTestShell(t, t.TempDir(), nil)
	ctx := context.Background()

	_, err := s.Run(ctx, "echo up", 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// Run after Close spawns a new subprocess.
	res, err := s.Run(ctx, "echo again", 0)
	require.NoError(t, err)
	assert.Equal(t, "again\n", res.Output)
}
