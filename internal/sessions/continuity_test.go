package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/home"
)

func TestLoadContinuityConsumesHandoff(t *testing.T) {
	h := home.At(t.TempDir())
	require.NoError(t, os.MkdirAll(h.MemoryDir(), 0o755))
	require.NoError(t, os.WriteFile(h.HandoffPath(), []byte("Pick up the rebase."), 0o644))

	c, err := LoadContinuity(h)
	require.NoError(t, err)
	assert.Equal(t, "Pick up the rebase.", c.Handoff)
	assert.NoFileExists(t, h.HandoffPath())

	// The next session finds nothing left to consume.
	c, err = LoadContinuity(h)
	require.NoError(t, err)
	assert.Empty(t, c.Handoff)
}

func TestLoadContinuityEmptyHome(t *testing.T) {
	h := home.At(t.TempDir())

	c, err := LoadContinuity(h)
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Empty(t, c.Render())
}

func TestRecapPicksNewestSummary(t *testing.T) {
	h := home.At(t.TempDir())
	require.NoError(t, os.MkdirAll(h.SessionsDir(), 0o755))
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(h.SessionsDir(), name), []byte(content), 0o644))
	}
	write("2026-08-20-main.md", "old session notes")
	write("2026-08-24-main.md", "fresh session notes")
	write("notes.txt", "not a summary")

	c, err := LoadContinuity(h)
	require.NoError(t, err)
	assert.Equal(t, "fresh session notes", c.Recap)
}

func TestRecapTruncatesLongSummaries(t *testing.T) {
	h := home.At(t.TempDir())
	require.NoError(t, os.MkdirAll(h.SessionsDir(), 0o755))
	long := strings.Repeat("line\n", 100)
	require.NoError(t, os.WriteFile(
		filepath.Join(h.SessionsDir(), "2026-08-24-main.md"), []byte(long), 0o644))

	c, err := LoadContinuity(h)
	require.NoError(t, err)
	lines := strings.Split(c.Recap, "\n")
	require.Len(t, lines, recapMaxLines+1)
	assert.Equal(t, "[...]", lines[len(lines)-1])
}

func TestRenderIncludesSections(t *testing.T) {
	c := Continuity{Handoff: "finish the migration", Recap: "# yesterday"}

	out := c.Render()
	assert.Contains(t, out, "## Session Continuity")
	assert.Contains(t, out, "### Handoff")
	assert.Contains(t, out, "finish the migration")
	assert.Contains(t, out, "### Last Session")
	assert.Contains(t, out, "# yesterday")
}
