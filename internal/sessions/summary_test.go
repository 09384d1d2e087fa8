package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/registry"
)

func TestSummaryPromptNamesPath(t *testing.T) {
	h := home.At(filepath.Join("/srv", "aleph"))
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	p := SummaryPrompt(h, "main", now)
	assert.Contains(t, p, "[Session ending]")
	assert.Contains(t, p, filepath.Join("/srv", "aleph", "memory", "sessions", "2026-08-25-main.md"))
	assert.Contains(t, p, "agent: main")
	assert.Contains(t, p, "preferences.md")
	assert.Contains(t, p, "## Open threads")
}

func TestWriteStubSummary(t *testing.T) {
	h := home.At(t.TempDir())
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	rec := registry.Record{
		AgentID: "main", Role: "lead", Project: "/work/repo",
		StartedAt: now.Add(-2 * time.Hour),
	}

	require.NoError(t, WriteStubSummary(h, rec, "context overflow", now))

	data, err := os.ReadFile(SummaryPath(h, "main", now))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "agent: main")
	assert.Contains(t, text, "context overflow")
	assert.Contains(t, text, "Role: lead")
	assert.Contains(t, text, "Project: /work/repo")
}

func TestWriteStubSummaryKeepsExisting(t *testing.T) {
	h := home.At(t.TempDir())
	now := time.Now()
	require.NoError(t, os.MkdirAll(h.SessionsDir(), 0o755))
	path := SummaryPath(h, "main", now)
	require.NoError(t, os.WriteFile(path, []byte("the real summary"), 0o644))

	require.NoError(t, WriteStubSummary(h, registry.Record{AgentID: "main"}, "late stub", now))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "the real summary", string(data))
}
