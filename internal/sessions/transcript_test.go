package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/home"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestTranscriptAppendsEvents(t *testing.T) {
	h := home.At(t.TempDir())
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	tr, err := OpenTranscript(h, "main", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.ConversationsDir(), "2026-03-14-main.jsonl"), tr.Path())

	require.NoError(t, tr.Append("turn_start", map[string]any{"turn": 1}))
	require.NoError(t, tr.Append("tool_call", map[string]any{"tool": "Bash"}))
	require.NoError(t, tr.Close())

	events := readEvents(t, tr.Path())
	require.Len(t, events, 2)
	assert.Equal(t, "turn_start", events[0].Kind)
	assert.Equal(t, "tool_call", events[1].Kind)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestTranscriptReopenAppends(t *testing.T) {
	h := home.At(t.TempDir())
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	tr, err := OpenTranscript(h, "main", now)
	require.NoError(t, err)
	require.NoError(t, tr.Append("session_start", nil))
	require.NoError(t, tr.Close())

	tr, err = OpenTranscript(h, "main", now)
	require.NoError(t, err)
	require.NoError(t, tr.Append("session_start", nil))
	require.NoError(t, tr.Close())

	assert.Len(t, readEvents(t, tr.Path()), 2)
}

func TestTranscriptCloseIdempotent(t *testing.T) {
	h := home.At(t.TempDir())
	tr, err := OpenTranscript(h, "main", time.Now())
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Append("late", nil), os.ErrClosed)
}
