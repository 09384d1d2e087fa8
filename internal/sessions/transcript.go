// Package sessions handles the parts of an agent's life that outlast a single
// conversation: the transcript archive under logs/conversations/, the handoff
// and recap carried into the next session, the session-end summary, and the
// git auto-commit of the memory home.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
)

// Event is one transcript line: a runtime event with its arrival time.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// Transcript appends runtime events to the session's conversation log, one
// JSON object per line. Safe for concurrent use.
type Transcript struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenTranscript opens logs/conversations/<date>-<agent_id>.jsonl for append,
// creating the directory as needed. A second session on the same day appends
// to the same file.
func OpenTranscript(h home.Home, agentID string, now time.Time) (*Transcript, error) {
	dir := h.ConversationsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("conversations dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", now.Format("2006-01-02"), agentID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &Transcript{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the transcript file's location.
func (t *Transcript) Path() string { return t.path }

// Append records one event. The timestamp is set at append time.
func (t *Transcript) Append(kind string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return os.ErrClosed
	}
	return t.enc.Encode(Event{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Kind:      kind,
		Payload:   payload,
	})
}

// Close flushes and closes the underlying file. Further appends fail.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	t.enc = nil
	return err
}
