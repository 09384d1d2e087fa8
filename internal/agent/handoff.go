package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/platform"
)

// writeEmergencyHandoff leaves a crash note at memory/handoff.md for the
// next session. A handoff the model already wrote is kept; the note is
// appended after it.
func writeEmergencyHandoff(h home.Home, agentID, reason string, now time.Time) error {
	note := fmt.Sprintf(
		"## Emergency handoff (%s)\n\nSession `%s` ended abnormally at %s: %s.\n"+
			"Check `git log` in the memory repository and the task board for in-flight work.\n",
		now.Format("2006-01-02"), agentID, now.Format(time.RFC3339), reason)

	if existing, err := os.ReadFile(h.HandoffPath()); err == nil && len(existing) > 0 {
		note = string(existing) + "\n\n---\n\n" + note
	}

	if err := os.MkdirAll(h.MemoryDir(), 0o755); err != nil {
		return err
	}
	return platform.AtomicWrite(h.HandoffPath(), []byte(note), 0o644)
}
