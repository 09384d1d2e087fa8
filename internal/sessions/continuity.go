package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kaselby/aleph-harness/internal/home"
)

// recapMaxLines bounds how much of the latest session summary is injected
// into the next session's system context.
const recapMaxLines = 40

// Continuity is the context carried forward from previous sessions: the
// handoff document an ending agent left behind, and a recap of the most
// recent session summary.
type Continuity struct {
	Handoff string
	Recap   string
}

// LoadContinuity gathers handoff and recap for a fresh session. Reading the
// handoff consumes it: the file is deleted so a later session does not see a
// stale document. Callers resuming an existing conversation or running
// ephemeral must not call this.
func LoadContinuity(h home.Home) (Continuity, error) {
	handoff, err := consumeHandoff(h)
	if err != nil {
		return Continuity{}, err
	}
	recap, err := latestRecap(h)
	if err != nil {
		return Continuity{}, err
	}
	return Continuity{Handoff: handoff, Recap: recap}, nil
}

// Empty reports whether there is nothing to carry forward.
func (c Continuity) Empty() bool { return c.Handoff == "" && c.Recap == "" }

// Render formats the continuity block for the system prompt. Empty
// continuity renders as "".
func (c Continuity) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n---\n## Session Continuity\n\n")
	b.WriteString("The following is context carried forward from previous sessions. " +
		"Use it to orient yourself: what was recently worked on, what state " +
		"things are in, and anything left unfinished.\n\n")
	if c.Handoff != "" {
		b.WriteString("### Handoff\n\n")
		b.WriteString(c.Handoff)
		b.WriteString("\n\n")
	}
	if c.Recap != "" {
		b.WriteString("### Last Session\n\n")
		b.WriteString(c.Recap)
		b.WriteString("\n")
	}
	return b.String()
}

func consumeHandoff(h home.Home) (string, error) {
	data, err := os.ReadFile(h.HandoffPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read handoff: %w", err)
	}
	if err := os.Remove(h.HandoffPath()); err != nil {
		slog.Warn("could not remove consumed handoff", "component", "sessions", "error", err)
	}
	return string(data), nil
}

// latestRecap returns the first lines of the newest summary under
// memory/sessions/. Summary filenames start with the date, so a plain name
// sort finds the most recent one.
func latestRecap(h home.Home) (string, error) {
	entries, err := os.ReadDir(h.SessionsDir())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sessions dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	newest := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(h.SessionsDir(), newest))
	if err != nil {
		return "", fmt.Errorf("read summary %s: %w", newest, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > recapMaxLines {
		lines = append(lines[:recapMaxLines], "[...]")
	}
	return strings.Join(lines, "\n"), nil
}
