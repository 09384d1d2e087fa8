package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/platform"
	"github.com/kaselby/aleph-harness/internal/registry"
)

// SummaryPath is where the session summary for agentID lands on the given day.
func SummaryPath(h home.Home, agentID string, now time.Time) string {
	return filepath.Join(h.SessionsDir(),
		fmt.Sprintf("%s-%s.md", now.Format("2006-01-02"), agentID))
}

// SummaryPrompt is the final synthetic user turn sent before shutdown: update
// the memory files, then write a session summary.
func SummaryPrompt(h home.Home, agentID string, now time.Time) string {
	today := now.Format("2006-01-02")
	stamp := now.Format("2006-01-02T15:04:05")
	memory := h.MemoryDir()
	path := SummaryPath(h, agentID, now)

	var b strings.Builder
	b.WriteString("[Session ending] Before writing the session summary, reflect on " +
		"what you learned this session and update your memory files.\n\n")
	b.WriteString("## Step 1: Memory updates\n\n")
	b.WriteString("Review the session and update each file as needed:\n\n")
	fmt.Fprintf(&b, "- **%s/preferences.md** — Did the user express any preferences "+
		"about how they like to work, communicate, or make decisions? What about "+
		"tool preferences, style preferences, or opinions? Add anything new.\n", memory)
	fmt.Fprintf(&b, "- **%s/patterns.md** — Did you learn any lessons? Hit any gotchas "+
		"or anti-patterns? Discover something that worked well? Did the user correct "+
		"you on something? Add it.\n", memory)
	fmt.Fprintf(&b, "- **%s/context.md** — Did you learn any durable knowledge worth "+
		"persisting? New project facts, key references, important architectural "+
		"details? This is for things you always want to know, not recent state. "+
		"Keep it under 50 lines.\n", memory)
	b.WriteString("- **Project memory** — If you worked on a project, does its " +
		"memory.md need updating with anything you learned about the codebase, " +
		"architecture, or conventions?\n\n")
	b.WriteString("Don't skip this step. Even small observations compound over time. " +
		"If genuinely nothing was learned, that's fine, but think about it first.\n\n")
	b.WriteString("## Step 2: Session summary\n\n")
	fmt.Fprintf(&b, "Write a brief session summary to %s. ", path)
	b.WriteString("Start with YAML frontmatter, then the content:\n\n")
	fmt.Fprintf(&b, "```\n---\nagent: %s\ntimestamp: %s\n---\n", agentID, stamp)
	fmt.Fprintf(&b, "# %s — <brief title> (%s)\n\n", today, agentID)
	b.WriteString("## Summary\n(1-2 sentences)\n\n")
	b.WriteString("## Decisions\n(key decisions made, if any)\n\n")
	b.WriteString("## Changes\n(what was built, modified, or configured)\n\n")
	b.WriteString("## Open threads\n(what's unfinished or needs follow-up)\n```\n")
	return b.String()
}

// WriteStubSummary records a minimal summary from registry metadata when the
// summary turn itself cannot run, typically because the context overflowed or
// the runtime was already gone. Existing summaries are not overwritten.
func WriteStubSummary(h home.Home, rec registry.Record, reason string, now time.Time) error {
	path := SummaryPath(h, rec.AgentID, now)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(h.SessionsDir(), 0o755); err != nil {
		return fmt.Errorf("sessions dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "---\nagent: %s\ntimestamp: %s\n---\n",
		rec.AgentID, now.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, "# %s — session ended without summary (%s)\n\n",
		now.Format("2006-01-02"), rec.AgentID)
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "No model-written summary: %s.\n\n", reason)
	if rec.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", rec.Role)
	}
	if rec.Project != "" {
		fmt.Fprintf(&b, "Project: %s\n", rec.Project)
	}
	if !rec.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", rec.StartedAt.Format(time.RFC3339))
	}
	return platform.AtomicWrite(path, []byte(b.String()), 0o644)
}
