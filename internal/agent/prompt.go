package agent

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kaselby/aleph-harness/internal/sessions"
	"github.com/kaselby/aleph-harness/internal/tools"
)

// buildSystemPrompt assembles the runtime's appended system prompt: the
// ALEPH.md body with the tool catalogue expanded, the session identity
// block, memory context, and for persistent sessions the handoff and recap.
// Calling it consumes the handoff file.
func (s *Session) buildSystemPrompt(now time.Time) string {
	var b strings.Builder

	base, err := os.ReadFile(s.cfg.Home.SystemPromptPath())
	if err != nil {
		slog.Warn("system prompt missing, using identity block only",
			"component", "agent", "path", s.cfg.Home.SystemPromptPath(), "error", err)
	}
	body := string(base)

	var scripts []tools.Script
	if s.cfg.Runner != nil {
		if scripts, err = s.cfg.Runner.Scripts(); err != nil {
			slog.Warn("tool discovery failed", "component", "agent", "error", err)
		}
	}
	b.WriteString(tools.ExpandDescriptions(body, scripts))

	b.WriteString(s.identityBlock(now))

	if ctxBody, err := os.ReadFile(s.cfg.Home.ContextPath()); err == nil {
		if text := strings.TrimSpace(string(ctxBody)); text != "" {
			b.WriteString("\n\n## Shared Context\n\n")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}

	if !s.cfg.Ephemeral {
		cont, err := sessions.LoadContinuity(s.cfg.Home)
		if err != nil {
			slog.Warn("continuity load failed", "component", "agent", "error", err)
		}
		b.WriteString(cont.Render())
	}

	return b.String()
}

func (s *Session) identityBlock(now time.Time) string {
	var b strings.Builder
	b.WriteString("\n\n## This Session\n\n")
	fmt.Fprintf(&b, "- You are agent `%s`", s.cfg.AgentID)
	if s.cfg.Role != "" {
		fmt.Fprintf(&b, ", acting as %s", s.cfg.Role)
	}
	b.WriteString(".\n")
	if s.cfg.Parent != "" {
		fmt.Fprintf(&b, "- Spawned by `%s` at depth %d; report results back with send_message.\n",
			s.cfg.Parent, s.cfg.Depth)
	}
	if s.cfg.Project != "" {
		fmt.Fprintf(&b, "- Project directory: %s\n", s.cfg.Project)
	}
	fmt.Fprintf(&b, "- Permission mode: %s.\n", s.cfg.Mode)
	fmt.Fprintf(&b, "- Date: %s.\n", now.Format("Monday, 2006-01-02"))
	if s.cfg.Ephemeral {
		b.WriteString("- This session is ephemeral: do not write memory files or session summaries.\n")
	}
	b.WriteString("- Coordinate with other agents through the aleph tools: " +
		"check_messages, send_message, broadcast, the task board, spawn_agent.\n")
	return b.String()
}
