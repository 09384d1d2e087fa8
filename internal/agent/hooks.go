package agent

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaselby/aleph-harness/internal/hooks"
	"github.com/kaselby/aleph-harness/internal/permission"
	"github.com/kaselby/aleph-harness/internal/usage"
	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// registerHooks wires the session's own hook handlers. The dispatcher's
// chains are registered separately by New.
func (s *Session) registerHooks() {
	s.bus.Register(protocol.HookEventPreToolUse, "agent.tool-start", s.onToolStart)
	s.bus.Register(protocol.HookEventPostToolUse, "agent.accounting", s.onToolDone)
	s.bus.Register(protocol.HookEventPostToolUse, "agent.read-tracking", s.onInboxRead)
}

// onToolStart stamps the call begin time. Tool calls within one agent are
// strictly sequential, a single in-flight slot is enough.
func (s *Session) onToolStart(_ context.Context, req *hooks.Request) (hooks.Response, error) {
	s.mu.Lock()
	s.toolName = req.ToolName
	s.toolStart = time.Now().UTC()
	s.mu.Unlock()
	return hooks.Response{}, nil
}

// onToolDone writes the usage row and closes the per-call span.
func (s *Session) onToolDone(ctx context.Context, req *hooks.Request) (hooks.Response, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	started := s.toolStart
	matched := s.toolName == req.ToolName && !started.IsZero()
	outcome, ok := s.outcomes[req.ToolName]
	s.toolName = ""
	s.toolStart = time.Time{}
	s.mu.Unlock()

	var elapsed time.Duration
	if matched {
		elapsed = now.Sub(started)
	} else {
		started = now
	}
	if !ok {
		outcome = protocol.BehaviorAllow
	}

	_, span := s.tracer.Start(ctx, "tool "+req.ToolName, trace.WithTimestamp(started))
	span.SetAttributes(
		attribute.String("tool.name", req.ToolName),
		attribute.Bool("tool.errored", req.ToolError),
	)
	span.End(trace.WithTimestamp(now))

	s.recordUsage(ctx, usage.Call{
		Tool:      req.ToolName,
		Class:     permission.Classify(req.ToolName),
		Outcome:   outcome,
		Duration:  elapsed,
		Errored:   req.ToolError,
		StartedAt: started,
	})
	return hooks.Response{}, nil
}

// onInboxRead marks a message consumed when the agent Reads its file
// directly instead of calling mark_read.
func (s *Session) onInboxRead(ctx context.Context, req *hooks.Request) (hooks.Response, error) {
	if req.ToolName != protocol.ToolRead || req.ToolError {
		return hooks.Response{}, nil
	}
	path, _ := req.ToolInput["file_path"].(string)
	dir := s.cfg.Home.InboxDir(s.cfg.AgentID)
	if path == "" || filepath.Dir(path) != dir || !strings.HasSuffix(path, ".md") {
		return hooks.Response{}, nil
	}

	id := strings.TrimSuffix(filepath.Base(path), ".md")
	if err := s.cfg.Inbox.MarkRead(ctx, s.cfg.AgentID, id); err != nil {
		slog.Warn("read tracking failed", "component", "agent", "message", id, "error", err)
	}
	return hooks.Response{}, nil
}
