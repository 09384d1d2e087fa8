package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kaselby/aleph-harness/internal/hooks"
	"github.com/kaselby/aleph-harness/internal/permission"
	"github.com/kaselby/aleph-harness/internal/usage"
	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// onControlRequest runs on the client's read goroutine; the real work moves
// off it immediately so a pending permission prompt cannot stall the stream.
func (s *Session) onControlRequest(requestID string, req *protocol.ControlRequest) {
	go s.routeControl(requestID, req)
}

func (s *Session) routeControl(requestID string, req *protocol.ControlRequest) {
	switch req.Subtype {
	case protocol.SubtypeCanUseTool:
		s.decidePermission(requestID, req)
	case protocol.SubtypeHookCallback:
		s.runHookChain(requestID, req)
	default:
		slog.Warn("unsupported control request", "component", "agent",
			"subtype", req.Subtype, "request_id", requestID)
		s.respond(requestID, protocol.ControlResponse{
			Subtype: protocol.SubtypeError,
			Error:   "unsupported control request: " + req.Subtype,
		})
	}
}

func (s *Session) decidePermission(requestID string, req *protocol.ControlRequest) {
	ctx, span := s.tracer.Start(s.runCtx, "permission")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", req.ToolName))

	result, err := s.cfg.Arbiter.Decide(ctx, req.ToolName, req.Input)
	if err != nil {
		s.respond(requestID, protocol.ControlResponse{
			Subtype: protocol.SubtypeError,
			Error:   err.Error(),
		})
		return
	}
	span.SetAttributes(attribute.String("permission.behavior", result.Behavior))

	s.mu.Lock()
	s.outcomes[req.ToolName] = result.Behavior
	s.mu.Unlock()

	if result.Behavior == protocol.BehaviorDeny {
		s.emit(Event{Type: EventBanner, Text: result.Message, IsError: true})
		s.recordUsage(ctx, usage.Call{
			Tool:      req.ToolName,
			Class:     permission.Classify(req.ToolName),
			Outcome:   result.Behavior,
			StartedAt: time.Now().UTC(),
		})
	}

	s.respond(requestID, protocol.ControlResponse{
		Subtype: protocol.SubtypeSuccess,
		Result:  result,
	})
}

func (s *Session) runHookChain(requestID string, req *protocol.ControlRequest) {
	hreq := s.decodeHookRequest(req)
	if hreq.Event == "" {
		s.respond(requestID, protocol.ControlResponse{
			Subtype: protocol.SubtypeError,
			Error:   "hook callback without event name",
		})
		return
	}

	ctx, span := s.tracer.Start(s.runCtx, "hooks."+hreq.Event)
	defer span.End()

	s.hookMu.Lock()
	outcome := s.bus.Run(ctx, hreq)
	s.hookMu.Unlock()

	if outcome.Decision != "" {
		span.SetAttributes(
			attribute.String("hook.decision", outcome.Decision),
			attribute.String("hook.decided_by", outcome.DecidedBy),
		)
	}

	s.respond(requestID, protocol.ControlResponse{
		Subtype: protocol.SubtypeSuccess,
		Result:  outcome.Envelope(hreq.Event),
	})
}

// decodeHookRequest maps the runtime's hook_input payload onto the bus
// request. Fields live either on the control request itself or inside
// hook_input, depending on runtime version; both are accepted.
func (s *Session) decodeHookRequest(req *protocol.ControlRequest) *hooks.Request {
	hreq := &hooks.Request{
		Event:     req.HookName,
		AgentID:   s.cfg.AgentID,
		SessionID: s.SessionID(),
		ToolName:  req.ToolName,
		ToolInput: req.Input,
	}

	in := req.HookInput
	if in == nil {
		return hreq
	}
	if hreq.Event == "" {
		hreq.Event, _ = in["hook_event_name"].(string)
	}
	if hreq.ToolName == "" {
		hreq.ToolName, _ = in["tool_name"].(string)
	}
	if hreq.ToolInput == nil {
		hreq.ToolInput, _ = in["tool_input"].(map[string]any)
	}
	switch resp := in["tool_response"].(type) {
	case nil:
	case string:
		hreq.ToolOutput = resp
	case map[string]any:
		if isErr, ok := resp["is_error"].(bool); ok {
			hreq.ToolError = isErr
		}
		raw, err := json.Marshal(resp)
		if err == nil {
			hreq.ToolOutput = string(raw)
		}
	default:
		if raw, err := json.Marshal(resp); err == nil {
			hreq.ToolOutput = string(raw)
		}
	}
	return hreq
}

func (s *Session) respond(requestID string, resp protocol.ControlResponse) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		slog.Warn("control response with no runtime", "component", "agent", "request_id", requestID)
		return
	}
	if err := client.RespondControl(requestID, resp); err != nil {
		slog.Warn("control response failed", "component", "agent",
			"request_id", requestID, "error", err)
	}
}

func (s *Session) recordUsage(ctx context.Context, call usage.Call) {
	if s.cfg.Usage == nil {
		return
	}
	call.AgentID = s.cfg.AgentID
	call.SessionID = s.SessionID()
	call.Turn = int(s.turns.Load()) + 1
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now().UTC()
	}
	if err := s.cfg.Usage.Record(ctx, call); err != nil {
		slog.Warn("usage record failed", "component", "agent", "tool", call.Tool, "error", err)
	}
}
