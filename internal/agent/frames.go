package agent

import (
	"fmt"
	"log/slog"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kaselby/aleph-harness/pkg/protocol"
)

const detailWidth = 96

// onFrame routes one stream frame: archive, UI events, busy/idle edges.
// Runs on the client's read goroutine, so it must not block.
func (s *Session) onFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameSystem:
		s.onSystem(frame)
	case protocol.FrameAssistant:
		s.onAssistant(frame)
	case protocol.FrameUser:
		s.onUser(frame)
	case protocol.FrameStreamEvent:
		s.onDelta(frame)
	case protocol.FrameResult:
		s.onResult(frame)
	}
}

func (s *Session) onSystem(frame *protocol.Frame) {
	if frame.SessionID != "" {
		s.mu.Lock()
		s.sessionID = frame.SessionID
		s.mu.Unlock()
	}
	slog.Debug("runtime session", "component", "agent",
		"subtype", frame.Subtype, "session_id", frame.SessionID, "model", frame.Model)
	s.record("system", map[string]any{
		"subtype": frame.Subtype, "session_id": frame.SessionID, "model": frame.Model,
	})
}

func (s *Session) onAssistant(frame *protocol.Frame) {
	if frame.Message == nil {
		return
	}
	s.record("assistant", frame.Message)

	s.mu.Lock()
	streamed := s.sawDelta
	s.mu.Unlock()

	for _, block := range frame.Message.Content {
		switch block.Type {
		case "text":
			// Already rendered from deltas when the runtime streams.
			if !streamed && block.Text != "" {
				s.emit(Event{Type: EventText, Text: block.Text})
			}
		case "tool_use":
			s.emit(Event{Type: EventToolUse, Tool: block.Name, Detail: toolDetail(block.Name, block.Input)})
		}
	}
}

func (s *Session) onUser(frame *protocol.Frame) {
	if frame.Message == nil {
		return
	}
	s.record("user", frame.Message)
	for _, block := range frame.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		s.emit(Event{
			Type:    EventToolResult,
			Detail:  runewidth.Truncate(firstLine(block.Content), detailWidth, "…"),
			IsError: block.IsError,
		})
	}
}

func (s *Session) onDelta(frame *protocol.Frame) {
	if frame.Event == nil || frame.Event.Delta == nil {
		return
	}
	s.mu.Lock()
	s.sawDelta = true
	s.mu.Unlock()

	switch frame.Event.Delta.Type {
	case "text_delta":
		s.emit(Event{Type: EventText, Text: frame.Event.Delta.Text})
	case "thinking_delta":
		s.emit(Event{Type: EventThinking, Text: frame.Event.Delta.Thinking})
	}
}

func (s *Session) onResult(frame *protocol.Frame) {
	s.turns.Add(1)

	s.mu.Lock()
	s.busy = false
	s.sawDelta = false
	span := s.turnSpan
	s.turnSpan = nil
	s.mu.Unlock()

	if span != nil {
		span.SetAttributes(
			attribute.Bool("turn.is_error", frame.IsError),
			attribute.Int64("turn.duration_ms", frame.DurationMS),
		)
		span.End()
	}

	s.cfg.Dispatcher.SetBusy(false)
	s.record("result", map[string]any{
		"is_error": frame.IsError, "duration_ms": frame.DurationMS, "num_turns": frame.NumTurns,
	})
	s.emit(Event{Type: EventTurnEnd, Detail: frame.ResultText(), IsError: frame.IsError})

	select {
	case s.turnDone <- struct{}{}:
	default:
	}
}

// toolDetail renders the one-line input summary shown next to a tool name.
func toolDetail(name string, input map[string]any) string {
	var detail string
	switch name {
	case protocol.ToolBash:
		detail, _ = input["command"].(string)
	case protocol.ToolRead, protocol.ToolWrite, protocol.ToolEdit,
		protocol.ToolMultiEdit, protocol.ToolNotebookEdit:
		detail, _ = input["file_path"].(string)
	case protocol.ToolGlob, protocol.ToolGrep:
		detail, _ = input["pattern"].(string)
	case protocol.ToolWebFetch:
		detail, _ = input["url"].(string)
	case protocol.ToolWebSearch:
		detail, _ = input["query"].(string)
	default:
		for _, key := range []string{"to", "channel", "id", "name", "title", "description", "prompt"} {
			if v, ok := input[key].(string); ok && v != "" {
				detail = fmt.Sprintf("%s=%s", key, v)
				break
			}
		}
	}
	return runewidth.Truncate(firstLine(detail), detailWidth, "…")
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
