package protocol

import "encoding/json"

// Frame types emitted by the runtime on stdout, one JSON object per line.
const (
	FrameSystem          = "system"
	FrameAssistant       = "assistant"
	FrameUser            = "user"
	FrameResult          = "result"
	FrameStreamEvent     = "stream_event"
	FrameControlRequest  = "control_request"
	FrameControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeInterrupt    = "interrupt"
	SubtypeInitialize   = "initialize"
	SubtypeSuccess      = "success"
	SubtypeError        = "error"
)

// Frame is one line of the runtime's stream. The type field selects which of
// the remaining fields carry data; readers must ignore unknown fields so the
// harness survives runtime upgrades.
type Frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system frames
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant / user frames
	Message *MessageBody `json:"message,omitempty"`

	// stream_event frames (partial deltas)
	Event *DeltaEvent `json:"event,omitempty"`

	// result frames (turn end)
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// control_request frames
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response frames
	Response *ControlResponse `json:"response,omitempty"`
}

// ResultText returns the result payload when it is a bare string.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil {
		return ""
	}
	return s
}

// MessageBody is the message payload of assistant and user frames.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is one block of an assistant or user message. The type field
// is one of text, thinking, tool_use, tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// DeltaEvent is a partial content update inside a stream_event frame.
type DeltaEvent struct {
	Type  string      `json:"type"`
	Index int         `json:"index,omitempty"`
	Delta *EventDelta `json:"delta,omitempty"`
}

// EventDelta carries the delta payload; type selects text_delta or
// thinking_delta.
type EventDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ControlRequest is the body of a control_request frame. The runtime uses it
// to ask the harness for a tool-use permission decision (can_use_tool) or to
// invoke a registered lifecycle hook (hook_callback).
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// initialize (harness → runtime): hook event names to call back on
	Hooks []string `json:"hooks,omitempty"`
}

// ControlResponse answers a control request. For can_use_tool the result is a
// PermissionResult; for hook_callback it is a HookEnvelope.
type ControlResponse struct {
	Subtype string `json:"subtype"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PermissionResult behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionResult carries the harness's decision back to the runtime.
type PermissionResult struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message,omitempty"`
	Interrupt *bool  `json:"interrupt,omitempty"`
}

// UserTurn is written to the runtime's stdin to start a turn.
type UserTurn struct {
	Type    string       `json:"type"`
	Message UserTurnBody `json:"message"`
}

// UserTurnBody is the content of a user turn.
type UserTurnBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserTurn builds a user-turn frame for the given prompt.
func NewUserTurn(content string) UserTurn {
	return UserTurn{Type: FrameUser, Message: UserTurnBody{Role: "user", Content: content}}
}

// OutboundControlRequest is a control request sent from harness to runtime
// (interrupt, initialize).
type OutboundControlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   ControlRequest `json:"request"`
}

// OutboundControlResponse wraps a ControlResponse for the runtime's stdin.
type OutboundControlResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Response  ControlResponse `json:"response"`
}

// Native tool names of the runtime, as seen in tool_use blocks and
// can_use_tool requests. The permission classifier keys off these.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolLS           = "LS"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)
