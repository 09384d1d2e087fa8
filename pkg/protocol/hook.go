// Package protocol defines the wire formats shared between the harness and
// the agent runtime subprocess: the hook output envelope returned to the
// runtime after lifecycle events, and the newline-delimited JSON frames the
// runtime emits on stdout.
package protocol

import "encoding/json"

// Hook event names as they appear on the wire.
const (
	HookEventPreToolUse   = "PreToolUse"
	HookEventPostToolUse  = "PostToolUse"
	HookEventSessionStart = "SessionStart"
	HookEventStop         = "Stop"
)

// Permission decision values carried in the PreToolUse envelope.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// HookSpecificOutput carries per-event payload inside the envelope.
type HookSpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// HookEnvelope is the JSON object returned to the runtime after a hook chain
// runs. A chain that contributed nothing serialises as the empty object {}.
type HookEnvelope struct {
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
	PermissionDecision string              `json:"permissionDecision,omitempty"`
	Reason             string              `json:"reason,omitempty"`
}

// Empty reports whether the envelope serialises as {}.
func (e HookEnvelope) Empty() bool {
	return e.HookSpecificOutput == nil && e.PermissionDecision == "" && e.Reason == ""
}

// ContextEnvelope builds an envelope carrying only additional context for the
// named event. An empty context yields the empty envelope.
func ContextEnvelope(eventName, additionalContext string) HookEnvelope {
	if additionalContext == "" {
		return HookEnvelope{}
	}
	return HookEnvelope{
		HookSpecificOutput: &HookSpecificOutput{
			HookEventName:     eventName,
			AdditionalContext: additionalContext,
		},
	}
}

// DecisionEnvelope builds an envelope carrying a permission decision,
// optionally with context gathered by the chain.
func DecisionEnvelope(eventName, decision, reason, additionalContext string) HookEnvelope {
	env := ContextEnvelope(eventName, additionalContext)
	env.PermissionDecision = decision
	env.Reason = reason
	return env
}

// Marshal serialises the envelope. The zero envelope becomes {} rather than
// an object with null members.
func (e HookEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
