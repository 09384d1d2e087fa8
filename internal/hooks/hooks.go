// Package hooks runs ordered handler chains on agent lifecycle events and
// folds their responses into a single protocol envelope.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// Request carries one lifecycle event through a hook chain.
type Request struct {
	Event      string         // protocol.HookEvent* name
	AgentID    string
	SessionID  string
	ToolName   string         // PreToolUse, PostToolUse
	ToolInput  map[string]any // PreToolUse, PostToolUse
	ToolOutput string         // PostToolUse only
	ToolError  bool           // PostToolUse only: the tool itself failed
}

// Response is one handler's contribution. The zero value defers: no decision,
// no context, the chain moves on.
type Response struct {
	Decision string // protocol.DecisionAllow or DecisionDeny; "" defers
	Reason   string
	Context  string // injected into the conversation as additional context
}

// Handler inspects an event. Handlers run in registration order; an error is
// logged and treated as a deferral so one broken hook cannot wedge the chain.
type Handler func(ctx context.Context, req *Request) (Response, error)

type registration struct {
	name string
	fn   Handler
}

// Bus holds the per-event handler chains.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]registration)}
}

// Register appends a named handler to the event's chain.
func (b *Bus) Register(event, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], registration{name: name, fn: fn})
}

// Events returns every event name with at least one handler.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for event := range b.handlers {
		names = append(names, event)
	}
	return names
}

// Outcome aggregates a chain run. Every handler gets to contribute context;
// the first handler that does not defer supplies the decision.
type Outcome struct {
	Decision  string
	Reason    string
	DecidedBy string
	contexts  []string
}

// Context joins the chain's context contributions, blank-line separated.
func (o Outcome) Context() string {
	return strings.Join(o.contexts, "\n\n")
}

// Envelope renders the outcome in the runtime's hook output format. A run
// that contributed nothing yields the empty envelope.
func (o Outcome) Envelope(event string) protocol.HookEnvelope {
	if o.Decision != "" {
		return protocol.DecisionEnvelope(event, o.Decision, o.Reason, o.Context())
	}
	return protocol.ContextEnvelope(event, o.Context())
}

// Run executes the event's chain in registration order. All handlers run
// even after a decision lands, so later hooks still observe the event and
// contribute context.
func (b *Bus) Run(ctx context.Context, req *Request) Outcome {
	b.mu.RLock()
	chain := b.handlers[req.Event]
	b.mu.RUnlock()

	var out Outcome
	for _, reg := range chain {
		resp, err := reg.fn(ctx, req)
		if err != nil {
			slog.Warn("hook failed, deferring",
				"component", "hooks", "event", req.Event, "hook", reg.name, "error", err)
			continue
		}
		if resp.Context != "" {
			out.contexts = append(out.contexts, resp.Context)
		}
		if out.Decision == "" && resp.Decision != "" {
			out.Decision = resp.Decision
			out.Reason = resp.Reason
			out.DecidedBy = reg.name
		}
	}
	return out
}
