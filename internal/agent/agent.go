// Package agent assembles one running agent: the runtime subprocess, the
// permission arbiter, the hook bus, the push dispatcher and the session
// bookkeeping, glued together by an event loop over the runtime's frame
// stream.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kaselby/aleph-harness/internal/channels"
	"github.com/kaselby/aleph-harness/internal/config"
	"github.com/kaselby/aleph-harness/internal/dispatch"
	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/hooks"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/mcp"
	"github.com/kaselby/aleph-harness/internal/permission"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/runtime"
	"github.com/kaselby/aleph-harness/internal/sessions"
	"github.com/kaselby/aleph-harness/internal/taskboard"
	"github.com/kaselby/aleph-harness/internal/tools"
	"github.com/kaselby/aleph-harness/internal/tracing"
	"github.com/kaselby/aleph-harness/internal/usage"
)

// Event types emitted to the front.
const (
	EventText       = "text"        // assistant text delta or block
	EventThinking   = "thinking"    // reasoning delta
	EventToolUse    = "tool_use"    // runtime started a tool call
	EventToolResult = "tool_result" // tool call finished
	EventTurnEnd    = "turn_end"    // result frame: the turn is over
	EventBanner     = "banner"      // harness status line
)

// Event is one observable moment of the session. The front decides how (and
// whether) to render each type.
type Event struct {
	Type    string
	Text    string // EventText, EventThinking, EventBanner
	Tool    string // EventToolUse
	Detail  string // EventToolUse: input summary; EventToolResult/TurnEnd: output
	IsError bool
}

// Input supplies user turns, normally lines read from the terminal. Next
// blocks until a line is available and returns io.EOF when the input is
// closed; a detached session runs with no Input at all.
type Input interface {
	Next(ctx context.Context) (string, error)
}

// SessionConfig wires one agent session. All service fields are required
// unless noted.
type SessionConfig struct {
	AgentID   string
	Role      string
	Parent    string
	Depth     int
	Mode      string
	Project   string // runtime working directory; empty inherits the harness cwd
	Prompt    string // initial task, submitted as the first turn
	Model     string // resolved runtime model identifier
	Ephemeral bool   // skip summary, memory commit and handoff consumption

	Home   home.Home
	Config *config.Config

	Inbox      *inbox.Service
	Channels   *channels.Service
	Board      *taskboard.Board
	Registry   *registry.Registry
	Spawner    *registry.Spawner
	Runner     *tools.Runner
	Tools      *mcp.Server
	Arbiter    *permission.Arbiter
	Dispatcher *dispatch.Dispatcher
	Usage      *usage.Store // optional; nil disables accounting

	Input   Input       // optional; nil means detached
	OnEvent func(Event) // optional; nil means silent
}

// Session is one live agent. Create with New, drive with Run.
type Session struct {
	cfg    SessionConfig
	bus    *hooks.Bus
	tracer trace.Tracer

	mu        sync.Mutex
	client    *runtime.Client
	proc      *runtime.Process
	sessionID string
	busy      bool
	sawDelta  bool // stream deltas seen this turn; assistant text blocks are then duplicates
	toolName  string
	toolStart time.Time
	turnSpan  trace.Span
	outcomes  map[string]string // last permission behavior per tool name

	turns    atomic.Int64
	turnDone chan struct{}

	runCtx     context.Context
	transcript *sessions.Transcript
	started    time.Time

	// hookMu serialises hook chains: per-agent hook ordering is part of the
	// delivery contract.
	hookMu sync.Mutex

	summaryTimeout time.Duration
}

// New validates the wiring and registers the hook chains. The session does
// not touch the filesystem until Run.
func New(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.AgentID == "":
		return nil, errors.New("agent: missing agent id")
	case cfg.Config == nil:
		return nil, errors.New("agent: missing config")
	case cfg.Inbox == nil || cfg.Registry == nil || cfg.Tools == nil:
		return nil, errors.New("agent: missing services")
	case cfg.Arbiter == nil:
		return nil, errors.New("agent: missing arbiter")
	case cfg.Dispatcher == nil:
		return nil, errors.New("agent: missing dispatcher")
	}

	s := &Session{
		cfg:            cfg,
		bus:            hooks.NewBus(),
		tracer:         tracing.Tracer("aleph/agent"),
		outcomes:       make(map[string]string),
		turnDone:       make(chan struct{}, 1),
		runCtx:         context.Background(),
		summaryTimeout: 2 * time.Minute,
	}
	cfg.Dispatcher.RegisterHooks(s.bus)
	s.registerHooks()
	return s, nil
}

// SubmitUserTurn injects a user turn into the running session. It is the
// dispatcher's injection point as well as the front's.
func (s *Session) SubmitUserTurn(ctx context.Context, content string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("runtime not attached")
	}
	if err := client.SubmitUserTurn(ctx, content); err != nil {
		return err
	}
	s.beginTurn()
	return nil
}

// Interrupt stops the current turn: a pending permission prompt resolves as
// deny and the runtime is told to stop generating.
func (s *Session) Interrupt(ctx context.Context) error {
	s.cfg.Arbiter.Interrupt()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Interrupt(ctx)
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SessionID returns the runtime's session identifier, empty until the first
// system frame arrives.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) beginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	s.sawDelta = false
	if s.turnSpan == nil {
		_, s.turnSpan = s.tracer.Start(s.runCtx, "turn")
	}
	s.cfg.Dispatcher.SetBusy(true)
}

func (s *Session) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

func (s *Session) record(kind string, payload any) {
	s.mu.Lock()
	t := s.transcript
	s.mu.Unlock()
	if t == nil {
		return
	}
	// best-effort archive
	_ = t.Append(kind, payload)
}
