package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/runtime"
	"github.com/kaselby/aleph-harness/internal/sessions"
)

const shutdownTimeout = 10 * time.Second

type inputLine struct {
	text string
	err  error
}

// Run drives the session from launch to deregistration. It blocks until the
// context is cancelled, the input reaches EOF, or the runtime is lost beyond
// the single allowed reconnect.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.started = time.Now().UTC()

	t, err := sessions.OpenTranscript(s.cfg.Home, s.cfg.AgentID, s.started)
	if err != nil {
		slog.Warn("transcript unavailable", "component", "agent", "error", err)
	} else {
		s.mu.Lock()
		s.transcript = t
		s.mu.Unlock()
		defer t.Close()
	}

	rec := registry.Record{
		AgentID:   s.cfg.AgentID,
		Role:      s.cfg.Role,
		Parent:    s.cfg.Parent,
		Depth:     s.cfg.Depth,
		PID:       os.Getpid(),
		Mode:      s.cfg.Mode,
		Project:   s.cfg.Project,
		Ephemeral: s.cfg.Ephemeral,
		StartedAt: s.started,
	}
	if err := s.cfg.Registry.Register(rec); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	defer func() {
		if err := s.cfg.Registry.Deregister(s.cfg.AgentID); err != nil {
			slog.Warn("deregister failed", "component", "agent", "error", err)
		}
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.cfg.Registry.RunHeartbeat(hbCtx, s.cfg.AgentID)

	if err := s.cfg.Tools.Start(ctx); err != nil {
		return fmt.Errorf("tool server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.cfg.Tools.Stop(stopCtx); err != nil {
			slog.Warn("tool server stop failed", "component", "agent", "error", err)
		}
	}()

	if err := s.launch(ctx); err != nil {
		return s.crash(rec, fmt.Errorf("launch runtime: %w", err))
	}

	dctx, dcancel := context.WithCancel(ctx)
	defer dcancel()
	s.cfg.Dispatcher.SetSubmitter(s)
	go func() {
		if err := s.cfg.Dispatcher.Run(dctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("dispatcher stopped", "component", "agent", "error", err)
		}
	}()

	if s.cfg.Prompt != "" {
		if err := s.SubmitUserTurn(ctx, s.cfg.Prompt); err != nil {
			return s.crash(rec, fmt.Errorf("submit initial prompt: %w", err))
		}
	}

	inputCh := s.pumpInput(ctx)

	restarts := 0
	for {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return s.finalize(rec, dcancel)

		case <-proc.Exited():
			cause := proc.ExitErr()
			if cause == nil {
				cause = errors.New("runtime exited")
			}
			if restarts >= 1 {
				return s.crash(rec, fmt.Errorf("runtime lost after reconnect: %w", cause))
			}
			restarts++
			slog.Warn("runtime exited, reconnecting", "component", "agent", "error", cause)
			s.emit(Event{Type: EventBanner, Text: "runtime exited; reconnecting", IsError: true})
			if err := s.launch(ctx); err != nil {
				return s.crash(rec, fmt.Errorf("reconnect runtime: %w", err))
			}
			if err := s.SubmitUserTurn(ctx, restartNote); err != nil {
				slog.Warn("restart note failed", "component", "agent", "error", err)
			}

		case in := <-inputCh:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					return s.finalize(rec, dcancel)
				}
				continue
			}
			s.handleInput(ctx, in.text)
		}
	}
}

const restartNote = "[Harness] The runtime restarted after an unexpected exit. " +
	"Your in-memory context is gone; reread memory/context.md and check the task board before continuing."

// launch starts (or restarts) the runtime subprocess and wires this session
// to its stream.
func (s *Session) launch(ctx context.Context) error {
	toolCfg, err := s.cfg.Tools.ConfigJSON()
	if err != nil {
		return err
	}

	args := append([]string{}, s.cfg.Config.Runtime.Args...)
	args = append(args, "--mcp-config", toolCfg)

	env := []string{
		home.EnvHome + "=" + s.cfg.Home.Root(),
		home.EnvAgentID + "=" + s.cfg.AgentID,
	}
	if key := s.cfg.Config.Runtime.DisableMemoryEnv; key != "" {
		env = append(env, key+"=1")
	}

	proc, err := runtime.Launch(ctx, runtime.Options{
		Binary:       s.cfg.Config.Runtime.Binary,
		Args:         args,
		Model:        s.cfg.Model,
		SystemPrompt: s.buildSystemPrompt(time.Now().UTC()),
		WorkDir:      s.cfg.Project,
		Env:          env,
	})
	if err != nil {
		return err
	}

	client := proc.Client()
	client.SetRequestHandler(s.onControlRequest)
	client.SetFrameHandler(s.onFrame)

	s.mu.Lock()
	s.proc = proc
	s.client = client
	s.mu.Unlock()

	if err := client.Initialize(ctx, s.bus.Events()); err != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = proc.Shutdown(shutCtx)
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (s *Session) pumpInput(ctx context.Context) <-chan inputLine {
	if s.cfg.Input == nil {
		return nil
	}
	ch := make(chan inputLine)
	go func() {
		for {
			text, err := s.cfg.Input.Next(ctx)
			select {
			case ch <- inputLine{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (s *Session) handleInput(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return
	case text == "/stop":
		ictx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := s.Interrupt(ictx); err != nil {
			slog.Warn("interrupt failed", "component", "agent", "error", err)
		}
		s.emit(Event{Type: EventBanner, Text: "interrupted"})
	case strings.HasPrefix(text, "/"):
		s.emit(Event{Type: EventBanner, Text: "unknown command " + text + " (try /stop, or ctrl-d to end the session)", IsError: true})
	default:
		if err := s.SubmitUserTurn(ctx, text); err != nil {
			slog.Warn("submit failed", "component", "agent", "error", err)
			s.emit(Event{Type: EventBanner, Text: "could not reach the runtime: " + err.Error(), IsError: true})
		}
	}
}

// finalize is the orderly session end: summary turn, runtime shutdown,
// memory commit. Runs on a fresh context since the run context is usually
// already cancelled here.
func (s *Session) finalize(rec registry.Record, stopDispatch context.CancelFunc) error {
	s.cfg.Arbiter.BeginShutdown()
	s.cfg.Dispatcher.BeginShutdown()
	stopDispatch()

	now := time.Now().UTC()
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if !s.cfg.Ephemeral {
		var exited <-chan struct{}
		if proc != nil {
			exited = proc.Exited()
		}
		s.writeSummary(rec, exited, now)
	}

	if proc != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := proc.Shutdown(shutCtx); err != nil {
			slog.Warn("runtime shutdown failed", "component", "agent", "error", err)
		}
	}

	if !s.cfg.Ephemeral {
		commitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		subject, err := sessions.CommitMemory(commitCtx, s.cfg.Home, s.cfg.AgentID)
		switch {
		case err != nil:
			slog.Warn("memory commit failed", "component", "agent", "error", err)
		case subject != "":
			slog.Info("memory committed", "component", "agent", "subject", subject)
		}
	}

	slog.Info("session ended", "component", "agent",
		"agent_id", s.cfg.AgentID, "turns", s.turns.Load(), "uptime", now.Sub(s.started).Round(time.Second))
	return nil
}

// writeSummary asks the model for a session summary and falls back to a
// stub when the turn cannot complete or leaves no file behind. exited is the
// runtime's termination signal, nil when it was never launched.
func (s *Session) writeSummary(rec registry.Record, exited <-chan struct{}, now time.Time) {
	alive := exited != nil
	if alive {
		select {
		case <-exited:
			alive = false
		default:
		}
	}
	if !alive {
		s.stubSummary(rec, "runtime was gone at session end", now)
		return
	}

	s.emit(Event{Type: EventBanner, Text: "writing session summary"})

	// drain a stale turn signal before waiting on the summary turn
	select {
	case <-s.turnDone:
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.summaryTimeout)
	defer cancel()
	if err := s.SubmitUserTurn(ctx, sessions.SummaryPrompt(s.cfg.Home, s.cfg.AgentID, now)); err != nil {
		s.stubSummary(rec, "summary turn could not be submitted", now)
		return
	}

	select {
	case <-s.turnDone:
		if _, err := os.Stat(sessions.SummaryPath(s.cfg.Home, s.cfg.AgentID, now)); err != nil {
			s.stubSummary(rec, "summary turn completed without writing the file", now)
		}
	case <-exited:
		s.stubSummary(rec, "runtime exited during the summary turn", now)
	case <-ctx.Done():
		s.stubSummary(rec, "summary turn timed out", now)
	}
}

func (s *Session) stubSummary(rec registry.Record, reason string, now time.Time) {
	if err := sessions.WriteStubSummary(s.cfg.Home, rec, reason, now); err != nil {
		slog.Warn("stub summary failed", "component", "agent", "error", err)
	}
}

// crash is the abnormal exit path: leave an emergency handoff and a stub
// summary so the next session can pick up the thread.
func (s *Session) crash(rec registry.Record, cause error) error {
	s.cfg.Arbiter.BeginShutdown()
	s.cfg.Dispatcher.BeginShutdown()
	slog.Error("session crashed", "component", "agent", "agent_id", s.cfg.AgentID, "error", cause)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = proc.Shutdown(shutCtx)
		cancel()
	}

	if !s.cfg.Ephemeral {
		now := time.Now().UTC()
		if err := writeEmergencyHandoff(s.cfg.Home, s.cfg.AgentID, cause.Error(), now); err != nil {
			slog.Warn("emergency handoff failed", "component", "agent", "error", err)
		}
		s.stubSummary(rec, "session crashed: "+cause.Error(), now)
	}
	return cause
}
