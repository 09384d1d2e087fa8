package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaselby/aleph-harness/internal/agent"
	"github.com/kaselby/aleph-harness/internal/channels"
	"github.com/kaselby/aleph-harness/internal/dispatch"
	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/logging"
	"github.com/kaselby/aleph-harness/internal/mcp"
	"github.com/kaselby/aleph-harness/internal/permission"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/taskboard"
	"github.com/kaselby/aleph-harness/internal/term"
	"github.com/kaselby/aleph-harness/internal/tools"
	"github.com/kaselby/aleph-harness/internal/tracing"
	"github.com/kaselby/aleph-harness/internal/usage"
)

// runSession assembles and runs one agent session. Exit codes: 0 clean,
// 1 operator mistake, 2 harness failure.
func runSession() int {
	h, cfg, err := openHome()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if sessionFlags.mode != "" {
		cfg.Mode = sessionFlags.mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	model, err := cfg.ResolveModel(sessionFlags.model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := home.Scaffold(h); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	closeLogs := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		FilePath:   h.LogFilePath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closeLogs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := sessionFlags.id
	if err := tracing.Setup(ctx, cfg.Telemetry, id); err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		tracing.Shutdown(sctx)
	}()

	us, err := usage.Open(ctx, h.UsageDBPath())
	if err != nil {
		slog.Warn("usage log disabled", "error", err)
	} else {
		defer us.Close()
	}

	ib := inbox.New(h)
	chs := channels.New(h, ib, cfg.Retention.ChannelHistory)
	board := taskboard.New(h)
	reg := registry.New(h)

	self, err := os.Executable()
	if err != nil {
		self = "aleph"
	}
	spawner := registry.NewSpawner(h, reg, self, cfg.Spawn.Multiplexer, cfg.Spawn.MaxDepth)

	workDir := sessionFlags.project
	if workDir == "" {
		workDir = h.Root()
	}
	shell := tools.NewShell(workDir, map[string]string{
		home.EnvHome:    h.Root(),
		home.EnvAgentID: id,
	})
	defer shell.Close()
	runner := tools.NewRunner(h.ToolsDir(), shell, time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)

	srv := mcp.NewServer(mcp.Services{
		AgentID:  id,
		Depth:    sessionFlags.depth,
		Home:     h,
		Inbox:    ib,
		Channels: chs,
		Board:    board,
		Registry: reg,
		Spawner:  spawner,
		Runner:   runner,
	})

	var front *term.Front
	var prompter permission.Prompter = permission.Headless{}
	if !sessionFlags.detach {
		front = term.New(os.Stdin, os.Stdout)
		prompter = front
	}

	scfg := agent.SessionConfig{
		AgentID:    id,
		Role:       sessionFlags.role,
		Parent:     sessionFlags.parent,
		Depth:      sessionFlags.depth,
		Mode:       cfg.Mode,
		Project:    sessionFlags.project,
		Prompt:     sessionFlags.prompt,
		Model:      model,
		Ephemeral:  sessionFlags.ephemeral,
		Home:       h,
		Config:     cfg,
		Inbox:      ib,
		Channels:   chs,
		Board:      board,
		Registry:   reg,
		Spawner:    spawner,
		Runner:     runner,
		Tools:      srv,
		Arbiter:    permission.New(id, cfg.Mode, h.Root(), cfg.Guardrails, prompter),
		Dispatcher: dispatch.New(id, h, ib, cfg.Dispatch, cfg.Reminders),
		Usage:      us,
	}
	if front != nil {
		scfg.Input = front
		scfg.OnEvent = front.Render
	}

	sess, err := agent.New(scfg)
	if err != nil {
		slog.Error("session wiring", "error", err)
		return 2
	}

	// SIGTERM ends the session. SIGINT interrupts the current turn, or ends
	// the session when nothing is running.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGTERM || !sess.Busy() {
				cancel()
				return
			}
			ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sess.Interrupt(ictx); err != nil {
				slog.Warn("interrupt failed", "error", err)
			}
			icancel()
		}
	}()

	if front != nil {
		front.Banner("agent %s | mode %s | home %s", id, cfg.Mode, h.Root())
		front.Banner("ctrl-d ends the session, /stop interrupts a turn")
	}

	if err := sess.Run(ctx); err != nil {
		slog.Error("session failed", "agent_id", id, "error", err)
		return 2
	}
	return 0
}
