package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/taskboard"
)

func (s *Server) registerTools() {
	m := s.mcp

	m.AddTool(
		mcpgo.NewTool("send_message",
			mcpgo.WithDescription("Send a direct message to another agent's inbox."),
			mcpgo.WithString("to",
				mcpgo.Required(),
				mcpgo.Description("Recipient agent id"),
			),
			mcpgo.WithString("summary",
				mcpgo.Required(),
				mcpgo.Description("One-line summary shown in inbox listings"),
			),
			mcpgo.WithString("body",
				mcpgo.Description("Full markdown body; defaults to the summary"),
			),
			mcpgo.WithString("priority",
				mcpgo.Description("Message priority"),
				mcpgo.Enum(message.PriorityHigh, message.PriorityNormal, message.PriorityLow),
			),
		),
		s.handleSendMessage,
	)

	m.AddTool(
		mcpgo.NewTool("check_messages",
			mcpgo.WithDescription("List unread messages in your inbox, highest priority first."),
		),
		s.handleCheckMessages,
	)

	m.AddTool(
		mcpgo.NewTool("mark_read",
			mcpgo.WithDescription("Mark inbox messages as read so they stop being announced."),
			mcpgo.WithArray("ids",
				mcpgo.Required(),
				mcpgo.Description("Message ids to mark read"),
			),
		),
		s.handleMarkRead,
	)

	m.AddTool(
		mcpgo.NewTool("broadcast",
			mcpgo.WithDescription("Broadcast a message to every subscriber of a channel."),
			mcpgo.WithString("channel",
				mcpgo.Required(),
				mcpgo.Description("Channel name, without the # prefix"),
			),
			mcpgo.WithString("summary",
				mcpgo.Required(),
				mcpgo.Description("One-line summary shown in inbox listings"),
			),
			mcpgo.WithString("body",
				mcpgo.Description("Full markdown body; defaults to the summary"),
			),
			mcpgo.WithString("priority",
				mcpgo.Description("Message priority"),
				mcpgo.Enum(message.PriorityHigh, message.PriorityNormal, message.PriorityLow),
			),
		),
		s.handleBroadcast,
	)

	m.AddTool(
		mcpgo.NewTool("subscribe_channel",
			mcpgo.WithDescription("Subscribe to a channel; future broadcasts land in your inbox."),
			mcpgo.WithString("channel", mcpgo.Required(), mcpgo.Description("Channel name")),
		),
		s.handleSubscribe,
	)

	m.AddTool(
		mcpgo.NewTool("unsubscribe_channel",
			mcpgo.WithDescription("Unsubscribe from a channel."),
			mcpgo.WithString("channel", mcpgo.Required(), mcpgo.Description("Channel name")),
		),
		s.handleUnsubscribe,
	)

	m.AddTool(
		mcpgo.NewTool("channel_history",
			mcpgo.WithDescription("Show the most recent broadcasts on a channel."),
			mcpgo.WithString("channel", mcpgo.Required(), mcpgo.Description("Channel name")),
			mcpgo.WithNumber("limit", mcpgo.Description("Number of entries to return (default 20)")),
		),
		s.handleChannelHistory,
	)

	m.AddTool(
		mcpgo.NewTool("list_agents",
			mcpgo.WithDescription("List registered agents and whether they are alive."),
		),
		s.handleListAgents,
	)

	m.AddTool(
		mcpgo.NewTool("spawn_agent",
			mcpgo.WithDescription("Spawn a new agent session in the shared home."),
			mcpgo.WithString("id", mcpgo.Description("Agent id for the child; allocated when omitted")),
			mcpgo.WithString("role", mcpgo.Description("Role description for the child")),
			mcpgo.WithString("prompt", mcpgo.Description("Initial prompt for the child")),
			mcpgo.WithString("mode", mcpgo.Description("Permission mode: safe, default or yolo")),
			mcpgo.WithString("project", mcpgo.Description("Working directory for the child")),
			mcpgo.WithBoolean("ephemeral", mcpgo.Description("Child leaves no summary, handoff or memory commit")),
		),
		s.handleSpawnAgent,
	)

	m.AddTool(
		mcpgo.NewTool("task_list",
			mcpgo.WithDescription("List tasks on the shared taskboard."),
			mcpgo.WithString("status",
				mcpgo.Description("Filter by status"),
				mcpgo.Enum(taskboard.StatusOpen, taskboard.StatusClaimed, taskboard.StatusInProgress,
					taskboard.StatusDone, taskboard.StatusBlocked),
			),
		),
		s.handleTaskList,
	)

	m.AddTool(
		mcpgo.NewTool("task_claim",
			mcpgo.WithDescription("Claim an open task so no other agent picks it up."),
			mcpgo.WithString("id", mcpgo.Required(), mcpgo.Description("Task id")),
		),
		s.handleTaskClaim,
	)

	m.AddTool(
		mcpgo.NewTool("task_status",
			mcpgo.WithDescription("Move a task you own to a new status."),
			mcpgo.WithString("id", mcpgo.Required(), mcpgo.Description("Task id")),
			mcpgo.WithString("status",
				mcpgo.Required(),
				mcpgo.Description("New status"),
				mcpgo.Enum(taskboard.StatusInProgress, taskboard.StatusDone, taskboard.StatusBlocked),
			),
			mcpgo.WithString("reason", mcpgo.Description("Why the task is blocked (required for blocked)")),
		),
		s.handleTaskStatus,
	)

	m.AddTool(
		mcpgo.NewTool("task_release",
			mcpgo.WithDescription("Release a claimed task back to open."),
			mcpgo.WithString("id", mcpgo.Required(), mcpgo.Description("Task id")),
		),
		s.handleTaskRelease,
	)

	m.AddTool(
		mcpgo.NewTool("run_tool",
			mcpgo.WithDescription("Run a user tool script from the shared tools directory."),
			mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Tool name from the catalogue")),
			mcpgo.WithArray("args", mcpgo.Description("Positional arguments for the script")),
		),
		s.handleRunTool,
	)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	body := req.GetString("body", "")
	if body == "" {
		body = summary
	}

	m := &message.Message{
		ID:       platform.NewULID(),
		From:     s.svc.AgentID,
		To:       to,
		Summary:  summary,
		Priority: req.GetString("priority", message.PriorityNormal),
		Body:     body,
	}
	if err := s.svc.Inbox.Deliver(m); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("deliver: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Message %s delivered to %s.", m.ID, to)), nil
}

func (s *Server) handleCheckMessages(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	metas, err := s.svc.Inbox.ListUnread(ctx, s.svc.AgentID)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("list unread: %v", err)), nil
	}
	if len(metas) == 0 {
		return mcpgo.NewToolResultText("No unread messages."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unread message(s):\n", len(metas))
	for _, m := range metas {
		origin := m.From
		if m.Channel != "" {
			origin = fmt.Sprintf("%s in #%s", m.From, m.Channel)
		}
		fmt.Fprintf(&b, "- %s [%s] from %s: %s (%s)\n",
			m.ID, m.Priority, origin, m.Summary, s.svc.Home.MessagePath(s.svc.AgentID, m.ID))
	}
	return mcpgo.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleMarkRead(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	ids, err := stringSlice(req, "ids")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if len(ids) == 0 {
		return mcpgo.NewToolResultError("ids must not be empty"), nil
	}
	if err := s.svc.Inbox.MarkRead(ctx, s.svc.AgentID, ids...); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("mark read: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Marked %d message(s) read.", len(ids))), nil
}

func (s *Server) handleBroadcast(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	body := req.GetString("body", "")
	if body == "" {
		body = summary
	}

	m := &message.Message{
		ID:       platform.NewULID(),
		From:     s.svc.AgentID,
		Channel:  channel,
		Summary:  summary,
		Priority: req.GetString("priority", message.PriorityNormal),
		Body:     body,
	}
	delivered, err := s.svc.Channels.Broadcast(ctx, m)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("broadcast: %v", err)), nil
	}
	return mcpgo.NewToolResultText(
		fmt.Sprintf("Broadcast %s to #%s reached %d subscriber(s).", m.ID, channel, len(delivered))), nil
}

func (s *Server) handleSubscribe(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Channels.Subscribe(ctx, channel, s.svc.AgentID); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("subscribe: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Subscribed to #%s.", channel)), nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Channels.Unsubscribe(ctx, channel, s.svc.AgentID); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("unsubscribe: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Unsubscribed from #%s.", channel)), nil
}

func (s *Server) handleChannelHistory(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	limit := 20
	if v, ok := req.GetArguments()["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	msgs, err := s.svc.Channels.History(ctx, channel, limit)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("history: %v", err)), nil
	}
	if len(msgs) == 0 {
		return mcpgo.NewToolResultText(fmt.Sprintf("#%s has no history.", channel)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d message(s) on #%s:\n", len(msgs), channel)
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.From, m.Summary)
	}
	return mcpgo.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleListAgents(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	statuses, err := s.svc.Registry.List()
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("list agents: %v", err)), nil
	}
	if len(statuses) == 0 {
		return mcpgo.NewToolResultText("No agents registered."), nil
	}

	var b strings.Builder
	for _, st := range statuses {
		state := "dead"
		if st.Alive {
			state = "alive"
		}
		fmt.Fprintf(&b, "%s  %s  depth=%d pid=%d", st.AgentID, state, st.Depth, st.PID)
		if st.Role != "" {
			fmt.Fprintf(&b, " role=%s", st.Role)
		}
		b.WriteByte('\n')
	}
	return mcpgo.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleSpawnAgent(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	spawnReq := registry.SpawnRequest{
		ID:          req.GetString("id", ""),
		Role:        req.GetString("role", ""),
		Prompt:      req.GetString("prompt", ""),
		Mode:        req.GetString("mode", ""),
		Project:     req.GetString("project", ""),
		Ephemeral:   req.GetBool("ephemeral", false),
		Parent:      s.svc.AgentID,
		ParentDepth: s.svc.Depth,
	}
	id, err := s.svc.Spawner.Spawn(ctx, spawnReq)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("spawn: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Spawned agent %s.", id)), nil
}

func (s *Server) handleTaskList(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	tasks, err := s.svc.Board.List(ctx, req.GetString("status", ""))
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("task list: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcpgo.NewToolResultText("No tasks."), nil
	}

	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s/%s]", t.ID, t.Status, t.Priority)
		if t.Assignee != "" {
			fmt.Fprintf(&b, " assignee=%s", t.Assignee)
		}
		fmt.Fprintf(&b, ": %s", t.Description)
		if t.BlockedReason != "" {
			fmt.Fprintf(&b, " (blocked: %s)", t.BlockedReason)
		}
		b.WriteByte('\n')
	}
	return mcpgo.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleTaskClaim(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.Board.Claim(ctx, id, s.svc.AgentID)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("claim: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Claimed task %s: %s", t.ID, t.Description)), nil
}

func (s *Server) handleTaskStatus(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.Board.SetStatus(ctx, id, s.svc.AgentID, status, req.GetString("reason", ""))
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("status: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Task %s is now %s.", t.ID, t.Status)), nil
}

func (s *Server) handleTaskRelease(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.Board.Release(ctx, id, s.svc.AgentID)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("release: %v", err)), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Released task %s; it is open again.", t.ID)), nil
}

func (s *Server) handleRunTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	args, err := stringSlice(req, "args")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	res, err := s.svc.Runner.Run(ctx, name, args)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("run tool: %v", err)), nil
	}
	if res.TimedOut {
		return mcpgo.NewToolResultError(fmt.Sprintf("tool %s timed out", name)), nil
	}
	if res.ExitCode != 0 {
		out := res.Output
		if out == "" {
			out = "(no output)"
		}
		return mcpgo.NewToolResultError(fmt.Sprintf("%s\n(exit %d)", out, res.ExitCode)), nil
	}
	if res.Output == "" {
		return mcpgo.NewToolResultText("(no output)"), nil
	}
	return mcpgo.NewToolResultText(res.Output), nil
}

// stringSlice reads an optional array argument as strings. Absent keys yield
// nil; anything that is not a string array is an error.
func stringSlice(req mcpgo.CallToolRequest, key string) ([]string, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	return out, nil
}
