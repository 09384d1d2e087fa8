package mcp

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/internal/channels"
	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/message"
	"github.com/kaselby/aleph-harness/internal/platform"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/taskboard"
	"github.com/kaselby/aleph-harness/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	h := home.At(t.TempDir())
	ib := inbox.New(h)
	reg := registry.New(h)
	shell := tools.NewShell(h.Root(), nil)
	t.Cleanup(func() { _ = shell.Close() })
	return NewServer(Services{
		AgentID:  "tester",
		Depth:    0,
		Home:     h,
		Inbox:    ib,
		Channels: channels.New(h, ib, 50),
		Board:    taskboard.New(h),
		Registry: reg,
		Spawner:  registry.NewSpawner(h, reg, "/nonexistent/aleph", "none", 1),
		Runner:   tools.NewRunner(h.ToolsDir(), shell, 0),
	})
}

func callReq(name string, args map[string]any) mcpgo.CallToolRequest {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcpgo.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestSendMessageDeliversToInbox(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSendMessage(ctx, callReq("send_message", map[string]any{
		"to": "peer", "summary": "need a review",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "delivered to peer")

	metas, err := s.svc.Inbox.ListUnread(ctx, "peer")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "tester", metas[0].From)
	assert.Equal(t, "need a review", metas[0].Summary)
	assert.Equal(t, message.PriorityNormal, metas[0].Priority)

	// With no body the summary doubles as the body.
	m, err := s.svc.Inbox.Read("peer", metas[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "need a review", m.Body)
}

func TestSendMessageRequiresRecipient(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleSendMessage(context.Background(), callReq("send_message", map[string]any{
		"summary": "orphaned",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCheckMessagesEmpty(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleCheckMessages(context.Background(), callReq("check_messages", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "No unread messages.", textOf(t, res))
}

func TestCheckMessagesListsPriorityOrder(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.svc.Inbox.Deliver(&message.Message{
		ID: platform.NewULID(), From: "alice", To: "tester",
		Summary: "routine update", Priority: message.PriorityNormal, Body: "x",
	}))
	urgent := &message.Message{
		ID: platform.NewULID(), From: "bob", Channel: "incidents",
		Summary: "prod is down", Priority: message.PriorityHigh, Body: "x",
	}
	require.NoError(t, s.svc.Inbox.DeliverCopy("tester", urgent))

	res, err := s.handleCheckMessages(ctx, callReq("check_messages", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := textOf(t, res)

	assert.Contains(t, text, "2 unread message(s):")
	assert.Contains(t, text, "bob in #incidents")
	assert.Contains(t, text, s.svc.Home.MessagePath("tester", urgent.ID))
	assert.Less(t, strings.Index(text, "prod is down"), strings.Index(text, "routine update"),
		"high priority should list first")
}

func TestMarkReadClearsUnread(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	id := platform.NewULID()
	require.NoError(t, s.svc.Inbox.Deliver(&message.Message{
		ID: id, From: "alice", To: "tester", Summary: "ping", Body: "x",
	}))

	res, err := s.handleMarkRead(ctx, callReq("mark_read", map[string]any{
		"ids": []any{id},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "Marked 1 message(s) read.", textOf(t, res))

	metas, err := s.svc.Inbox.ListUnread(ctx, "tester")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestMarkReadRejectsBadArguments(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleMarkRead(ctx, callReq("mark_read", map[string]any{"ids": []any{}}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleMarkRead(ctx, callReq("mark_read", map[string]any{"ids": []any{42}}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "array of strings")
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.svc.Channels.Subscribe(ctx, "dev", "alice"))
	require.NoError(t, s.svc.Channels.Subscribe(ctx, "dev", "bob"))

	res, err := s.handleBroadcast(ctx, callReq("broadcast", map[string]any{
		"channel": "dev", "summary": "ship it",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "reached 2 subscriber(s)")

	metas, err := s.svc.Inbox.ListUnread(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "dev", metas[0].Channel)
	assert.Equal(t, "tester", metas[0].From)
}

func TestBroadcastUnknownChannel(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleBroadcast(context.Background(), callReq("broadcast", map[string]any{
		"channel": "ghost", "summary": "anyone there",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "not found")
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSubscribe(ctx, callReq("subscribe_channel", map[string]any{"channel": "dev"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "Subscribed to #dev.", textOf(t, res))

	subs, err := s.svc.Channels.Subscribers(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"tester"}, subs)

	res, err = s.handleUnsubscribe(ctx, callReq("unsubscribe_channel", map[string]any{"channel": "dev"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	subs, err = s.svc.Channels.Subscribers(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestChannelHistoryReturnsRecent(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.svc.Channels.Subscribe(ctx, "dev", "alice"))
	for _, summary := range []string{"first", "second", "third"} {
		_, err := s.svc.Channels.Broadcast(ctx, &message.Message{
			ID: platform.NewULID(), From: "tester", Channel: "dev", Summary: summary, Body: "x",
		})
		require.NoError(t, err)
	}

	res, err := s.handleChannelHistory(ctx, callReq("channel_history", map[string]any{
		"channel": "dev", "limit": float64(2),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := textOf(t, res)

	assert.Contains(t, text, "Last 2 message(s) on #dev:")
	assert.NotContains(t, text, "first")
	assert.Less(t, strings.Index(text, "second"), strings.Index(text, "third"))
}

func TestChannelHistoryEmptyChannel(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.svc.Channels.Subscribe(ctx, "dev", "tester"))

	res, err := s.handleChannelHistory(ctx, callReq("channel_history", map[string]any{"channel": "dev"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "#dev has no history.", textOf(t, res))
}

func TestListAgentsEmpty(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListAgents(context.Background(), callReq("list_agents", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "No agents registered.", textOf(t, res))
}

func TestListAgentsShowsLiveness(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.svc.Registry.Register(registry.Record{
		AgentID: "main", Role: "lead", Depth: 0, PID: os.Getpid(), Mode: "default",
	}))

	res, err := s.handleListAgents(context.Background(), callReq("list_agents", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := textOf(t, res)

	assert.Contains(t, text, "main")
	assert.Contains(t, text, "alive")
	assert.Contains(t, text, "role=lead")
}

func TestSpawnAgentDepthLimited(t *testing.T) {
	s := newTestServer(t)
	s.svc.Depth = 1 // spawner allows at most depth 1

	res, err := s.handleSpawnAgent(context.Background(), callReq("spawn_agent", map[string]any{
		"id": "child",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "depth")
}

func TestSpawnAgentAllocatesID(t *testing.T) {
	s := newTestServer(t)
	s.svc.Spawner = registry.NewSpawner(s.svc.Home, s.svc.Registry, "/bin/true", "none", 3)

	res, err := s.handleSpawnAgent(context.Background(), callReq("spawn_agent", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Regexp(t, `Spawned agent aleph-[0-9a-f]{8}\.`, textOf(t, res))
}

func TestTaskClaimAndRelease(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task, err := s.svc.Board.Add(ctx, "Fix the parser", "", "")
	require.NoError(t, err)

	res, err := s.handleTaskClaim(ctx, callReq("task_claim", map[string]any{"id": task.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "Claimed task "+task.ID)

	res, err = s.handleTaskRelease(ctx, callReq("task_release", map[string]any{"id": task.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "open again")

	got, err := s.svc.Board.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskboard.StatusOpen, got.Status)
	assert.Empty(t, got.Assignee)
}

func TestTaskStatusProgression(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task, err := s.svc.Board.Add(ctx, "Write the release notes", "", "")
	require.NoError(t, err)

	res, err := s.handleTaskClaim(ctx, callReq("task_claim", map[string]any{"id": task.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = s.handleTaskStatus(ctx, callReq("task_status", map[string]any{
		"id": task.ID, "status": taskboard.StatusInProgress,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "now in-progress")

	res, err = s.handleTaskStatus(ctx, callReq("task_status", map[string]any{
		"id": task.ID, "status": taskboard.StatusDone,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = s.handleTaskList(ctx, callReq("task_list", map[string]any{
		"status": taskboard.StatusDone,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), task.ID+" [done/medium]")
}

func TestTaskStatusBlockedNeedsReason(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task, err := s.svc.Board.Add(ctx, "Chase the flaky test", "", "")
	require.NoError(t, err)
	_, err = s.svc.Board.Claim(ctx, task.ID, "tester")
	require.NoError(t, err)
	_, err = s.svc.Board.SetStatus(ctx, task.ID, "tester", taskboard.StatusInProgress, "")
	require.NoError(t, err)

	res, err := s.handleTaskStatus(ctx, callReq("task_status", map[string]any{
		"id": task.ID, "status": taskboard.StatusBlocked,
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "reason")
}

func TestTaskClaimConflict(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task, err := s.svc.Board.Add(ctx, "Rotate the keys", "", "")
	require.NoError(t, err)
	_, err = s.svc.Board.Claim(ctx, task.ID, "rival")
	require.NoError(t, err)

	res, err := s.handleTaskClaim(ctx, callReq("task_claim", map[string]any{"id": task.ID}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "already claimed by rival")
}

func TestTaskListEmpty(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleTaskList(context.Background(), callReq("task_list", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "No tasks.", textOf(t, res))
}

func TestRunToolExecutesScript(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	s := newTestServer(t)

	dir := s.svc.Home.ToolsDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := "#!/usr/bin/env bash\n" +
		"# ---\n" +
		"# name: greet\n" +
		"# description: Greet someone.\n" +
		"# arguments:\n" +
		"#   - name: who\n" +
		"#     required: true\n" +
		"# ---\n" +
		"echo \"hello $1\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet"), []byte(script), 0o755))

	res, err := s.handleRunTool(context.Background(), callReq("run_tool", map[string]any{
		"name": "greet", "args": []any{"world"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "hello world\n", textOf(t, res))
}

func TestRunToolUnknown(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleRunTool(context.Background(), callReq("run_tool", map[string]any{
		"name": "nope",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "unknown tool")
}
