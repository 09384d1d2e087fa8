package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaselby/aleph-harness/pkg/protocol"
)

func TestSubmitUserTurn(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf, strings.NewReader(""))

	require.NoError(t, c.SubmitUserTurn(context.Background(), "hello there"))

	var turn protocol.UserTurn
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &turn))
	assert.Equal(t, protocol.FrameUser, turn.Type)
	assert.Equal(t, "user", turn.Message.Role)
	assert.Equal(t, "hello there", turn.Message.Content)
}

func TestRespondControl(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(&buf, strings.NewReader(""))

	err := c.RespondControl("req123", protocol.ControlResponse{
		Subtype: protocol.SubtypeSuccess,
		Result:  protocol.PermissionResult{Behavior: protocol.BehaviorAllow},
	})
	require.NoError(t, err)

	var out protocol.OutboundControlResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	assert.Equal(t, protocol.FrameControlResponse, out.Type)
	assert.Equal(t, "req123", out.RequestID)
	assert.Equal(t, protocol.SubtypeSuccess, out.Response.Subtype)
}

func TestFramesReachHandler(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","session_id":"sess1","model":"m"}`,
		``,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{not json}`,
		`{"type":"result","result":"done","num_turns":3}`,
	}, "\n") + "\n"

	var buf bytes.Buffer
	c := NewClient(&buf, strings.NewReader(input))

	var mu sync.Mutex
	var frames []*protocol.Frame
	c.SetFrameHandler(func(f *protocol.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	c.Start()
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 3, "empty and invalid lines are skipped")
	assert.Equal(t, "sess1", frames[0].SessionID)
	assert.Equal(t, "hi", frames[1].Message.Content[0].Text)
	assert.Equal(t, "done", frames[2].ResultText())
	assert.Equal(t, 3, frames[2].NumTurns)
}

func TestControlRequestsReachHandler(t *testing.T) {
	input := `{"type":"control_request","request_id":"req9","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"

	var buf bytes.Buffer
	c := NewClient(&buf, strings.NewReader(input))

	var mu sync.Mutex
	var gotID string
	var gotReq *protocol.ControlRequest
	c.SetRequestHandler(func(id string, req *protocol.ControlRequest) {
		mu.Lock()
		gotID, gotReq = id, req
		mu.Unlock()
	})

	c.Start()
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "req9", gotID)
	require.NotNil(t, gotReq)
	assert.Equal(t, protocol.SubtypeCanUseTool, gotReq.Subtype)
	assert.Equal(t, protocol.ToolBash, gotReq.ToolName)
	assert.Equal(t, "ls", gotReq.Input["command"])
}

func TestMissingHandlerAnswersWithError(t *testing.T) {
	input := `{"type":"control_request","request_id":"req1","request":{"subtype":"can_use_tool"}}` + "\n"

	var mu sync.Mutex
	var buf bytes.Buffer
	w := &lockedWriter{mu: &mu, w: &buf}
	c := NewClient(w, strings.NewReader(input))

	c.Start()
	<-c.Done()

	mu.Lock()
	defer mu.Unlock()
	var out protocol.OutboundControlResponse
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	assert.Equal(t, "req1", out.RequestID)
	assert.Equal(t, protocol.SubtypeError, out.Response.Subtype)
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// echoRuntime mimics the subprocess: it reads harness-initiated control
// requests from its stdin and answers each with a success response.
func echoRuntime(t *testing.T) (io.Writer, io.Reader) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		sc := bufio.NewScanner(stdinR)
		for sc.Scan() {
			var req protocol.OutboundControlRequest
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.Type != protocol.FrameControlRequest {
				continue
			}
			resp := map[string]any{
				"type":       protocol.FrameControlResponse,
				"request_id": req.RequestID,
				"response":   map[string]any{"subtype": protocol.SubtypeSuccess},
			}
			data, _ := json.Marshal(resp)
			stdoutW.Write(append(data, '\n'))
		}
	}()
	return stdinW, stdoutR
}

func TestInitializeRoundTrip(t *testing.T) {
	stdin, stdout := echoRuntime(t)
	c := NewClient(stdin, stdout)
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Initialize(ctx, []string{protocol.HookEventPreToolUse, protocol.HookEventStop})
	require.NoError(t, err)
}

func TestInterruptRoundTrip(t *testing.T) {
	stdin, stdout := echoRuntime(t)
	c := NewClient(stdin, stdout)
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Interrupt(ctx))
}

func TestControlCancelledByContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewClient(io.Discard, pr)
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Initialize(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopIdempotent(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewClient(io.Discard, pr)
	c.Start()
	c.Stop()
	c.Stop()
	<-c.Done()
}
