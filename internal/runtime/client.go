// Package runtime drives the agent-runtime subprocess over its stream-json
// protocol: newline-delimited JSON frames on stdout, control and user turns
// written to stdin.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaselby/aleph-harness/pkg/protocol"
)

// controlTimeout bounds how long the harness waits for the runtime to answer
// a control request.
const controlTimeout = 30 * time.Second

// RequestHandler receives control requests initiated by the runtime, such as
// permission checks and hook callbacks. The handler answers through
// RespondControl.
type RequestHandler func(requestID string, req *protocol.ControlRequest)

// FrameHandler receives every non-control frame: system, assistant, user,
// stream_event and result.
type FrameHandler func(frame *protocol.Frame)

// Client speaks the stream protocol over a pair of pipes. It does not own
// the subprocess; see Process.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *slog.Logger

	writeMu sync.Mutex

	mu             sync.RWMutex
	requestHandler RequestHandler
	frameHandler   FrameHandler

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient wraps the runtime's stdin and stdout.
func NewClient(stdin io.Writer, stdout io.Reader) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     slog.Default().With("component", "runtime"),
		pending: make(map[string]chan *protocol.Frame),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler installs the control request handler.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = h
}

// SetFrameHandler installs the stream frame handler.
func (c *Client) SetFrameHandler(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandler = h
}

// Start launches the read loop. The returned channel closes once the loop is
// consuming stdout; the loop itself runs until stdout reaches EOF or Stop is
// called.
func (c *Client) Start() <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ready)
	return ready
}

// Stop ends the read loop. Idempotent.
func (c *Client) Stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done closes when the read loop has ended, either through Stop or because
// stdout reached EOF.
func (c *Client) Done() <-chan struct{} { return c.done }

// SubmitUserTurn writes a user turn to the runtime, starting a new exchange.
func (c *Client) SubmitUserTurn(_ context.Context, content string) error {
	return c.send(protocol.NewUserTurn(content))
}

// Initialize registers the harness's hook events with the runtime and waits
// for acknowledgement.
func (c *Client) Initialize(ctx context.Context, hookEvents []string) error {
	resp, err := c.control(ctx, protocol.ControlRequest{
		Subtype: protocol.SubtypeInitialize,
		Hooks:   hookEvents,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Response != nil && resp.Response.Subtype == protocol.SubtypeError {
		return fmt.Errorf("initialize: %s", resp.Response.Error)
	}
	return nil
}

// Interrupt asks the runtime to abandon the current turn.
func (c *Client) Interrupt(ctx context.Context) error {
	resp, err := c.control(ctx, protocol.ControlRequest{Subtype: protocol.SubtypeInterrupt})
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	if resp.Response != nil && resp.Response.Subtype == protocol.SubtypeError {
		return fmt.Errorf("interrupt: %s", resp.Response.Error)
	}
	return nil
}

// RespondControl answers a control request the runtime sent us.
func (c *Client) RespondControl(requestID string, resp protocol.ControlResponse) error {
	return c.send(protocol.OutboundControlResponse{
		Type:      protocol.FrameControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

// control sends a harness-initiated request and waits for the matching
// response frame.
func (c *Client) control(ctx context.Context, req protocol.ControlRequest) (*protocol.Frame, error) {
	requestID := uuid.New().String()
	ch := make(chan *protocol.Frame, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(protocol.OutboundControlRequest{
		Type:      protocol.FrameControlRequest,
		RequestID: requestID,
		Request:   req,
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("runtime stream closed")
	case <-time.After(controlTimeout):
		return nil, fmt.Errorf("%s request timed out", req.Subtype)
	case frame := <-ch:
		return frame, nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ready chan<- struct{}) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	// Single frames can carry whole file contents; allow up to 10MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	close(ready)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		c.log.Error("stream read failed", "error", err)
	}
}

func (c *Client) handleLine(line []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		c.log.Warn("unparseable frame", "error", err, "line", string(line))
		return
	}

	switch frame.Type {
	case protocol.FrameControlRequest:
		if frame.Request != nil {
			c.handleControlRequest(frame.RequestID, frame.Request)
			return
		}
	case protocol.FrameControlResponse:
		c.handleControlResponse(&frame)
		return
	}

	c.mu.RLock()
	handler := c.frameHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(&frame)
	}
}

func (c *Client) handleControlRequest(requestID string, req *protocol.ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler == nil {
		c.log.Warn("control request with no handler", "request_id", requestID, "subtype", req.Subtype)
		if err := c.RespondControl(requestID, protocol.ControlResponse{
			Subtype: protocol.SubtypeError,
			Error:   "no handler registered",
		}); err != nil {
			c.log.Warn("error response failed", "error", err)
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleControlResponse(frame *protocol.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Warn("control response for unknown request", "request_id", frame.RequestID)
		return
	}
	select {
	case ch <- frame:
	default:
	}
}
