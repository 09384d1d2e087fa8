// Package mcp exposes the harness's coordination operations to the runtime
// as MCP tools: messaging, channels, the taskboard, agent registry, spawning
// and user tool scripts. The server binds a loopback port and is handed to
// the runtime subprocess through its MCP configuration, so framework tools
// ride the runtime's native tool-call path.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kaselby/aleph-harness/internal/channels"
	"github.com/kaselby/aleph-harness/internal/home"
	"github.com/kaselby/aleph-harness/internal/inbox"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/taskboard"
	"github.com/kaselby/aleph-harness/internal/tools"
)

// ServerName is how the runtime addresses this server; framework tool names
// arrive prefixed "mcp__aleph__".
const ServerName = "aleph"

// Services are the harness subsystems the tools operate on.
type Services struct {
	AgentID string
	// Depth is this agent's spawn depth, children run one deeper.
	Depth    int
	Home     home.Home
	Inbox    *inbox.Service
	Channels *channels.Service
	Board    *taskboard.Board
	Registry *registry.Registry
	Spawner  *registry.Spawner
	Runner   *tools.Runner
}

// Server hosts the framework tools over streamable HTTP on a loopback port.
type Server struct {
	svc      Services
	mcp      *server.MCPServer
	streamer *server.StreamableHTTPServer
	httpSrv  *http.Server

	mu      sync.Mutex
	port    int
	running bool
}

// NewServer builds the server and registers every framework tool.
func NewServer(svc Services) *Server {
	s := &Server{svc: svc}
	s.mcp = server.NewMCPServer(ServerName, "1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Start listens on an ephemeral loopback port and serves until Stop. It
// returns once the listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mcp listen: %w", err)
	}

	s.streamer = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
	)
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamer)
	s.httpSrv = &http.Server{Handler: mux}

	s.mu.Lock()
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.running = true
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		close(ready)
		slog.Info("mcp server listening", "endpoint", s.Endpoint())
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("mcp server", "error", err)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown mcp http server: %w", err)
		}
	}
	if s.streamer != nil {
		if err := s.streamer.Shutdown(ctx); err != nil {
			slog.Warn("shutdown mcp streamable server", "error", err)
		}
	}
	return nil
}

// Endpoint is the streamable HTTP URL for the runtime's MCP configuration.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.port)
}

// ConfigJSON renders the value for the runtime's --mcp-config flag.
func (s *Server) ConfigJSON() (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			ServerName: map[string]any{
				"type": "http",
				"url":  s.Endpoint(),
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}
	return string(data), nil
}
