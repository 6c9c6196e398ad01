package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/llm"
	"github.com/harunnryd/beacon/pkg/logging"
	"github.com/harunnryd/beacon/pkg/tools"
)

// ToolInfo describes one tool advertised by a server.
type ToolInfo struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Result is the text content of a tool call.
type Result struct {
	Text    string
	IsError bool
}

// Caller is the part of an MCP client session the hub uses.
type Caller interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}

// DialFunc starts a server and returns an initialised session.
type DialFunc func(ctx context.Context, name string, cfg ServerConfig) (Caller, error)

type Status string

const (
	StatusConnected Status = "connected"
	StatusError     Status = "error"
)

// ServerInfo reports a connected server.
type ServerInfo struct {
	Name   string
	Status Status
	Tools  []string
}

type server struct {
	caller Caller
	status Status
	tools  []string
}

// Hub owns the live server sessions and keeps their tools registered.
type Hub struct {
	mu       sync.Mutex
	registry *tools.Registry
	servers  map[string]*server
	dial     DialFunc
	log      *slog.Logger
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithDialer replaces the stdio launcher.
func WithDialer(dial DialFunc) HubOption {
	return func(h *Hub) {
		if dial != nil {
			h.dial = dial
		}
	}
}

func NewHub(registry *tools.Registry, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		registry: registry,
		servers:  map[string]*server{},
		dial:     DialStdio,
		log:      logging.NewComponentLogger(logger, "mcp"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnectAll connects every configured server. Failures are logged and
// returned joined; servers that connect stay connected.
func (h *Hub) ConnectAll(ctx context.Context, store *ConfigStore) error {
	var errs error
	for _, name := range store.Names() {
		cfg, _ := store.Get(name)
		if _, err := h.Connect(ctx, name, cfg); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Connect starts the server and registers its tools. Tools whose names are
// already taken are skipped. It returns the registered tool names.
func (h *Hub) Connect(ctx context.Context, name string, cfg ServerConfig) ([]string, error) {
	if err := cfg.Validate(name); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonMCP)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.servers[name]; ok {
		return nil, errorsx.Wrap(fmt.Errorf("mcp server %q already connected", name), errorsx.ReasonMCP)
	}
	caller, err := h.dial(ctx, name, cfg)
	if err != nil {
		h.log.Error("mcp_connect_failed", "server", name, "error", err)
		return nil, errorsx.Wrap(fmt.Errorf("connect mcp server %q: %w", name, err), errorsx.ReasonMCP)
	}
	infos, err := caller.ListTools(ctx)
	if err != nil {
		_ = caller.Close()
		h.log.Error("mcp_list_tools_failed", "server", name, "error", err)
		return nil, errorsx.Wrap(fmt.Errorf("list tools of %q: %w", name, err), errorsx.ReasonMCP)
	}
	srv := &server{caller: caller, status: StatusConnected}
	for _, info := range infos {
		d := tools.Descriptor{
			Name:        info.Name,
			Description: info.Description,
			Schema:      tools.SchemaFromJSON(info.Properties, info.Required),
			Handler:     callHandler(caller, info.Name),
			Source:      "mcp:" + name,
		}
		if err := h.registry.Register(d); err != nil {
			h.log.Warn("mcp_tool_skipped", "server", name, "tool", info.Name, "error", err)
			continue
		}
		srv.tools = append(srv.tools, llm.NormalizeToolName(info.Name))
	}
	h.servers[name] = srv
	h.log.Info("mcp_server_connected", "server", name, "tools", srv.tools)
	return append([]string(nil), srv.tools...), nil
}

// Disconnect closes the session and unregisters the server's tools.
func (h *Hub) Disconnect(name string) error {
	h.mu.Lock()
	srv, ok := h.servers[name]
	delete(h.servers, name)
	h.mu.Unlock()
	if !ok {
		return errorsx.Wrap(fmt.Errorf("%w: %s", ErrServerNotFound, name), errorsx.ReasonMCP)
	}
	for _, tool := range srv.tools {
		_ = h.registry.Unregister(tool)
	}
	err := srv.caller.Close()
	h.log.Info("mcp_server_disconnected", "server", name)
	return err
}

// Check probes every server with a tool listing and updates its status.
// The probes run outside the hub lock.
func (h *Hub) Check(ctx context.Context) {
	h.mu.Lock()
	snapshot := make(map[string]*server, len(h.servers))
	for name, srv := range h.servers {
		snapshot[name] = srv
	}
	h.mu.Unlock()

	for name, srv := range snapshot {
		_, err := srv.caller.ListTools(ctx)
		next := StatusConnected
		if err != nil {
			next = StatusError
		}
		h.mu.Lock()
		if h.servers[name] != srv {
			h.mu.Unlock()
			continue
		}
		prev := srv.status
		srv.status = next
		h.mu.Unlock()
		if next != prev {
			if err != nil {
				h.log.Warn("mcp_server_status", "server", name, "status", next, "error", err)
			} else {
				h.log.Info("mcp_server_status", "server", name, "status", next)
			}
		}
	}
}

// Monitor runs Check every interval until ctx ends. Each round is bounded by
// the interval.
func (h *Hub) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			h.Check(checkCtx)
			cancel()
		}
	}
}

// Servers lists the connected servers sorted by name.
func (h *Hub) Servers() []ServerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ServerInfo, 0, len(h.servers))
	for name, srv := range h.servers {
		out = append(out, ServerInfo{Name: name, Status: srv.status, Tools: append([]string(nil), srv.tools...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close disconnects every server.
func (h *Hub) Close() error {
	h.mu.Lock()
	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	h.mu.Unlock()
	var errs error
	for _, name := range names {
		errs = errors.Join(errs, h.Disconnect(name))
	}
	return errs
}

func callHandler(caller Caller, name string) tools.Handler {
	return func(ctx context.Context, args tools.Args) (any, error) {
		res, err := caller.CallTool(ctx, name, map[string]any(args))
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, errors.New(strings.TrimSpace(res.Text))
		}
		var decoded any
		if err := json.Unmarshal([]byte(res.Text), &decoded); err == nil {
			return decoded, nil
		}
		return res.Text, nil
	}
}

// stdioCaller adapts an mcp-go stdio client.
type stdioCaller struct {
	c *client.Client
}

// DialStdio launches cfg.Command and performs the MCP handshake.
func DialStdio(ctx context.Context, name string, cfg ServerConfig) (Caller, error) {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "beacon", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return &stdioCaller{c: c}, nil
}

func (s *stdioCaller) ListTools(ctx context.Context) ([]ToolInfo, error) {
	res, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Properties:  t.InputSchema.Properties,
			Required:    t.InputSchema.Required,
		})
	}
	return out, nil
}

func (s *stdioCaller) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return Result{}, err
	}
	var parts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return Result{Text: strings.Join(parts, "\n"), IsError: res.IsError}, nil
}

func (s *stdioCaller) Close() error { return s.c.Close() }
