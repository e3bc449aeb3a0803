// Package mcp maintains a pool of SSE connections to remote MCP servers
// and proxies their tools into the runtime's tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/pipewise/pipewise"
)

// defaultCallTimeout bounds one remote tool invocation.
const defaultCallTimeout = 30 * time.Second

// defaultBackoffCap bounds the reconnect backoff interval.
const defaultBackoffCap = 60 * time.Second

// ServerConfig describes one remote MCP server.
type ServerConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	// ClientName identifies this client in the Initialize handshake so the
	// server can bind user state. Empty means "pipewise".
	ClientName string
	// CallTimeout bounds each tool call. Zero means 30s.
	CallTimeout time.Duration
	// ReconnectBackoffCap bounds the backoff between reconnect attempts.
	// Zero means 60s.
	ReconnectBackoffCap time.Duration
}

// ToolInfo is one entry of a server's tool manifest.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// dialFunc establishes a connected, initialized client. Injectable so
// tests can run without a live server.
type dialFunc func(ctx context.Context, cfg ServerConfig) (sdkclient.MCPClient, error)

func sseDial(ctx context.Context, cfg ServerConfig) (sdkclient.MCPClient, error) {
	var opts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Headers))
	}
	cli, err := sdkclient.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: create sse client %q: %w", cfg.Name, err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: start sse client %q: %w", cfg.Name, err)
	}
	initReq := sdkmcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = sdkmcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = sdkmcp.Implementation{Name: cfg.ClientName, Version: "0.1.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("mcp: initialize %q: %w", cfg.Name, err)
	}
	return cli, nil
}

// conn is one server's connection plus its cached manifest.
type conn struct {
	cfg ServerConfig

	mu           sync.RWMutex
	client       sdkclient.MCPClient
	degraded     bool
	manifest     []ToolInfo
	reconnecting bool
}

// Pool owns all MCP connections and the proxy tools registered for them.
// Connections are shared across workflows; a degraded server fails its
// tools fast while a background loop reconnects.
type Pool struct {
	registry *pipewise.Registry
	servers  map[string]*conn
	dial     dialFunc
	logger   *slog.Logger
	recorder pipewise.Recorder

	stopMu sync.Mutex
	stop   chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPoolRecorder sets the telemetry recorder.
func WithPoolRecorder(r pipewise.Recorder) PoolOption {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// withDial overrides the dialer. Test hook.
func withDial(d dialFunc) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// NewPool creates a pool over the given servers. Call Connect before use.
func NewPool(registry *pipewise.Registry, servers []ServerConfig, opts ...PoolOption) *Pool {
	p := &Pool{
		registry: registry,
		servers:  make(map[string]*conn, len(servers)),
		dial:     sseDial,
		logger:   slog.New(slog.DiscardHandler),
		recorder: pipewise.NopRecorder{},
		stop:     make(chan struct{}),
	}
	for _, cfg := range servers {
		if cfg.CallTimeout <= 0 {
			cfg.CallTimeout = defaultCallTimeout
		}
		if cfg.ReconnectBackoffCap <= 0 {
			cfg.ReconnectBackoffCap = defaultBackoffCap
		}
		if cfg.ClientName == "" {
			cfg.ClientName = "pipewise"
		}
		p.servers[cfg.Name] = &conn{cfg: cfg}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials every server, fetches its manifest, and registers proxy
// tools. A server that fails to connect starts degraded and reconnects in
// the background; Connect itself only fails on registration conflicts.
func (p *Pool) Connect(ctx context.Context) error {
	for name, c := range p.servers {
		client, err := p.dial(ctx, c.cfg)
		if err != nil {
			p.logger.WarnContext(ctx, "mcp server unavailable at startup, starting degraded",
				"server", name, "err", err)
			p.markDegraded(ctx, c, err)
			continue
		}
		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		if err := p.refreshManifest(ctx, c); err != nil {
			p.logger.WarnContext(ctx, "mcp manifest fetch failed, starting degraded",
				"server", name, "err", err)
			p.markDegraded(ctx, c, err)
		}
	}
	return nil
}

// Servers returns the configured server names, sorted.
func (p *Pool) Servers() []string {
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the cached manifest for a server.
func (p *Pool) Tools(server string) ([]ToolInfo, error) {
	c, ok := p.servers[server]
	if !ok {
		return nil, fmt.Errorf("mcp: %q: %w", server, pipewise.ErrNoSuchServer)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolInfo(nil), c.manifest...), nil
}

// Degraded reports whether a server is currently unavailable.
func (p *Pool) Degraded(server string) bool {
	c, ok := p.servers[server]
	if !ok {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// InvalidateManifest drops a server's cached manifest and refetches it,
// re-registering the proxy tools. Used when a server signals a tool list
// change.
func (p *Pool) InvalidateManifest(ctx context.Context, server string) error {
	c, ok := p.servers[server]
	if !ok {
		return fmt.Errorf("mcp: %q: %w", server, pipewise.ErrNoSuchServer)
	}
	return p.refreshManifest(ctx, c)
}

// Invoke calls a remote tool with the server's call timeout. Failures come
// back as failed ToolResults so the model can react; Invoke never errors.
func (p *Pool) Invoke(ctx context.Context, server, tool string, args json.RawMessage) pipewise.ToolResult {
	c, ok := p.servers[server]
	if !ok {
		return pipewise.ToolError(pipewise.ToolErrUnavailable, "no such mcp server: "+server)
	}
	c.mu.RLock()
	client := c.client
	degraded := c.degraded
	c.mu.RUnlock()
	if degraded || client == nil {
		return pipewise.ToolError(pipewise.ToolErrUnavailable,
			fmt.Sprintf("mcp server %q is unavailable", server))
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return pipewise.ToolError(pipewise.ToolErrInvalidArgs, "arguments are not a JSON object: "+err.Error())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = argMap

	result, err := client.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return pipewise.ToolError(pipewise.ToolErrTimeout,
				fmt.Sprintf("mcp call %s.%s timed out after %s", server, tool, c.cfg.CallTimeout))
		}
		p.markDegraded(ctx, c, err)
		return pipewise.ToolError(pipewise.ToolErrRemote,
			fmt.Sprintf("mcp call %s.%s failed: %v", server, tool, err))
	}

	text := textContent(result)
	if result.IsError {
		return pipewise.ToolError(pipewise.ToolErrRemote, text)
	}
	if json.Valid([]byte(text)) {
		return pipewise.ToolOK(json.RawMessage(text))
	}
	raw, _ := json.Marshal(text)
	return pipewise.ToolOK(raw)
}

// Close shuts down reconnect loops and all connections.
func (p *Pool) Close() error {
	p.stopMu.Lock()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.stopMu.Unlock()

	var firstErr error
	for _, c := range p.servers {
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.mu.Unlock()
		if client != nil {
			if err := client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// refreshManifest fetches the tool list and reconciles the registry: new
// tools are registered under "<server>.<tool>", removed ones unregistered.
func (p *Pool) refreshManifest(ctx context.Context, c *conn) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("mcp: %q not connected", c.cfg.Name)
	}

	result, err := client.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}
	manifest := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		manifest = append(manifest, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	c.mu.Lock()
	old := c.manifest
	c.manifest = manifest
	c.mu.Unlock()

	current := make(map[string]bool, len(manifest))
	for _, info := range manifest {
		current[info.Name] = true
	}
	for _, info := range old {
		if !current[info.Name] {
			p.registry.Unregister(proxyName(c.cfg.Name, info.Name))
		}
	}
	for _, info := range manifest {
		p.registerProxy(c.cfg.Name, info)
	}
	return nil
}

// registerProxy registers one remote tool in the shared registry. An
// already-registered name (manifest refresh) is replaced.
func (p *Pool) registerProxy(server string, info ToolInfo) {
	name := proxyName(server, info.Name)
	remote := info.Name
	spec := pipewise.ToolSpec{
		Name:        name,
		Description: info.Description,
		Parameters:  info.InputSchema,
		Locality:    "mcp:" + server,
		Invoke: func(ctx context.Context, call pipewise.CallContext, args json.RawMessage) pipewise.ToolResult {
			return p.Invoke(ctx, server, remote, args)
		},
	}
	p.registry.Unregister(name)
	if err := p.registry.Register(spec); err != nil {
		p.logger.Warn("mcp proxy registration failed", "tool", name, "err", err)
	}
}

func proxyName(server, tool string) string { return server + "." + tool }

// markDegraded flips a server into degraded mode and starts the reconnect
// loop if it is not already running.
func (p *Pool) markDegraded(ctx context.Context, c *conn, cause error) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	startLoop := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	if !already {
		p.recorder.Record(ctx, pipewise.EventMCPDisconnected,
			pipewise.StringAttr("server", c.cfg.Name))
		p.logger.WarnContext(ctx, "mcp server degraded", "server", c.cfg.Name, "err", cause)
	}
	if startLoop {
		go p.reconnectLoop(c)
	}
}

// reconnectLoop re-dials with capped exponential backoff until the server
// answers, then refreshes the manifest and clears degraded mode.
func (p *Pool) reconnectLoop(c *conn) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.ReconnectBackoffCap

	for {
		select {
		case <-p.stop:
			return
		case <-time.After(bo.NextBackOff()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := p.dial(ctx, c.cfg)
		if err != nil {
			cancel()
			p.logger.Debug("mcp reconnect attempt failed", "server", c.cfg.Name, "err", err)
			continue
		}

		c.mu.Lock()
		if c.client != nil {
			_ = c.client.Close()
		}
		c.client = client
		c.mu.Unlock()

		if err := p.refreshManifest(ctx, c); err != nil {
			cancel()
			p.logger.Debug("mcp reconnect manifest fetch failed", "server", c.cfg.Name, "err", err)
			continue
		}
		cancel()

		c.mu.Lock()
		c.degraded = false
		c.reconnecting = false
		c.mu.Unlock()

		p.recorder.Record(context.Background(), pipewise.EventMCPReconnected,
			pipewise.StringAttr("server", c.cfg.Name))
		p.logger.Info("mcp server reconnected", "server", c.cfg.Name)
		return
	}
}

func textContent(result *sdkmcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
