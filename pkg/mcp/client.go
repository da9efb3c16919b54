// Package mcp connects the orchestrator to managed capability servers
// speaking the Model Context Protocol. It owns the long-lived server
// sessions, the tool cache the resolver's discovery scan reads, the health
// monitor, and ToolProvider, the bridge that exposes a server's tools
// through the capability provider contract.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/recovery"
	"github.com/sakhrNab/autonomous-claude-sub000/pkg/version"
)

// Operation deadlines. The engine's per-step context sits above all of
// these and is the hard ceiling.
const (
	// dialTimeout bounds transport spawn plus protocol handshake.
	dialTimeout = 30 * time.Second

	// callTimeout is the per-operation deadline for CallTool and ListTools.
	// Matches the default capability-call timeout.
	callTimeout = 60 * time.Second

	// reconnectTimeout bounds session replacement after a transport failure.
	reconnectTimeout = 10 * time.Second

	// retryPauseFloor/Ceil bracket the jittered pause before the single
	// retry CallTool allows itself.
	retryPauseFloor = 250 * time.Millisecond
	retryPauseCeil  = 750 * time.Millisecond
)

// link pairs an SDK client with its live session for one server.
type link struct {
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// Client holds the sessions for every configured capability server.
// Safe for concurrent use; capability calls from parallel workers share it.
type Client struct {
	registry *config.MCPServerRegistry
	logger   *slog.Logger

	mu    sync.RWMutex
	links map[string]link
	down  map[string]string // server id → connect error, for boot reporting

	// Cached ListTools results. Dropped per server on reconnect and
	// wholesale when the resolver's discovery cache expires.
	toolsMu sync.RWMutex
	tools   map[string][]*mcpsdk.Tool

	// One mutex per server so concurrent connect attempts collapse into one.
	dialing sync.Map
}

func newClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry: registry,
		logger:   slog.Default(),
		links:    make(map[string]link),
		down:     make(map[string]string),
		tools:    make(map[string][]*mcpsdk.Tool),
	}
}

// connectAll dials every listed server. Disabled servers are skipped and a
// server that fails to come up is recorded in down rather than aborting, so
// one broken registration cannot take the rest offline. The caller decides
// whether a non-empty down set is fatal.
func (c *Client) connectAll(ctx context.Context, serverIDs []string) {
	for _, id := range serverIDs {
		if cfg, err := c.registry.Get(id); err == nil && cfg.Disabled {
			c.logger.Debug("Skipping disabled capability server", "server", id)
			continue
		}
		if err := c.connect(ctx, id); err != nil {
			c.mu.Lock()
			c.down[id] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("Capability server failed to connect", "server", id, "error", err)
		}
	}
}

// connect establishes the session for one server, serializing concurrent
// attempts per server. Returns nil if a session already exists.
func (c *Client) connect(ctx context.Context, serverID string) error {
	mu := c.dialMutex(serverID)
	mu.Lock()
	defer mu.Unlock()
	return c.dial(ctx, serverID)
}

func (c *Client) dialMutex(serverID string) *sync.Mutex {
	v, _ := c.dialing.LoadOrStore(serverID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// dial performs the connect. Caller holds the server's dialing mutex, which
// makes the exists-check race free.
func (c *Client) dial(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, connected := c.links[serverID]
	c.mu.RUnlock()
	if connected {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("server %q is not registered: %w", serverID, err)
	}
	transport, err := dialTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("transport for %q: %w", serverID, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := sdkClient.Connect(dialCtx, transport, nil)
	if err != nil {
		// A stdio transport that spawned a child process leaks it unless
		// closed here; the SDK covers most failure paths but not all.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.links[serverID] = link{client: sdkClient, session: session}
	delete(c.down, serverID)
	c.mu.Unlock()

	c.logger.Info("Capability server connected", "server", serverID)
	return nil
}

// session returns the live session for a server, if any.
func (c *Client) sessionFor(serverID string) (*mcpsdk.ClientSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.links[serverID]
	return l.session, ok
}

// CallTool invokes one tool. A failure classified as recoverable earns a
// single retry after a jittered pause; transport-class failures get a fresh
// session first. Anything else surfaces to the caller unchanged.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := recovery.Classify(err)
	if action == recovery.NoRetry {
		return nil, err
	}
	c.logger.Info("Tool call failed, retrying once",
		"server", serverID, "tool", toolName, "action", action, "error", err)

	pause := retryPauseFloor + time.Duration(rand.Int64N(int64(retryPauseCeil-retryPauseFloor)))
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == recovery.RetryNewProvider {
		if err := c.reconnect(ctx, serverID); err != nil {
			return nil, fmt.Errorf("reconnect %q: %w", serverID, err)
		}
	}

	result, err = c.callOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry of %s.%s failed: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, ok := c.sessionFor(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return session.CallTool(callCtx, params)
}

// ListTools returns the server's tools, from cache when present.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	// Lock order is always toolsMu before mu, never nested the other way.
	c.toolsMu.RLock()
	cached, hit := c.tools[serverID]
	c.toolsMu.RUnlock()
	if hit {
		return cached, nil
	}

	session, ok := c.sessionFor(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	listCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", serverID, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{} // cache hits must never hand back nil
	}
	c.toolsMu.Lock()
	c.tools[serverID] = tools
	c.toolsMu.Unlock()
	return tools, nil
}

// ListAllTools gathers tools from every connected server. Servers that fail
// are logged and skipped; the call errors only when nothing answered.
func (c *Client) ListAllTools(ctx context.Context) (map[string][]*mcpsdk.Tool, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	out := make(map[string][]*mcpsdk.Tool, len(ids))
	var lastErr error
	for _, id := range ids {
		tools, err := c.ListTools(ctx, id)
		if err != nil {
			lastErr = err
			c.logger.Warn("Listing tools failed", "server", id, "error", err)
			continue
		}
		out[id] = tools
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no server answered a tool listing: %w", lastErr)
	}
	return out, nil
}

// reconnect drops the server's session and dials again. Two racing callers
// may rebuild the session twice; the second rebuild is wasted work, not a
// correctness problem, and detecting it is not worth a staleness protocol
// (the first caller sees the same broken session the second does).
func (c *Client) reconnect(ctx context.Context, serverID string) error {
	mu := c.dialMutex(serverID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if l, ok := c.links[serverID]; ok {
		_ = l.session.Close()
		delete(c.links, serverID)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(serverID)

	dialCtx, cancel := context.WithTimeout(ctx, reconnectTimeout)
	defer cancel()
	return c.dial(dialCtx, serverID)
}

// Close shuts every session down and clears all state. Returns the first
// close error; later ones are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, l := range c.links {
		if err := l.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.links = make(map[string]link)
	c.down = make(map[string]string)

	c.toolsMu.Lock()
	c.tools = make(map[string][]*mcpsdk.Tool)
	c.toolsMu.Unlock()

	return firstErr
}

// InvalidateToolCache drops one server's cached tool list so the next
// ListTools probes the live server.
func (c *Client) InvalidateToolCache(serverID string) {
	c.toolsMu.Lock()
	delete(c.tools, serverID)
	c.toolsMu.Unlock()
}

// InvalidateAllToolCaches drops every cached tool list. The resolver calls
// this when its discovery snapshot expires so a rescan sees live servers.
func (c *Client) InvalidateAllToolCaches() {
	c.toolsMu.Lock()
	c.tools = make(map[string][]*mcpsdk.Tool)
	c.toolsMu.Unlock()
}

// HasSession reports whether the server currently has a live session.
func (c *Client) HasSession(serverID string) bool {
	_, ok := c.sessionFor(serverID)
	return ok
}

// FailedServers returns a copy of the connect failures recorded by
// connectAll, keyed by server id. main uses it to abort boot when any
// configured server is down.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.down))
	for id, reason := range c.down {
		out[id] = reason
	}
	return out
}

// ClientFactory builds Clients. The daemon keeps one long-lived client for
// capability calls; the health monitor builds a second so probes never
// contend with live traffic.
type ClientFactory struct {
	registry *config.MCPServerRegistry

	// buildFn replaces the real dial path in tests.
	buildFn func(ctx context.Context, serverIDs []string) (*Client, error)
}

// NewClientFactory returns a factory over the configured server registry.
func NewClientFactory(registry *config.MCPServerRegistry) *ClientFactory {
	return &ClientFactory{registry: registry}
}

// CreateClient dials the listed servers and returns the client. Individual
// connect failures do not error here; they land in FailedServers so the
// caller chooses between aborting and degrading.
func (f *ClientFactory) CreateClient(ctx context.Context, serverIDs []string) (*Client, error) {
	if f.buildFn != nil {
		return f.buildFn(ctx, serverIDs)
	}
	client := newClient(f.registry)
	client.connectAll(ctx, serverIDs)
	return client, nil
}
