package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zypherlabs/zypher/pkg/tools"
)

const (
	// DefaultWaitForConnectionTimeout bounds WaitForConnection when the
	// caller passes zero.
	DefaultWaitForConnectionTimeout = 10 * time.Second

	// disposeTimeout caps how long Dispose waits for teardown.
	disposeTimeout = 30 * time.Second
)

// ToolInfo is a tool as reported by an MCP server, before namespacing.
type ToolInfo struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Conn is an established transport to one MCP server.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	Close() error
}

// Connector establishes transports. onLost is invoked at most once when an
// established connection drops out from under the client.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint, auth AuthProvider, onLost func(error)) (Conn, error)
}

// AuthProvider drives a user through an OAuth authorization flow on behalf
// of a transport. The client wraps it so the authorization URL surfaces on
// the status stream before the provider proceeds.
type AuthProvider interface {
	RedirectToAuthorization(ctx context.Context, authorizationURL string) error
}

// Client reconciles one MCP server's realized connection with a declared
// desired state. All transitions are serialized under a single mutex; slow
// work (transport establishment, teardown, discovery) happens in goroutines
// that re-enter the state machine when done.
type Client struct {
	endpoint  Endpoint
	source    Source
	connector Connector
	auth      AuthProvider

	mu            sync.Mutex
	kind          StatusKind
	desired       DesiredState
	lastErr       error
	oauthURL      string
	conn          Conn
	toolList      []*tools.Tool
	cancelConnect context.CancelFunc
	connectGen    int

	// changed is closed and replaced on every state transition so waiters
	// can observe progress without polling.
	changed chan struct{}

	lastStatus *Status
	statusSubs map[int]chan Status
	nextSub    int
}

// NewClient creates a client for the endpoint in the disconnected state.
// The desired state starts disconnected; call SetDesiredEnabled(true) to
// begin connecting.
func NewClient(endpoint Endpoint, source Source, connector Connector, auth AuthProvider) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		endpoint:   endpoint,
		source:     source,
		connector:  connector,
		auth:       auth,
		kind:       StatusDisconnected,
		desired:    DesiredDisconnected,
		changed:    make(chan struct{}),
		statusSubs: make(map[int]chan Status),
	}, nil
}

// Endpoint returns the server endpoint.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Source returns the registration provenance.
func (c *Client) Source() Source { return c.source }

// ServerID returns the server's ID.
func (c *Client) ServerID() string { return c.endpoint.ID }

// Status returns the current observable status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	s := Status{Kind: c.kind, Desired: c.desired}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.kind == StatusConnectingAwaitingOAuth {
		s.OAuthURL = c.oauthURL
	}
	if c.kind == StatusConnectedToolDiscovered {
		s.ToolCount = len(c.toolList)
	}
	return s
}

// SubscribeStatus yields the current status immediately and then every
// change, de-duplicated. The cancel function releases the subscription.
func (c *Client) SubscribeStatus() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Status, 64)
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = ch
	ch <- c.statusLocked()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.statusSubs[id]; ok {
			delete(c.statusSubs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// transitionedLocked publishes the new status (if changed) and wakes waiters.
func (c *Client) transitionedLocked() {
	status := c.statusLocked()
	if c.lastStatus != nil && *c.lastStatus == status {
		return
	}
	c.lastStatus = &status
	for id, sub := range c.statusSubs {
		select {
		case sub <- status:
		default:
			slog.Warn("dropping MCP status update for slow subscriber",
				"server", c.endpoint.ID, "subscriber", id)
		}
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// DesiredEnabled reports whether the declared target is connected.
func (c *Client) DesiredEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired == DesiredConnected
}

// SetDesiredEnabled declares the target state. Setting the current value is
// a no-op. The call returns immediately; reconciliation is asynchronous.
func (c *Client) SetDesiredEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desired == DesiredDisposed {
		return
	}
	target := DesiredDisconnected
	if enabled {
		target = DesiredConnected
	}
	if c.desired == target {
		return
	}
	c.desired = target
	c.reconcileLocked()
	c.transitionedLocked()
}

// reconcileLocked advances the machine toward the desired state from any
// settled state. In-flight states (connecting, disconnecting, aborting)
// advance when their goroutines re-enter.
func (c *Client) reconcileLocked() {
	switch c.kind {
	case StatusDisconnected:
		switch c.desired {
		case DesiredDisposed:
			c.kind = StatusDisposed
		case DesiredConnected:
			c.startConnectLocked()
		}

	case StatusConnectingInitializing, StatusConnectingAwaitingOAuth:
		if c.desired != DesiredConnected {
			c.kind = StatusAborting
			if c.cancelConnect != nil {
				c.cancelConnect()
			}
		}

	case StatusConnectedInitial, StatusConnectedToolDiscovered:
		if c.desired != DesiredConnected {
			c.kind = StatusDisconnecting
			conn := c.conn
			c.conn = nil
			c.toolList = nil
			go c.teardown(conn, nil)
		}

	case StatusError:
		if c.desired != DesiredConnected {
			c.kind = StatusDisconnected
			c.reconcileLocked()
		}

	case StatusDisposed, StatusAborting, StatusDisconnecting, StatusDisconnectingDueToError:
		// Terminal or in-flight; nothing to drive here.
	}
}

func (c *Client) startConnectLocked() {
	c.kind = StatusConnectingInitializing
	c.oauthURL = ""
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConnect = cancel
	c.connectGen++
	gen := c.connectGen
	go c.runConnect(ctx, gen)
}

func (c *Client) runConnect(ctx context.Context, gen int) {
	conn, err := c.connector.Connect(ctx, c.endpoint, &redirectInterceptor{client: c, inner: c.auth}, func(lost error) {
		c.connectionLost(lost)
	})

	c.mu.Lock()
	if gen != c.connectGen {
		// A newer connect attempt superseded this one.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelConnect = nil

	if err != nil {
		if c.kind == StatusAborting || ctx.Err() != nil {
			// Caller-initiated abort is not an error.
			c.kind = StatusDisconnected
			c.oauthURL = ""
			c.reconcileLocked()
		} else {
			c.lastErr = err
			c.kind = StatusError
			c.oauthURL = ""
		}
		c.transitionedLocked()
		c.mu.Unlock()
		return
	}

	if c.kind == StatusAborting || c.desired != DesiredConnected {
		c.kind = StatusDisconnected
		c.oauthURL = ""
		c.reconcileLocked()
		c.transitionedLocked()
		c.mu.Unlock()
		conn.Close()
		return
	}

	c.conn = conn
	c.kind = StatusConnectedInitial
	c.oauthURL = ""
	c.lastErr = nil
	c.transitionedLocked()
	c.mu.Unlock()

	c.discoverTools(ctx, conn, gen)
}

func (c *Client) discoverTools(ctx context.Context, conn Conn, gen int) {
	infos, err := conn.ListTools(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.connectGen || c.kind != StatusConnectedInitial {
		return
	}
	if err != nil {
		c.kind = StatusDisconnectingDueToError
		c.conn = nil
		c.toolList = nil
		go c.teardown(conn, fmt.Errorf("tool discovery failed: %w", err))
		c.transitionedLocked()
		return
	}

	list := make([]*tools.Tool, 0, len(infos))
	for _, info := range infos {
		original := info.Name
		list = append(list, &tools.Tool{
			Name:         NamespacedToolName(c.endpoint.ID, original),
			Description:  info.Description,
			InputSchema:  info.InputSchema,
			OutputSchema: info.OutputSchema,
			Execute: func(ctx context.Context, input map[string]any) (*tools.Result, error) {
				return c.ExecuteToolCall(ctx, original, input)
			},
		})
	}
	c.toolList = list
	c.kind = StatusConnectedToolDiscovered
	c.transitionedLocked()

	slog.Info("MCP server connected",
		"server", c.endpoint.ID, "tools", len(list))
}

// connectionLost handles a transport dropping out from under a connected
// client.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.kind.IsConnected() {
		return
	}
	conn := c.conn
	c.conn = nil
	c.toolList = nil
	c.kind = StatusDisconnectingDueToError
	go c.teardown(conn, fmt.Errorf("connection lost: %w", err))
	c.transitionedLocked()
}

// teardown closes the transport and settles the machine into disconnected
// or error depending on the cause.
func (c *Client) teardown(conn Conn, cause error) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("MCP transport close failed", "server", c.endpoint.ID, "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cause != nil {
		c.lastErr = cause
		c.kind = StatusError
	} else {
		c.kind = StatusDisconnected
	}
	c.reconcileLocked()
	c.transitionedLocked()
}

// Retry restarts a connect attempt. Valid only from the error state.
func (c *Client) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusError {
		return fmt.Errorf("%w (current state %s)", ErrNotInErrorState, c.kind)
	}
	c.startConnectLocked()
	c.transitionedLocked()
	return nil
}

// WaitForConnection blocks until the client reaches connected.toolDiscovered
// while still desiring connection. It fails on timeout, on the machine
// settling in error, or when the desired state drifts away mid-wait.
func (c *Client) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitForConnectionTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		kind, desired, lastErr := c.kind, c.desired, c.lastErr
		changed := c.changed
		c.mu.Unlock()

		switch {
		case kind == StatusConnectedToolDiscovered && desired == DesiredConnected:
			return nil
		case desired != DesiredConnected:
			return ErrConnectionCancelled
		case kind == StatusError:
			return fmt.Errorf("connection failed: %w", lastErr)
		}

		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for connection to %s after %v", c.endpoint.ID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PendingOAuthURL returns the authorization URL when the client is waiting
// on OAuth, and "" otherwise.
func (c *Client) PendingOAuthURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusConnectingAwaitingOAuth {
		return ""
	}
	return c.oauthURL
}

// Tools returns the discovered namespaced tools. Empty outside
// connected.toolDiscovered.
func (c *Client) Tools() []*tools.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusConnectedToolDiscovered {
		return nil
	}
	out := make([]*tools.Tool, len(c.toolList))
	copy(out, c.toolList)
	return out
}

// GetTool looks up a discovered tool by its namespaced name.
func (c *Client) GetTool(name string) (*tools.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusConnectedToolDiscovered {
		return nil, false
	}
	for _, t := range c.toolList {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// ToolCount returns the number of discovered tools.
func (c *Client) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusConnectedToolDiscovered {
		return 0
	}
	return len(c.toolList)
}

// ExecuteToolCall invokes a server tool by its original (un-namespaced)
// name. Result normalization happens in the transport layer.
func (c *Client) ExecuteToolCall(ctx context.Context, name string, input map[string]any) (*tools.Result, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("server %s is not connected", c.endpoint.ID)
	}
	return conn.CallTool(ctx, name, input)
}

// Dispose declares the disposed target and waits up to 30 seconds for the
// machine to reach it.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.kind == StatusDisposed {
		c.mu.Unlock()
		return nil
	}
	c.desired = DesiredDisposed
	c.reconcileLocked()
	c.transitionedLocked()
	c.mu.Unlock()

	deadline := time.NewTimer(disposeTimeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		kind := c.kind
		changed := c.changed
		c.mu.Unlock()
		if kind == StatusDisposed {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("timed out disposing client %s", c.endpoint.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// redirectInterceptor surfaces the OAuth URL on the status stream before
// delegating to the wrapped provider.
type redirectInterceptor struct {
	client *Client
	inner  AuthProvider
}

func (r *redirectInterceptor) RedirectToAuthorization(ctx context.Context, authorizationURL string) error {
	r.client.noteOAuthRequired(authorizationURL)
	if r.inner == nil {
		return nil
	}
	return r.inner.RedirectToAuthorization(ctx, authorizationURL)
}

func (c *Client) noteOAuthRequired(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kind != StatusConnectingInitializing {
		return
	}
	c.kind = StatusConnectingAwaitingOAuth
	c.oauthURL = url
	c.transitionedLocked()
}
