package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zypherlabs/zypher/pkg/observability"
	"github.com/zypherlabs/zypher/pkg/taskevent"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// RegisterOptions control server registration.
type RegisterOptions struct {
	// Enabled sets the initial desired state. An enabled registration
	// blocks until the server reaches connected.toolDiscovered (or
	// fails), so its tools are dispatchable the moment it returns.
	Enabled bool

	// NoWait skips that wait. The server stays registered and connects
	// in the background. Only meaningful with Enabled.
	NoWait bool

	// WaitTimeout bounds the wait. Zero uses the default.
	WaitTimeout time.Duration
}

// ServerInfo is the externally visible view of one registered server.
type ServerInfo struct {
	Endpoint Endpoint `json:"endpoint"`
	Source   Source   `json:"source"`
	Status   Status   `json:"status"`
}

// managed pairs a client with the plumbing that forwards its status stream.
type managed struct {
	client       *Client
	cancelStatus func()
}

// Manager owns the fleet of MCP clients plus the built-in tool set, merges
// their tools into one namespace, and mediates approval-gated invocation.
// Built-in tools shadow MCP tools on name collision.
type Manager struct {
	connector Connector
	auth      AuthProvider
	registry  *RegistryClient
	approval  tools.ApprovalHandler
	rec       *observability.Recorder

	mu       sync.Mutex
	servers  map[string]*managed
	builtins map[string]*tools.Tool
	disposed bool

	subs    map[int]chan ManagerEvent
	nextSub int

	toolSubs    map[int]chan taskevent.Event
	nextToolSub int

	pumpWG sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAuthProvider sets the OAuth redirect handler passed to clients.
func WithAuthProvider(auth AuthProvider) ManagerOption {
	return func(m *Manager) { m.auth = auth }
}

// WithRegistry sets the registry used by RegisterServerFromRegistry.
func WithRegistry(rc *RegistryClient) ManagerOption {
	return func(m *Manager) { m.registry = rc }
}

// WithApprovalHandler gates CallTool on the handler's decision.
func WithApprovalHandler(h tools.ApprovalHandler) ManagerOption {
	return func(m *Manager) { m.approval = h }
}

// WithRecorder records tool dispatches and server connection states.
func WithRecorder(rec *observability.Recorder) ManagerOption {
	return func(m *Manager) { m.rec = rec }
}

// NewManager creates a manager using the connector for all transports.
func NewManager(connector Connector, opts ...ManagerOption) *Manager {
	m := &Manager{
		connector: connector,
		servers:   make(map[string]*managed),
		builtins:  make(map[string]*tools.Tool),
		subs:      make(map[int]chan ManagerEvent),
		toolSubs:  make(map[int]chan taskevent.Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events yields fleet-level changes. The cancel function releases the
// subscription.
func (m *Manager) Events() (<-chan ManagerEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan ManagerEvent, 128)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (m *Manager) emitLocked(ev ManagerEvent) {
	for id, sub := range m.subs {
		select {
		case sub <- ev:
		default:
			slog.Warn("dropping manager event for slow subscriber",
				"type", ev.Type, "server", ev.ServerID, "subscriber", id)
		}
	}
}

// RegisterServer registers a directly configured server.
func (m *Manager) RegisterServer(ctx context.Context, endpoint Endpoint, opts RegisterOptions) (*Client, error) {
	return m.register(ctx, endpoint, Source{Kind: SourceDirect}, opts)
}

// RegisterServerFromRegistry resolves a package identifier through the
// registry and registers the resulting endpoint.
func (m *Manager) RegisterServerFromRegistry(ctx context.Context, packageIdentifier string, opts RegisterOptions) (*Client, error) {
	if m.registry == nil {
		return nil, fmt.Errorf("no registry configured")
	}
	endpoint, err := m.registry.Resolve(ctx, packageIdentifier)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", packageIdentifier, err)
	}
	source := Source{Kind: SourceRegistry, PackageIdentifier: packageIdentifier}
	return m.register(ctx, endpoint, source, opts)
}

func (m *Manager) register(ctx context.Context, endpoint Endpoint, source Source, opts RegisterOptions) (*Client, error) {
	client, err := NewClient(endpoint, source, m.connector, m.auth)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	if _, exists := m.servers[endpoint.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, endpoint.ID)
	}
	entry := &managed{client: client}
	m.servers[endpoint.ID] = entry
	m.emitLocked(ManagerEvent{Type: EventServerAdded, ServerID: endpoint.ID})
	m.startStatusPumpLocked(entry)
	m.mu.Unlock()

	if opts.Enabled {
		client.SetDesiredEnabled(true)
		if !opts.NoWait {
			if err := client.WaitForConnection(ctx, opts.WaitTimeout); err != nil {
				return client, err
			}
		}
	}
	return client, nil
}

// startStatusPumpLocked forwards the client's status stream as
// client_status_changed events, plus tools_changed on tool-set edges.
func (m *Manager) startStatusPumpLocked(entry *managed) {
	statusCh, cancel := entry.client.SubscribeStatus()
	entry.cancelStatus = cancel
	serverID := entry.client.ServerID()

	m.pumpWG.Add(1)
	go func() {
		defer m.pumpWG.Done()
		var prev *Status
		for status := range statusCh {
			status := status
			prevKind := ""
			if prev != nil {
				prevKind = string(prev.Kind)
			}
			m.rec.MCPServerState(prevKind, string(status.Kind))
			m.mu.Lock()
			m.emitLocked(ManagerEvent{
				Type:     EventClientStatusChanged,
				ServerID: serverID,
				Status:   &status,
			})
			if toolSetEdge(prev, status) {
				m.emitLocked(ManagerEvent{Type: EventToolsChanged, ServerID: serverID})
			}
			m.mu.Unlock()
			prev = &status
		}
		if prev != nil {
			m.rec.MCPServerState(string(prev.Kind), "")
		}
	}()
}

// toolSetEdge reports whether the merged tool set changed between two
// consecutive statuses of one client.
func toolSetEdge(prev *Status, cur Status) bool {
	wasDiscovered := prev != nil && prev.Kind == StatusConnectedToolDiscovered
	isDiscovered := cur.Kind == StatusConnectedToolDiscovered
	return wasDiscovered != isDiscovered
}

// DeregisterServer disposes the server's client and removes it.
func (m *Manager) DeregisterServer(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	delete(m.servers, id)
	m.mu.Unlock()

	err := entry.client.Dispose(ctx)
	entry.cancelStatus()

	m.mu.Lock()
	m.emitLocked(ManagerEvent{Type: EventServerRemoved, ServerID: id})
	m.mu.Unlock()
	return err
}

// UpdateServer replaces a server's endpoint, re-creating its client. The
// previous desired state carries over.
func (m *Manager) UpdateServer(ctx context.Context, endpoint Endpoint) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	old, ok := m.servers[endpoint.ID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, endpoint.ID)
	}
	enabled := old.client.DesiredEnabled()
	source := old.client.Source()
	m.mu.Unlock()

	if err := old.client.Dispose(ctx); err != nil {
		return nil, fmt.Errorf("disposing previous client for %s: %w", endpoint.ID, err)
	}
	old.cancelStatus()

	client, err := NewClient(endpoint, source, m.connector, m.auth)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	entry := &managed{client: client}
	m.servers[endpoint.ID] = entry
	m.emitLocked(ManagerEvent{Type: EventServerUpdated, ServerID: endpoint.ID})
	m.startStatusPumpLocked(entry)
	m.mu.Unlock()

	client.SetDesiredEnabled(enabled)
	return client, nil
}

// SetServerEnabled declares a server's desired state.
func (m *Manager) SetServerEnabled(id string, enabled bool) error {
	client, err := m.GetServer(id)
	if err != nil {
		return err
	}
	client.SetDesiredEnabled(enabled)
	return nil
}

// RetryConnection restarts a failed server's connect attempt.
func (m *Manager) RetryConnection(id string) error {
	client, err := m.GetServer(id)
	if err != nil {
		return err
	}
	return client.Retry()
}

// GetServer returns the client for a registered server.
func (m *Manager) GetServer(id string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return entry.client, nil
}

// ListServers returns a snapshot of all registered servers, sorted by ID.
func (m *Manager) ListServers() []ServerInfo {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.servers))
	for _, entry := range m.servers {
		clients = append(clients, entry.client)
	}
	m.mu.Unlock()

	infos := make([]ServerInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, ServerInfo{
			Endpoint: c.Endpoint(),
			Source:   c.Source(),
			Status:   c.Status(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Endpoint.ID < infos[j].Endpoint.ID })
	return infos
}

// RegisterTool adds a built-in tool. Built-ins shadow MCP tools with the
// same name.
func (m *Manager) RegisterTool(tool *tools.Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.builtins[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	m.builtins[tool.Name] = tool
	m.emitLocked(ManagerEvent{Type: EventToolsChanged})
	return nil
}

// DeregisterTool removes a built-in tool.
func (m *Manager) DeregisterTool(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.builtins[name]; !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(m.builtins, name)
	m.emitLocked(ManagerEvent{Type: EventToolsChanged})
	return nil
}

// GetTools returns the merged tool set: built-ins plus every connected
// server's namespaced tools, built-ins winning collisions. Sorted by name.
func (m *Manager) GetTools() []*tools.Tool {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.servers))
	for _, entry := range m.servers {
		clients = append(clients, entry.client)
	}
	builtins := make([]*tools.Tool, 0, len(m.builtins))
	for _, t := range m.builtins {
		builtins = append(builtins, t)
	}
	m.mu.Unlock()

	merged := make(map[string]*tools.Tool)
	for _, c := range clients {
		for _, t := range c.Tools() {
			merged[t.Name] = t
		}
	}
	for _, t := range builtins {
		merged[t.Name] = t
	}

	out := make([]*tools.Tool, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetTool resolves a tool by name, built-ins first.
func (m *Manager) GetTool(name string) (*tools.Tool, error) {
	m.mu.Lock()
	if t, ok := m.builtins[name]; ok {
		m.mu.Unlock()
		return t, nil
	}
	clients := make([]*Client, 0, len(m.servers))
	for _, entry := range m.servers {
		clients = append(clients, entry.client)
	}
	m.mu.Unlock()

	// Namespaced names route straight to their server.
	if strings.HasPrefix(name, "mcp__") {
		for _, c := range clients {
			if strings.HasPrefix(name, ToolNamePrefix(c.ServerID())) {
				if t, ok := c.GetTool(name); ok {
					return t, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	for _, c := range clients {
		if t, ok := c.GetTool(name); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// CallTool resolves and invokes a tool, gated on the approval handler when
// one is configured. A declined approval returns ErrRejected.
func (m *Manager) CallTool(ctx context.Context, name string, input map[string]any) (*tools.Result, error) {
	tool, err := m.GetTool(name)
	if err != nil {
		return nil, err
	}

	if m.approval != nil {
		approved, err := m.approval(ctx, name, input)
		if err != nil {
			return nil, fmt.Errorf("approval for %s: %w", name, err)
		}
		if !approved {
			return nil, ErrRejected
		}
	}

	return tool.Execute(ctx, input)
}

// CompleteAuthorization forwards an OAuth callback to the transport's flow.
func (m *Manager) CompleteAuthorization(state, code string) error {
	tc, ok := m.connector.(*TransportConnector)
	if !ok || tc.oauth == nil {
		return fmt.Errorf("no OAuth flow configured")
	}
	return tc.oauth.CompleteAuthorization(state, code)
}

// Dispose disposes every client in parallel and closes all event
// subscriptions. The manager accepts no registrations afterwards.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	entries := make([]*managed, 0, len(m.servers))
	for _, entry := range m.servers {
		entries = append(entries, entry)
	}
	m.servers = make(map[string]*managed)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			err := entry.client.Dispose(ctx)
			entry.cancelStatus()
			return err
		})
	}
	err := g.Wait()

	m.pumpWG.Wait()

	m.mu.Lock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub)
	}
	for id, sub := range m.toolSubs {
		delete(m.toolSubs, id)
		close(sub)
	}
	m.mu.Unlock()
	return err
}
