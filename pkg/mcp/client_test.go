package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zypherlabs/zypher/pkg/tools"
)

type fakeConn struct {
	infos   []ToolInfo
	listErr error
	callFn  func(ctx context.Context, name string, args map[string]any) (*tools.Result, error)

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.infos, nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	if c.callFn != nil {
		return c.callFn(ctx, name, args)
	}
	return tools.TextResult("ok:" + name), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnector struct {
	mu      sync.Mutex
	release chan struct{}
	err     error
	infos   []ToolInfo
	listErr error
	callFn  func(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	auth    AuthProvider
	onLost  func(error)
	conns   []*fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context, ep Endpoint, auth AuthProvider, onLost func(error)) (Conn, error) {
	f.mu.Lock()
	release := f.release
	err := f.err
	f.auth = auth
	f.onLost = onLost
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{infos: f.infos, listErr: f.listErr, callFn: f.callFn}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeConnector) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func stdioEndpoint(id string) Endpoint {
	return Endpoint{ID: id, Command: &CommandEndpoint{Command: "server-bin"}}
}

func newTestClient(t *testing.T, connector Connector) *Client {
	t.Helper()
	client, err := NewClient(stdioEndpoint("files"), Source{Kind: SourceDirect}, connector, nil)
	require.NoError(t, err)
	return client
}

func TestClientConnectsAndDiscoversTools(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{
		{Name: "read_file", Description: "Read a file"},
		{Name: "write_file", Description: "Write a file"},
	}}
	client := newTestClient(t, connector)

	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	status := client.Status()
	assert.Equal(t, StatusConnectedToolDiscovered, status.Kind)
	assert.Equal(t, 2, status.ToolCount)

	list := client.Tools()
	require.Len(t, list, 2)
	assert.Equal(t, "mcp__files__read_file", list[0].Name)
	assert.Equal(t, "mcp__files__write_file", list[1].Name)
}

func TestClientNamespacedToolDelegatesToServer(t *testing.T) {
	connector := &fakeConnector{
		infos: []ToolInfo{{Name: "read_file"}},
		callFn: func(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
			return tools.TextResult("called:" + name), nil
		},
	}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	tool, ok := client.GetTool("mcp__files__read_file")
	require.True(t, ok)

	result, err := tool.Execute(context.Background(), map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	// The server sees the original, un-namespaced name.
	assert.Equal(t, "called:read_file", result.Text())
}

func TestClientConnectFailureSettlesInError(t *testing.T) {
	connector := &fakeConnector{err: errors.New("spawn failed")}
	client := newTestClient(t, connector)

	client.SetDesiredEnabled(true)
	err := client.WaitForConnection(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")
	assert.Equal(t, StatusError, client.Status().Kind)
}

func TestClientAbortMidConnectSettlesDisconnected(t *testing.T) {
	release := make(chan struct{})
	connector := &fakeConnector{release: release}
	client := newTestClient(t, connector)

	client.SetDesiredEnabled(true)
	require.Eventually(t, func() bool {
		return client.Status().Kind == StatusConnectingInitializing
	}, time.Second, 5*time.Millisecond)

	// Flipping the desire mid-connect aborts rather than errors.
	client.SetDesiredEnabled(false)

	require.Eventually(t, func() bool {
		return client.Status().Kind == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, client.Status().LastError)
}

func TestClientWaitForConnectionCancelledOnDesireDrift(t *testing.T) {
	release := make(chan struct{})
	connector := &fakeConnector{release: release}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)

	done := make(chan error, 1)
	go func() { done <- client.WaitForConnection(context.Background(), 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	client.SetDesiredEnabled(false)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionCancelled)
	case <-time.After(time.Second):
		t.Fatal("WaitForConnection did not return")
	}
}

func TestClientRetryOnlyFromError(t *testing.T) {
	connector := &fakeConnector{err: errors.New("boom")}
	client := newTestClient(t, connector)

	assert.ErrorIs(t, client.Retry(), ErrNotInErrorState)

	client.SetDesiredEnabled(true)
	require.Error(t, client.WaitForConnection(context.Background(), time.Second))

	// Clear the failure and retry.
	connector.mu.Lock()
	connector.err = nil
	connector.infos = []ToolInfo{{Name: "ping"}}
	connector.mu.Unlock()

	require.NoError(t, client.Retry())
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))
	assert.Equal(t, 1, client.ToolCount())
}

func TestClientDisableTearsDownConnection(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "ping"}}}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	client.SetDesiredEnabled(false)
	require.Eventually(t, func() bool {
		return client.Status().Kind == StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	assert.True(t, connector.lastConn().isClosed())
	assert.Nil(t, client.Tools())
}

func TestClientConnectionLostSettlesInError(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "ping"}}}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	connector.onLost(errors.New("pipe broke"))

	require.Eventually(t, func() bool {
		return client.Status().Kind == StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, client.Status().LastError, "pipe broke")
}

func TestClientToolDiscoveryFailureSettlesInError(t *testing.T) {
	connector := &fakeConnector{listErr: errors.New("list unsupported")}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)

	err := client.WaitForConnection(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, StatusError, client.Status().Kind)
	assert.True(t, connector.lastConn().isClosed())
}

func TestClientOAuthSurfacesPendingURL(t *testing.T) {
	release := make(chan struct{})
	connector := &fakeConnector{release: release, infos: []ToolInfo{{Name: "ping"}}}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)

	require.Eventually(t, func() bool {
		connector.mu.Lock()
		defer connector.mu.Unlock()
		return connector.auth != nil
	}, time.Second, 5*time.Millisecond)

	connector.mu.Lock()
	auth := connector.auth
	connector.mu.Unlock()
	require.NoError(t, auth.RedirectToAuthorization(context.Background(), "https://auth.example/consent"))

	assert.Equal(t, StatusConnectingAwaitingOAuth, client.Status().Kind)
	assert.Equal(t, "https://auth.example/consent", client.PendingOAuthURL())

	close(release)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))
	assert.Empty(t, client.PendingOAuthURL())
}

func TestClientDisposeFromAnyState(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "ping"}}}
	client := newTestClient(t, connector)
	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	require.NoError(t, client.Dispose(context.Background()))
	assert.Equal(t, StatusDisposed, client.Status().Kind)
	assert.True(t, connector.lastConn().isClosed())

	// Dispose is idempotent and pins the desired state.
	require.NoError(t, client.Dispose(context.Background()))
	client.SetDesiredEnabled(true)
	assert.Equal(t, StatusDisposed, client.Status().Kind)
}

func TestClientStatusStreamDeduplicates(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "ping"}}}
	client := newTestClient(t, connector)

	statusCh, cancel := client.SubscribeStatus()
	defer cancel()

	first := <-statusCh
	assert.Equal(t, StatusDisconnected, first.Kind)

	// Re-declaring the current desire must not produce a status update.
	client.SetDesiredEnabled(false)
	select {
	case s := <-statusCh:
		t.Fatalf("unexpected status update: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}

	client.SetDesiredEnabled(true)
	require.NoError(t, client.WaitForConnection(context.Background(), time.Second))

	var kinds []StatusKind
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-statusCh:
			kinds = append(kinds, s.Kind)
			if s.Kind == StatusConnectedToolDiscovered {
				assert.Equal(t, []StatusKind{
					StatusConnectingInitializing,
					StatusConnectedInitial,
					StatusConnectedToolDiscovered,
				}, kinds)
				return
			}
		case <-deadline:
			t.Fatalf("tool discovery never surfaced, saw %v", kinds)
		}
	}
}
