package agent

import (
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zypherlabs/zypher/pkg/checkpoint"
	"github.com/zypherlabs/zypher/pkg/interceptor"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/model"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// scriptedStream replays a fixed event sequence. With block set it waits for
// ctx instead, for cancellation tests.
type scriptedStream struct {
	ctx    context.Context
	events []*model.Event
	i      int
	block  bool
}

func (s *scriptedStream) Recv() (*model.Event, error) {
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.ctx.Err() != nil {
		return nil, s.ctx.Err()
	}
	if s.i >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// fakeProvider pops one scripted stream per call. When repeat is set the
// last script is replayed forever.
type fakeProvider struct {
	mu      sync.Mutex
	scripts []*scriptedStream
	repeat  bool
	calls   int
	lastReq *model.Request
}

func (p *fakeProvider) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req

	var s *scriptedStream
	switch {
	case len(p.scripts) > 1 || (len(p.scripts) == 1 && !p.repeat):
		s = p.scripts[0]
		p.scripts = p.scripts[1:]
	case len(p.scripts) == 1:
		copied := *p.scripts[0]
		copied.i = 0
		s = &copied
	default:
		s = &scriptedStream{}
	}
	s.ctx = ctx
	return s, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func endTurnScript(text string) *scriptedStream {
	return &scriptedStream{events: []*model.Event{
		{Type: model.EventText, Text: text},
		{Type: model.EventUsage, Usage: &protocol.TokenUsage{
			Input:  protocol.InputUsage{Total: 10},
			Output: protocol.OutputUsage{Total: 5},
			Total:  15,
		}},
		{
			Type:       model.EventMessage,
			Message:    protocol.NewAssistantText(text),
			StopReason: protocol.StopEndTurn,
		},
	}}
}

func toolUseScript(id, name string, input map[string]any) *scriptedStream {
	return &scriptedStream{events: []*model.Event{
		{Type: model.EventToolUseStart, ToolUseID: id, ToolName: name},
		{
			Type: model.EventMessage,
			Message: &protocol.Message{
				Role: protocol.RoleAssistant,
				Content: []protocol.ContentBlock{
					&protocol.ToolUseBlock{ID: id, Name: name, Input: input},
				},
				Timestamp: time.Now(),
			},
			StopReason: protocol.StopToolUse,
		},
	}}
}

type harness struct {
	agent    *Agent
	provider *fakeProvider
	manager  *mcp.Manager
	workDir  string
}

func newHarness(t *testing.T, provider *fakeProvider, opts ...RunnerOption) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	manager := mcp.NewManager(nil)
	t.Cleanup(func() { _ = manager.Dispose(context.Background()) })

	workDir := t.TempDir()
	store := checkpoint.NewStore(workDir, filepath.Join(t.TempDir(), "checkpoints"))

	chain := interceptor.NewChain(
		interceptor.NewToolExecution(manager),
		interceptor.NewContinueOnMaxTokens(2),
	)
	runner := NewRunner(provider, manager, chain, store, StaticPrompt("You are a test agent."), opts...)
	return &harness{
		agent:    New(runner),
		provider: provider,
		manager:  manager,
		workDir:  workDir,
	}
}

func collect(t *testing.T, bus *taskevent.Bus) []*taskevent.Event {
	t.Helper()
	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	var events []*taskevent.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for bus to close; got %d events", len(events))
		}
	}
}

func eventTypes(events []*taskevent.Event) []taskevent.Type {
	out := make([]taskevent.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func terminal(t *testing.T, events []*taskevent.Event) *taskevent.Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.IsTerminal(), "last event %s is not terminal", last.Type)
	return last
}

func TestRunTaskSimpleCompletion(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{endTurnScript("done")}})

	bus, err := h.agent.RunTask(context.Background(), "do the thing", nil)
	require.NoError(t, err)

	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	last := terminal(t, events)
	assert.Equal(t, taskevent.TypeCompleted, last.Type)
	require.NotNil(t, last.Usage)
	assert.Equal(t, int64(15), last.Usage.Total)

	types := eventTypes(events)
	assert.Contains(t, types, taskevent.TypeTextDelta)
	assert.Contains(t, types, taskevent.TypeUsage)

	msgs := h.agent.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.NotEmpty(t, msgs[0].CheckpointID, "user message carries the pre-task checkpoint")
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)

	// Event IDs are strictly increasing.
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].ID.After(events[i-1].ID))
	}
}

func TestRunTaskToolLoop(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{
		toolUseScript("toolu_1", "echo", map[string]any{"text": "hi"}),
		endTurnScript("echoed"),
	}}
	h := newHarness(t, provider)

	echoed := false
	require.NoError(t, h.manager.RegisterTool(&tools.Tool{
		Name: "echo",
		Execute: func(ctx context.Context, input map[string]any) (*tools.Result, error) {
			echoed = true
			return tools.TextResult(input["text"].(string)), nil
		},
	}))

	bus, err := h.agent.RunTask(context.Background(), "use the tool", nil)
	require.NoError(t, err)
	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	assert.True(t, echoed)
	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, taskevent.TypeCompleted, terminal(t, events).Type)

	types := eventTypes(events)
	assert.Contains(t, types, taskevent.TypeToolUse)
	assert.Contains(t, types, taskevent.TypeToolUseResult)

	// user, assistant tool_use, user tool_result, assistant final
	msgs := h.agent.Messages()
	require.Len(t, msgs, 4)
	result, ok := msgs[2].Content[0].(*protocol.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.True(t, result.Success)
}

func TestRunTaskMaxTokenContinuationCap(t *testing.T) {
	maxTokens := &scriptedStream{events: []*model.Event{
		{
			Type:       model.EventMessage,
			Message:    protocol.NewAssistantText("partial"),
			StopReason: protocol.StopMaxTokens,
		},
	}}
	provider := &fakeProvider{scripts: []*scriptedStream{maxTokens}, repeat: true}
	h := newHarness(t, provider)

	bus, err := h.agent.RunTask(context.Background(), "long answer", nil)
	require.NoError(t, err)
	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	// Initial call plus two continuations, then the cap completes the task.
	assert.Equal(t, 3, provider.callCount())
	assert.Equal(t, taskevent.TypeCompleted, terminal(t, events).Type)
}

func TestRunTaskIterationBound(t *testing.T) {
	provider := &fakeProvider{
		scripts: []*scriptedStream{toolUseScript("toolu_1", "noop", nil)},
		repeat:  true,
	}
	h := newHarness(t, provider)
	require.NoError(t, h.manager.RegisterTool(&tools.Tool{
		Name: "noop",
		Execute: func(ctx context.Context, input map[string]any) (*tools.Result, error) {
			return tools.TextResult("ok"), nil
		},
	}))

	bus, err := h.agent.RunTask(context.Background(), "spin", &TaskOptions{MaxIterations: 2})
	require.NoError(t, err)
	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, taskevent.TypeCompleted, terminal(t, events).Type)
}

func TestRunTaskRejectsConcurrent(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{{block: true}}}
	h := newHarness(t, provider)

	_, err := h.agent.RunTask(context.Background(), "first", nil)
	require.NoError(t, err)

	_, err = h.agent.RunTask(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrTaskRunning)

	h.agent.Cancel()
	require.NoError(t, h.agent.Wait(context.Background()))

	// The gate clears after the terminal event.
	h.provider.mu.Lock()
	h.provider.scripts = []*scriptedStream{endTurnScript("ok")}
	h.provider.mu.Unlock()
	bus, err := h.agent.RunTask(context.Background(), "third", nil)
	require.NoError(t, err)
	collect(t, bus)
}

func TestRunTaskUserCancellation(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{{block: true}}}
	h := newHarness(t, provider)

	bus, err := h.agent.RunTask(context.Background(), "hang", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.agent.Cancel()
	}()

	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	last := terminal(t, events)
	assert.Equal(t, taskevent.TypeCancelled, last.Type)
	assert.Equal(t, taskevent.CancelReasonUser, last.Reason)
}

func TestRunTaskTimeout(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{{block: true}}}
	h := newHarness(t, provider, WithTaskTimeout(100*time.Millisecond))

	bus, err := h.agent.RunTask(context.Background(), "hang", nil)
	require.NoError(t, err)

	events := collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	last := terminal(t, events)
	assert.Equal(t, taskevent.TypeCancelled, last.Type)
	assert.Equal(t, taskevent.CancelReasonTimeout, last.Reason)
}

func TestWaitWithoutTask(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	assert.ErrorIs(t, h.agent.Wait(context.Background()), ErrNoTask)
}

func TestRunnerPassesToolsAndSystemPrompt(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{endTurnScript("ok")}}
	h := newHarness(t, provider)
	require.NoError(t, h.manager.RegisterTool(&tools.Tool{
		Name: "local",
		Execute: func(ctx context.Context, input map[string]any) (*tools.Result, error) {
			return tools.TextResult("x"), nil
		},
	}))

	bus, err := h.agent.RunTask(context.Background(), "check request", nil)
	require.NoError(t, err)
	collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	req := provider.lastReq
	require.NotNil(t, req)
	assert.Equal(t, "You are a test agent.", req.System)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "local", req.Tools[0].Name)
}
