package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zypherlabs/zypher/pkg/observability"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

func collectToolEvents(t *testing.T, ch <-chan taskevent.Event, n int) []taskevent.Event {
	t.Helper()
	out := make([]taskevent.Event, 0, n)
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("expected %d tool events, got %d: %v", n, len(out), out)
		}
	}
	return out
}

func TestDispatchToolCallEmitsApprovalSequence(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "search"}}}
	m := newTestManager(connector, WithApprovalHandler(
		func(ctx context.Context, name string, input map[string]any) (bool, error) {
			return true, nil
		},
	))
	registerConnected(t, m, "web")

	events, cancel := m.ToolEvents()
	defer cancel()

	block, err := m.DispatchToolCall(context.Background(), ToolCall{
		ID: "tu_1", Name: "mcp__web__search", Input: map[string]any{"q": "go"},
	})
	require.NoError(t, err)
	assert.True(t, block.Success)
	assert.Equal(t, "tu_1", block.ToolUseID)

	seq := collectToolEvents(t, events, 3)
	assert.Equal(t, taskevent.TypeToolUsePendingApproval, seq[0].Type)
	assert.Equal(t, taskevent.TypeToolUseApproved, seq[1].Type)
	assert.Equal(t, taskevent.TypeToolUseResult, seq[2].Type)
	assert.Equal(t, "tu_1", seq[2].ToolUseID)
}

func TestDispatchToolCallRejectionBecomesFailedResult(t *testing.T) {
	connector := &fakeConnector{infos: []ToolInfo{{Name: "rm"}}}
	m := newTestManager(connector, WithApprovalHandler(
		func(ctx context.Context, name string, input map[string]any) (bool, error) {
			return false, nil
		},
	))
	registerConnected(t, m, "files")

	events, cancel := m.ToolEvents()
	defer cancel()

	block, err := m.DispatchToolCall(context.Background(), ToolCall{ID: "tu_2", Name: "mcp__files__rm"})
	require.NoError(t, err)
	assert.False(t, block.Success)
	require.Len(t, block.Content, 1)

	seq := collectToolEvents(t, events, 2)
	assert.Equal(t, taskevent.TypeToolUsePendingApproval, seq[0].Type)
	assert.Equal(t, taskevent.TypeToolUseRejected, seq[1].Type)
}

func TestDispatchToolCallRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := observability.NewRecorder(reg)
	require.NoError(t, err)

	connector := &fakeConnector{infos: []ToolInfo{{Name: "search"}}}
	m := newTestManager(connector, WithRecorder(rec))
	registerConnected(t, m, "web")

	_, err = m.DispatchToolCall(context.Background(), ToolCall{ID: "tu_m1", Name: "mcp__web__search"})
	require.NoError(t, err)
	_, err = m.DispatchToolCall(context.Background(), ToolCall{ID: "tu_m2", Name: "mcp__ghost__x"})
	require.NoError(t, err)

	success, ok := sampleValue(t, reg, "zypher_tool_dispatches_total", "outcome", "success")
	require.True(t, ok)
	assert.Equal(t, 1.0, success)
	errored, ok := sampleValue(t, reg, "zypher_tool_dispatches_total", "outcome", "error")
	require.True(t, ok)
	assert.Equal(t, 1.0, errored)

	// The connection-state gauge is fed by the status pump goroutine.
	assert.Eventually(t, func() bool {
		v, ok := sampleValue(t, reg, "zypher_mcp_servers", "state", string(StatusConnectedToolDiscovered))
		return ok && v == 1.0
	}, time.Second, 10*time.Millisecond)
}

func sampleValue(t *testing.T, g prometheus.Gatherer, name, label, value string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					if c := m.GetCounter(); c != nil {
						return c.GetValue(), true
					}
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestDispatchToolCallUnknownToolIsFailedResult(t *testing.T) {
	m := newTestManager(&fakeConnector{})

	events, cancel := m.ToolEvents()
	defer cancel()

	block, err := m.DispatchToolCall(context.Background(), ToolCall{ID: "tu_3", Name: "mcp__ghost__x"})
	require.NoError(t, err)
	assert.False(t, block.Success)

	seq := collectToolEvents(t, events, 1)
	assert.Equal(t, taskevent.TypeToolUseError, seq[0].Type)
}
