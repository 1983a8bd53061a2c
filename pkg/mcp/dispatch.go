package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolEvents yields tool-dispatch events (pending approval, approved,
// rejected, result, error, cancelled) emitted by DispatchToolCall. The
// runner pipes these onto the task event bus. Event IDs are stamped by the
// bus on publish, not here.
func (m *Manager) ToolEvents() (<-chan taskevent.Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan taskevent.Event, 128)
	id := m.nextToolSub
	m.nextToolSub++
	m.toolSubs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.toolSubs[id]; ok {
			delete(m.toolSubs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (m *Manager) emitToolEvent(ev taskevent.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.toolSubs {
		select {
		case sub <- ev:
		default:
			slog.Warn("dropping tool dispatch event for slow subscriber",
				"type", ev.Type, "tool", ev.ToolName, "subscriber", id)
		}
	}
}

// DispatchToolCall resolves, approval-gates, and invokes one tool call,
// emitting the dispatch event sequence along the way. The returned result
// always carries the call's ID, name, and input, with failures folded into
// an unsuccessful tool result rather than an error; only context
// cancellation returns an error.
func (m *Manager) DispatchToolCall(ctx context.Context, call ToolCall) (*protocol.ToolResultBlock, error) {
	start := time.Now()
	block := &protocol.ToolResultBlock{
		ToolUseID: call.ID,
		Name:      call.Name,
		Input:     call.Input,
	}

	tool, err := m.GetTool(call.Name)
	if err != nil {
		m.rec.ToolDispatch("error", time.Since(start))
		m.emitToolEvent(taskevent.Event{
			Type: taskevent.TypeToolUseError, ToolUseID: call.ID,
			ToolName: call.Name, ToolInput: call.Input, Error: err.Error(),
		})
		block.Content = []protocol.ContentBlock{&protocol.TextBlock{Text: err.Error()}}
		return block, nil
	}

	if m.approval != nil {
		m.emitToolEvent(taskevent.Event{
			Type: taskevent.TypeToolUsePendingApproval, ToolUseID: call.ID,
			ToolName: call.Name, ToolInput: call.Input,
		})
		approved, err := m.approval(ctx, call.Name, call.Input)
		if err != nil {
			if ctx.Err() != nil {
				m.rec.ToolDispatch("cancelled", time.Since(start))
				m.emitToolEvent(taskevent.Event{
					Type: taskevent.TypeToolUseCancelled, ToolUseID: call.ID,
					ToolName: call.Name,
				})
				return nil, ctx.Err()
			}
			m.rec.ToolDispatch("error", time.Since(start))
			m.emitToolEvent(taskevent.Event{
				Type: taskevent.TypeToolUseError, ToolUseID: call.ID,
				ToolName: call.Name, Error: err.Error(),
			})
			block.Content = []protocol.ContentBlock{&protocol.TextBlock{Text: err.Error()}}
			return block, nil
		}
		if !approved {
			m.rec.ToolDispatch("rejected", time.Since(start))
			m.emitToolEvent(taskevent.Event{
				Type: taskevent.TypeToolUseRejected, ToolUseID: call.ID,
				ToolName: call.Name,
			})
			block.Content = []protocol.ContentBlock{&protocol.TextBlock{Text: ErrRejected.Error()}}
			return block, nil
		}
		m.emitToolEvent(taskevent.Event{
			Type: taskevent.TypeToolUseApproved, ToolUseID: call.ID,
			ToolName: call.Name,
		})
	}

	result, err := tool.Execute(ctx, call.Input)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		m.rec.ToolDispatch("cancelled", time.Since(start))
		m.emitToolEvent(taskevent.Event{
			Type: taskevent.TypeToolUseCancelled, ToolUseID: call.ID,
			ToolName: call.Name,
		})
		return nil, err
	case err != nil:
		m.rec.ToolDispatch("error", time.Since(start))
		m.emitToolEvent(taskevent.Event{
			Type: taskevent.TypeToolUseError, ToolUseID: call.ID,
			ToolName: call.Name, Error: err.Error(),
		})
		block.Content = []protocol.ContentBlock{&protocol.TextBlock{Text: err.Error()}}
		return block, nil
	}

	block.Success = !result.IsError
	block.Content = result.Content
	outcome := "success"
	if result.IsError {
		outcome = "failure"
	}
	m.rec.ToolDispatch(outcome, time.Since(start))
	m.emitToolEvent(taskevent.Event{
		Type: taskevent.TypeToolUseResult, ToolUseID: call.ID,
		ToolName: call.Name, ToolInput: call.Input, Result: block,
	})
	return block, nil
}
