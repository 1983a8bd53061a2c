package interceptor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/protocol"
)

// Dispatcher invokes one approval-gated tool call and reports its dispatch
// events elsewhere. Failures fold into an unsuccessful result block; only
// cancellation surfaces as an error.
type Dispatcher interface {
	DispatchToolCall(ctx context.Context, call mcp.ToolCall) (*protocol.ToolResultBlock, error)
}

// ToolExecution runs every tool_use block of the last assistant message in
// parallel and feeds the results back as a single user message. It is
// always first in the default chain so tool_use completions never linger
// into the next inference call.
type ToolExecution struct {
	dispatcher Dispatcher
}

// NewToolExecution creates the tool execution interceptor.
func NewToolExecution(dispatcher Dispatcher) *ToolExecution {
	return &ToolExecution{dispatcher: dispatcher}
}

func (t *ToolExecution) Name() string { return "tool_execution" }

func (t *ToolExecution) Intercept(ctx context.Context, inv *Invocation) (Result, error) {
	last := inv.LastAssistant()
	if last == nil {
		return Result{Decision: DecisionComplete}, nil
	}
	uses := last.ToolUses()
	if len(uses) == 0 {
		return Result{Decision: DecisionComplete}, nil
	}

	// Dispatch in parallel, keeping results in the original block order.
	results := make([]*protocol.ToolResultBlock, len(uses))
	g, gctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		i, use := i, use
		g.Go(func() error {
			block, err := t.dispatcher.DispatchToolCall(gctx, mcp.ToolCall{
				ID:    use.ID,
				Name:  use.Name,
				Input: use.Input,
			})
			if err != nil {
				return err
			}
			results[i] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	content := make([]protocol.ContentBlock, len(results))
	for i, block := range results {
		content[i] = block
	}
	inv.Messages.Append(&protocol.Message{
		Role:      protocol.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	return Result{Decision: DecisionContinue}, nil
}
