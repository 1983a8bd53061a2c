// Package interceptor implements the post-inference processor chain that
// decides whether the agent loop issues another model call or completes.
package interceptor

import (
	"context"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// Decision is an interceptor's verdict for the current loop iteration.
type Decision string

const (
	// DecisionContinue injects context and issues another model call.
	DecisionContinue Decision = "continue"

	// DecisionComplete passes control to the next interceptor; if every
	// interceptor completes, the loop ends.
	DecisionComplete Decision = "complete"
)

// Result is the outcome of one interceptor invocation. Reason, when set on
// a continue decision, becomes a synthetic user message unless the
// interceptor already appended one itself.
type Result struct {
	Decision Decision
	Reason   string
}

// History is the chain's handle onto the session's mutable message list.
// Append emits a message event on the owning session's bus.
type History interface {
	Append(msg *protocol.Message)
	All() []*protocol.Message
	Len() int
}

// Invocation carries the per-iteration state interceptors operate on.
type Invocation struct {
	Messages   History
	StopReason protocol.StopReason
	Tools      []*tools.Tool
	Bus        *taskevent.Bus
}

// LastAssistant returns the most recent assistant message, or nil.
func (inv *Invocation) LastAssistant() *protocol.Message {
	all := inv.Messages.All()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role == protocol.RoleAssistant {
			return all[i]
		}
	}
	return nil
}

// Interceptor is one composable post-inference processor.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, inv *Invocation) (Result, error)
}
