package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// Chain runs interceptors in registration order. The first continue
// decision short-circuits; one interceptor's failure does not abort the
// others.
type Chain struct {
	interceptors []Interceptor
}

// NewChain builds a chain in the given order.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Append adds an interceptor at the end of the chain.
func (c *Chain) Append(i Interceptor) {
	c.interceptors = append(c.interceptors, i)
}

// Run executes the chain for one loop iteration.
func (c *Chain) Run(ctx context.Context, inv *Invocation) (Decision, error) {
	for _, it := range c.interceptors {
		if err := ctx.Err(); err != nil {
			return DecisionComplete, fmt.Errorf("interceptor chain aborted: %w", err)
		}

		publish(inv, taskevent.Event{
			Type:        taskevent.TypeInterceptorUse,
			Interceptor: it.Name(),
		})

		before := inv.Messages.Len()
		result, err := it.Intercept(ctx, inv)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return DecisionComplete, fmt.Errorf("interceptor chain aborted: %w", err)
			}
			slog.Warn("interceptor failed", "interceptor", it.Name(), "error", err)
			publish(inv, taskevent.Event{
				Type:        taskevent.TypeInterceptorError,
				Interceptor: it.Name(),
				Error:       err.Error(),
			})
			continue
		}

		publish(inv, taskevent.Event{
			Type:        taskevent.TypeInterceptorResult,
			Interceptor: it.Name(),
			Decision:    string(result.Decision),
		})

		if result.Decision == DecisionContinue {
			if result.Reason != "" && inv.Messages.Len() == before {
				inv.Messages.Append(protocol.NewUserText(result.Reason))
			}
			return DecisionContinue, nil
		}
	}
	return DecisionComplete, nil
}

func publish(inv *Invocation, ev taskevent.Event) {
	if inv.Bus != nil {
		inv.Bus.Publish(&ev)
	}
}
