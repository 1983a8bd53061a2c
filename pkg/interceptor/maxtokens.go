package interceptor

import (
	"context"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

// continuationPrompt nudges the model to pick up a truncated response.
const continuationPrompt = "Continue"

// ContinueOnMaxTokens re-prompts the model when a response was cut off at
// the token limit, up to MaxContinuations times per truncation run. Any
// other stop reason resets the counter.
type ContinueOnMaxTokens struct {
	// MaxContinuations caps consecutive continuations. Zero or negative
	// means unlimited.
	MaxContinuations int

	count int
}

// NewContinueOnMaxTokens creates the interceptor. maxContinuations <= 0
// means unlimited.
func NewContinueOnMaxTokens(maxContinuations int) *ContinueOnMaxTokens {
	return &ContinueOnMaxTokens{MaxContinuations: maxContinuations}
}

func (c *ContinueOnMaxTokens) Name() string { return "continue_on_max_tokens" }

func (c *ContinueOnMaxTokens) Intercept(ctx context.Context, inv *Invocation) (Result, error) {
	if inv.StopReason != protocol.StopMaxTokens {
		c.count = 0
		return Result{Decision: DecisionComplete}, nil
	}
	if c.MaxContinuations > 0 && c.count >= c.MaxContinuations {
		return Result{Decision: DecisionComplete}, nil
	}
	c.count++
	return Result{Decision: DecisionContinue, Reason: continuationPrompt}, nil
}
