package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/zypherlabs/zypher/pkg/attachments"
	"github.com/zypherlabs/zypher/pkg/checkpoint"
	"github.com/zypherlabs/zypher/pkg/interceptor"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/model"
	"github.com/zypherlabs/zypher/pkg/observability"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// DefaultMaxIterations bounds the reason-and-act loop of a single task.
const DefaultMaxIterations = 25

// checkpointNameLimit truncates task text used as a checkpoint name.
const checkpointNameLimit = 72

// Runner drives one task from the initiating user message to its terminal
// event: checkpoint, attachment caching, streaming model calls, and the
// interceptor chain, all bounded by the iteration cap and the composite
// cancellation signal.
type Runner struct {
	provider    model.Provider
	manager     *mcp.Manager
	chain       *interceptor.Chain
	checkpoints *checkpoint.Store
	cache       *attachments.Cache
	prompts     PromptLoader
	rec         *observability.Recorder

	maxIterations int
	taskTimeout   time.Duration
	logger        *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAttachmentCache enables attachment resolution for model requests.
func WithAttachmentCache(c *attachments.Cache) RunnerOption {
	return func(r *Runner) { r.cache = c }
}

// WithRecorder attaches metrics. A nil recorder stays a no-op.
func WithRecorder(rec *observability.Recorder) RunnerOption {
	return func(r *Runner) { r.rec = rec }
}

// WithMaxIterations overrides the default loop bound.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithTaskTimeout aborts tasks that run longer than d. Zero disables the
// timeout.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.taskTimeout = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner wires the task loop's collaborators.
func NewRunner(provider model.Provider, manager *mcp.Manager, chain *interceptor.Chain, store *checkpoint.Store, prompts PromptLoader, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider:      provider,
		manager:       manager,
		chain:         chain,
		checkpoints:   store,
		prompts:       prompts,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run executes one task. userCtx carries the caller's cancellation; the
// runner layers its own timeout on top. Expected aborts surface as a
// cancelled event and a nil return; unexpected errors are returned for the
// caller to seal the bus with.
func (r *Runner) run(userCtx context.Context, bus *taskevent.Bus, hist *history, userMsg *protocol.Message, maxIterations int) error {
	start := time.Now()
	if maxIterations <= 0 {
		maxIterations = r.maxIterations
	}

	ctx := userCtx
	cancelTimeout := func() {}
	if r.taskTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(userCtx, r.taskTimeout)
	}
	defer cancelTimeout()

	// Pipe tool-dispatch events from the server manager onto the task bus.
	// stopPipe drains the subscription so no dispatch event trails the
	// terminal event.
	toolEvents, cancelPipe := r.manager.ToolEvents()
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		for ev := range toolEvents {
			if ev.IsToolDispatch() {
				e := ev
				bus.Publish(&e)
			}
		}
	}()
	stopPipe := func() {
		cancelPipe()
		<-pipeDone
	}
	defer stopPipe()

	system, err := r.prompts.Load(ctx)
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}

	id, err := r.checkpoints.Create(ctx, checkpointName(userMsg))
	if err != nil {
		return fmt.Errorf("create pre-task checkpoint: %w", err)
	}
	userMsg.CheckpointID = id
	hist.Append(userMsg)

	cached, err := r.cacheAttachments(ctx, hist)
	if err != nil {
		return err
	}

	var totalUsage *protocol.TokenUsage
	outcome := "completed"
	defer func() { r.rec.TaskFinished(outcome, time.Since(start)) }()

	finishCancelled := func() error {
		stopPipe()
		return r.cancelled(bus, userCtx)
	}

	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			outcome = "cancelled"
			return finishCancelled()
		}

		stop, usage, err := r.streamOnce(ctx, bus, hist, system, cached)
		if err != nil {
			if isAbort(ctx, err) {
				outcome = "cancelled"
				return finishCancelled()
			}
			outcome = "error"
			return err
		}
		if usage != nil {
			bus.Publish(&taskevent.Event{Type: taskevent.TypeUsage, Usage: usage})
			totalUsage = foldUsage(totalUsage, usage)
		}

		inv := &interceptor.Invocation{
			Messages:   hist,
			StopReason: stop,
			Tools:      r.manager.GetTools(),
			Bus:        bus,
		}
		decision, err := r.chain.Run(ctx, inv)
		if err != nil {
			if isAbort(ctx, err) {
				outcome = "cancelled"
				return finishCancelled()
			}
			outcome = "error"
			return err
		}
		if decision == interceptor.DecisionComplete {
			break
		}
	}

	stopPipe()
	bus.Publish(&taskevent.Event{Type: taskevent.TypeCompleted, Usage: totalUsage})
	return nil
}

// streamOnce opens one model call and forwards its events. The assembled
// assistant message is appended to history, which emits the message event.
func (r *Runner) streamOnce(ctx context.Context, bus *taskevent.Bus, hist *history, system string, cached map[string]attachments.Cached) (protocol.StopReason, *protocol.TokenUsage, error) {
	callStart := time.Now()
	stream, err := r.provider.Stream(ctx, &model.Request{
		System:      system,
		Messages:    hist.All(),
		Tools:       r.manager.GetTools(),
		Attachments: cached,
	})
	if err != nil {
		r.rec.ModelCall(time.Since(callStart), nil, err)
		return "", nil, fmt.Errorf("open model stream: %w", err)
	}
	defer stream.Close()

	var (
		stop  protocol.StopReason
		usage *protocol.TokenUsage
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.rec.ModelCall(time.Since(callStart), usage, err)
			return "", nil, err
		}

		switch ev.Type {
		case model.EventText:
			bus.Publish(&taskevent.Event{Type: taskevent.TypeTextDelta, Text: ev.Text})
		case model.EventToolUseStart:
			bus.Publish(&taskevent.Event{
				Type:      taskevent.TypeToolUse,
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
			})
		case model.EventToolUseInput:
			bus.Publish(&taskevent.Event{
				Type:       taskevent.TypeToolUseInput,
				ToolUseID:  ev.ToolUseID,
				ToolName:   ev.ToolName,
				InputDelta: ev.InputDelta,
			})
		case model.EventUsage:
			usage = ev.Usage
		case model.EventMessage:
			stop = ev.StopReason
			hist.Append(ev.Message)
		}
	}
	r.rec.ModelCall(time.Since(callStart), usage, nil)
	return stop, usage, nil
}

func (r *Runner) cacheAttachments(ctx context.Context, hist *history) (map[string]attachments.Cached, error) {
	if r.cache == nil {
		return nil, nil
	}
	cached, err := r.cache.CacheMessageAttachments(ctx, hist.All())
	if err != nil {
		return nil, fmt.Errorf("cache attachments: %w", err)
	}
	return cached, nil
}

// cancelled emits the terminal cancelled event. The reason is user when the
// caller's own signal fired, timeout otherwise.
func (r *Runner) cancelled(bus *taskevent.Bus, userCtx context.Context) error {
	reason := taskevent.CancelReasonTimeout
	if userCtx.Err() != nil {
		reason = taskevent.CancelReasonUser
	}
	r.logger.Info("task cancelled", "reason", reason)
	bus.Publish(&taskevent.Event{Type: taskevent.TypeCancelled, Reason: reason})
	return nil
}

// isAbort reports whether err is the composite signal firing rather than a
// genuine failure.
func isAbort(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func foldUsage(total, delta *protocol.TokenUsage) *protocol.TokenUsage {
	if delta == nil {
		return total
	}
	if total == nil {
		u := *delta
		return &u
	}
	sum := total.Add(*delta)
	return &sum
}

func checkpointName(msg *protocol.Message) string {
	name := strings.Join(strings.Fields(msg.Text()), " ")
	if name == "" {
		name = "task"
	}
	if len(name) > checkpointNameLimit {
		name = name[:checkpointNameLimit]
	}
	return name
}
