// Package agent binds the model provider, MCP server manager, interceptor
// chain, checkpoint store, and attachment cache to one workspace and runs
// tasks against it, one at a time.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zypherlabs/zypher/pkg/checkpoint"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

var (
	// ErrTaskRunning rejects a second concurrent task.
	ErrTaskRunning = errors.New("a task is already running")

	// ErrNoTask is returned by Wait when no task has been started.
	ErrNoTask = errors.New("no task is running")

	// ErrDisposed rejects operations on a disposed agent.
	ErrDisposed = errors.New("agent is disposed")

	// ErrUnknownCheckpoint is returned when no message carries the
	// requested checkpoint ID.
	ErrUnknownCheckpoint = errors.New("no message with that checkpoint id")
)

// TaskOptions tune a single RunTask call.
type TaskOptions struct {
	// Attachments are file blocks appended to the user message.
	Attachments []*protocol.FileAttachmentBlock

	// MaxIterations overrides the runner's loop bound for this task.
	MaxIterations int
}

// Agent is the outward API: it owns the message history and the single-task
// gate, and delegates loop execution to the Runner.
type Agent struct {
	runner      *Runner
	checkpoints *checkpoint.Store
	manager     *mcp.Manager
	hist        *history

	mu       sync.Mutex
	running  bool
	disposed bool
	bus      *taskevent.Bus
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an agent around a configured runner.
func New(runner *Runner) *Agent {
	return &Agent{
		runner:      runner,
		checkpoints: runner.checkpoints,
		manager:     runner.manager,
		hist:        &history{},
	}
}

// RunTask starts a task from the given user text. It returns the task's
// event bus; the caller subscribes to observe progress. ctx cancellation
// counts as a user abort.
func (a *Agent) RunTask(ctx context.Context, text string, opts *TaskOptions) (*taskevent.Bus, error) {
	if opts == nil {
		opts = &TaskOptions{}
	}

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil, ErrDisposed
	}
	if a.running {
		a.mu.Unlock()
		return nil, ErrTaskRunning
	}
	userCtx, cancel := context.WithCancel(ctx)
	bus := taskevent.NewBus()
	done := make(chan struct{})
	a.running = true
	a.bus = bus
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	userMsg := buildUserMessage(text, opts.Attachments)
	a.hist.bind(bus)

	go func() {
		err := a.runner.run(userCtx, bus, a.hist, userMsg, opts.MaxIterations)
		a.hist.unbind()
		bus.Close(err)
		cancel()

		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.mu.Unlock()
		close(done)
	}()

	return bus, nil
}

// Wait blocks until the current task reaches its terminal event. It returns
// the task's fatal error, if any.
func (a *Agent) Wait(ctx context.Context) error {
	a.mu.Lock()
	done, bus := a.done, a.bus
	a.mu.Unlock()
	if done == nil {
		return ErrNoTask
	}

	select {
	case <-done:
		return bus.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the running task as a user cancellation. It is a no-op when
// no task is running.
func (a *Agent) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearMessages discards the conversation history.
func (a *Agent) ClearMessages() error {
	a.mu.Lock()
	disposed := a.disposed
	a.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	a.hist.clear()
	return nil
}

// ApplyCheckpoint restores the workspace to the named checkpoint and
// truncates the history to entries strictly before the message that
// created it. Refused while a task is running.
func (a *Agent) ApplyCheckpoint(ctx context.Context, id string) error {
	a.mu.Lock()
	switch {
	case a.disposed:
		a.mu.Unlock()
		return ErrDisposed
	case a.running:
		a.mu.Unlock()
		return ErrTaskRunning
	}
	a.mu.Unlock()

	if err := a.checkpoints.Apply(ctx, id); err != nil {
		return err
	}
	if !a.hist.truncateBefore(id) {
		return ErrUnknownCheckpoint
	}
	return nil
}

// Messages returns a snapshot of the conversation history.
func (a *Agent) Messages() []*protocol.Message {
	return a.hist.All()
}

// MCP exposes the server manager for registration and tool management.
func (a *Agent) MCP() *mcp.Manager {
	return a.manager
}

// Checkpoints exposes the checkpoint store for listing and inspection.
func (a *Agent) Checkpoints() *checkpoint.Store {
	return a.checkpoints
}

// EventBus returns the bus of the current or most recent task, or nil when
// none has run. Reconnecting clients resume from it.
func (a *Agent) EventBus() *taskevent.Bus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bus
}

// Dispose cancels any running task, waits for it to settle, and disposes
// the MCP fleet. The agent rejects all further operations.
func (a *Agent) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
		}
	}
	return a.manager.Dispose(ctx)
}

func buildUserMessage(text string, files []*protocol.FileAttachmentBlock) *protocol.Message {
	content := []protocol.ContentBlock{&protocol.TextBlock{Text: text}}
	for _, f := range files {
		content = append(content, f)
	}
	return &protocol.Message{
		Role:      protocol.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}
