package taskevent

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is emitted after this much quiet time on the bus.
const DefaultHeartbeatInterval = 30 * time.Second

// Bus delivers live ordered events to current subscribers and retains the
// full history so a late or reconnecting subscriber replays past events
// before receiving live ones.
//
// The buffer holds every event for the task's lifetime; tasks are bounded
// by maxIterations so the history is too.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	gen    *Generator
	events []*Event
	latest EventID
	closed bool
	err    error

	heartbeatInterval time.Duration
	heartbeatTimer    *time.Timer
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHeartbeatInterval overrides the keepalive quiet period. Zero disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.heartbeatInterval = d }
}

// WithGenerator uses a dedicated ID generator instead of the process-wide
// one. Tests use this with a fake clock.
func WithGenerator(g *Generator) BusOption {
	return func(b *Bus) { b.gen = g }
}

// NewBus creates an open bus and arms the heartbeat timer.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		gen:               defaultGenerator,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	if b.heartbeatInterval > 0 {
		b.heartbeatTimer = time.AfterFunc(b.heartbeatInterval, b.fireHeartbeat)
	}
	return b
}

// Publish stamps the event with the next ID and current time, appends it to
// the replay buffer, and wakes subscribers. Publishing on a closed bus is a
// no-op returning nil.
func (b *Bus) Publish(ev *Event) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.publishLocked(ev)
}

func (b *Bus) publishLocked(ev *Event) *Event {
	ev.ID = b.gen.Next()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.events = append(b.events, ev)
	b.latest = ev.ID
	if b.heartbeatTimer != nil && ev.Type != TypeHeartbeat {
		b.heartbeatTimer.Reset(b.heartbeatInterval)
	}
	b.cond.Broadcast()
	return ev
}

func (b *Bus) fireHeartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.publishLocked(&Event{Type: TypeHeartbeat, Timestamp: time.Now()})
	b.heartbeatTimer.Reset(b.heartbeatInterval)
}

// Close seals the bus. Subscribers drain the remaining history and then see
// their channels closed. err is surfaced via Err for fatal teardown; normal
// completion and cancellation pass nil.
func (b *Bus) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	if b.heartbeatTimer != nil {
		b.heartbeatTimer.Stop()
	}
	b.cond.Broadcast()
}

// Err returns the terminal error, if any, once the bus is closed.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// LatestID returns the most recently emitted event ID.
func (b *Bus) LatestID() EventID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Events returns a snapshot of the full history.
func (b *Bus) Events() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Event, len(b.events))
	copy(out, b.events)
	return out
}

// Subscribe returns a channel that first replays all past events and then
// delivers live ones in ID order. The channel closes when the bus closes
// (after the history is drained) or when ctx is done. The returned cancel
// function releases the subscription.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *Event, func()) {
	return b.subscribe(ctx, nil)
}

// Resume returns a filtered subscription for a reconnecting client.
// Events not strictly after clientLast are dropped, and pending-approval
// events the client would observe as already decided (ID before the bus's
// latest at resume time) are suppressed.
func (b *Bus) Resume(ctx context.Context, clientLast *EventID) (<-chan *Event, func()) {
	b.mu.Lock()
	serverLatest := b.latest
	b.mu.Unlock()

	var latestPtr *EventID
	if !serverLatest.IsZero() {
		latestPtr = &serverLatest
	}
	return b.subscribe(ctx, func(ev *Event) bool {
		return KeepOnResume(ev, clientLast, latestPtr)
	})
}

func (b *Bus) subscribe(ctx context.Context, keep func(*Event) bool) (<-chan *Event, func()) {
	out := make(chan *Event)
	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() {
			close(stop)
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
	}

	// Wake the cursor goroutine when ctx fires; cond.Wait cannot select.
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-stop:
			}
		}()
	}

	go func() {
		defer close(out)
		cursor := 0
		for {
			b.mu.Lock()
			for cursor >= len(b.events) && !b.closed && !stopped(stop) {
				b.cond.Wait()
			}
			if stopped(stop) || (b.closed && cursor >= len(b.events)) {
				b.mu.Unlock()
				return
			}
			ev := b.events[cursor]
			cursor++
			b.mu.Unlock()

			if keep != nil && !keep(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
	}()

	return out, cancel
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// KeepOnResume implements the reconnect filter: an event survives when it is
// strictly after the client's last observed ID (if any), unless it is a
// pending-approval event strictly before the server's latest ID at resume
// time, which already received a decision the client will also replay.
func KeepOnResume(ev *Event, clientLast, serverLatest *EventID) bool {
	if clientLast != nil && !ev.ID.After(*clientLast) {
		return false
	}
	if serverLatest != nil && ev.Type == TypeToolUsePendingApproval && ev.ID.Before(*serverLatest) {
		return false
	}
	return true
}
