package agent

import (
	"sync"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

// history is the agent's mutable message list. While a task runs it is bound
// to that task's bus so appends surface as message events and truncations as
// history_changed events.
type history struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	bus  *taskevent.Bus
}

func (h *history) bind(bus *taskevent.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

func (h *history) unbind() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = nil
}

// Append adds a message and emits it on the bound bus.
func (h *history) Append(msg *protocol.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	bus := h.bus
	h.mu.Unlock()

	if bus != nil {
		bus.Publish(&taskevent.Event{Type: taskevent.TypeMessage, Message: msg})
	}
}

// All returns a snapshot of the message list.
func (h *history) All() []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*protocol.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *history) clear() {
	h.mu.Lock()
	h.msgs = nil
	bus := h.bus
	h.mu.Unlock()

	notifyHistoryChanged(bus)
}

// truncateBefore drops the first message whose CheckpointID equals id and
// everything after it. It reports whether a matching message was found.
func (h *history) truncateBefore(checkpointID string) bool {
	h.mu.Lock()
	idx := -1
	for i, msg := range h.msgs {
		if msg.CheckpointID == checkpointID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		h.msgs = h.msgs[:idx]
	}
	bus := h.bus
	h.mu.Unlock()

	if idx < 0 {
		return false
	}
	notifyHistoryChanged(bus)
	return true
}

func notifyHistoryChanged(bus *taskevent.Bus) {
	if bus != nil {
		bus.Publish(&taskevent.Event{Type: taskevent.TypeHistoryChanged})
	}
}
