// Package taskevent implements the ordered, replayable event stream a task
// emits: identifier generation, the event union, the live-plus-replay bus,
// heartbeats, and the reconnect resume filter.
package taskevent

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// EventID orders every event emitted by an agent instance. IDs compare by
// wall-clock milliseconds first, then by sequence within the millisecond.
type EventID struct {
	Timestamp int64
	Seq       int64
}

var idPattern = regexp.MustCompile(`^task_(\d+)_(\d+)$`)

// ParseEventID parses the wire form "task_<ms>_<seq>".
func ParseEventID(s string) (EventID, error) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return EventID{}, fmt.Errorf("invalid event id %q", s)
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id timestamp %q: %w", m[1], err)
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id sequence %q: %w", m[2], err)
	}
	return EventID{Timestamp: ts, Seq: seq}, nil
}

// String renders the wire form.
func (id EventID) String() string {
	return fmt.Sprintf("task_%d_%d", id.Timestamp, id.Seq)
}

// Compare returns -1, 0 or 1 ordering two IDs.
func (id EventID) Compare(o EventID) int {
	if id.Timestamp != o.Timestamp {
		if id.Timestamp < o.Timestamp {
			return -1
		}
		return 1
	}
	if id.Seq != o.Seq {
		if id.Seq < o.Seq {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether id is strictly after o.
func (id EventID) After(o EventID) bool { return id.Compare(o) > 0 }

// Before reports whether id is strictly before o.
func (id EventID) Before(o EventID) bool { return id.Compare(o) < 0 }

// IsZero reports whether the ID is the zero value (never generated).
func (id EventID) IsZero() bool { return id.Timestamp == 0 && id.Seq == 0 }

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Generator produces strictly increasing event IDs. When the wall clock has
// not advanced since the last generation the sequence increments; otherwise
// the sequence resets to zero at the new timestamp.
type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastTS int64
	seq    int64
}

// NewGenerator returns a generator reading time from now, or time.Now when
// now is nil.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now, lastTS: -1}
}

// Next returns the next event ID.
func (g *Generator) Next() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli()
	if ts == g.lastTS {
		g.seq++
	} else {
		// A clock step backwards must not break monotonicity.
		if ts < g.lastTS {
			ts = g.lastTS
			g.seq++
		} else {
			g.lastTS = ts
			g.seq = 0
		}
	}
	return EventID{Timestamp: g.lastTS, Seq: g.seq}
}

// defaultGenerator is the process-wide generator. Sharing one across agents
// keeps every stream in the process strictly increasing.
var defaultGenerator = NewGenerator(nil)

// NextID returns the next ID from the process-wide generator.
func NextID() EventID { return defaultGenerator.Next() }
