package taskevent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventIDRoundTrip(t *testing.T) {
	for _, s := range []string{"task_1713542530123_0", "task_0_0", "task_1_999"} {
		id, err := ParseEventID(s)
		require.NoError(t, err)
		assert.Equal(t, s, id.String())
	}
}

func TestParseEventIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "task_", "task_1", "task_1_", "task_a_b", "evt_1_2", "task_1_2_3", " task_1_2"} {
		_, err := ParseEventID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestEventIDOrdering(t *testing.T) {
	a := EventID{Timestamp: 100, Seq: 5}
	b := EventID{Timestamp: 100, Seq: 6}
	c := EventID{Timestamp: 101, Seq: 0}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.True(t, c.After(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestGeneratorSequenceWithinMillisecond(t *testing.T) {
	now := time.UnixMilli(5000)
	gen := NewGenerator(func() time.Time { return now })

	first := gen.Next()
	second := gen.Next()
	assert.Equal(t, EventID{Timestamp: 5000, Seq: 0}, first)
	assert.Equal(t, EventID{Timestamp: 5000, Seq: 1}, second)

	now = time.UnixMilli(5001)
	third := gen.Next()
	assert.Equal(t, EventID{Timestamp: 5001, Seq: 0}, third)
}

func TestGeneratorClockStepBackwards(t *testing.T) {
	now := time.UnixMilli(5000)
	gen := NewGenerator(func() time.Time { return now })

	first := gen.Next()
	now = time.UnixMilli(4000)
	second := gen.Next()

	assert.True(t, second.After(first))
}

func TestGeneratorStrictlyIncreasing(t *testing.T) {
	gen := NewGenerator(nil)
	prev := gen.Next()
	for i := 0; i < 1000; i++ {
		next := gen.Next()
		require.True(t, next.After(prev), "id %s not after %s", next, prev)
		prev = next
	}
}
