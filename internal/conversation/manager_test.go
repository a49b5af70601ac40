package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager(t *testing.T) {
	clock := newClock()
	m := NewManager(WithHistory(2), WithClock(clock.now), WithToolCache(4, time.Minute))

	a := m.Get("t1")
	assert.Same(t, a, m.Get("t1"))
	assert.NotSame(t, a, m.Get("t2"))
	assert.Equal(t, []string{"t1", "t2"}, m.Threads())

	for i := 0; i < 4; i++ {
		a.RecordTurn(Turn{Content: "x"})
	}
	assert.Len(t, a.RecentTurns(0), 2, "manager options reach aggregators")

	a.CacheToolResult("search", nil, 1)
	m.Get("t2").CacheToolResult("search", nil, 2)
	clock.advance(2 * time.Minute)
	assert.Equal(t, 2, m.CleanupCaches())

	_, ok := m.Lookup("t3")
	assert.False(t, ok)
	m.Remove("t1")
	_, ok = m.Lookup("t1")
	assert.False(t, ok)
	assert.Equal(t, []string{"t2"}, m.Threads())
}

func TestManagerEvictIdle(t *testing.T) {
	clock := newClock()
	m := NewManager(WithClock(clock.now))

	m.Get("quiet")
	m.Get("waiting").SetWaitingForTask("task_1", "One moment.")
	m.Get("busy")
	chatty := m.Get("chatty")

	clock.advance(20 * time.Minute)
	chatty.RecordTurn(Turn{Content: "still here"})
	clock.advance(15 * time.Minute)

	busy := func(id string) bool { return id == "busy" }
	assert.Empty(t, m.EvictIdle(0, busy), "disabled")
	assert.Equal(t, []string{"quiet"}, m.EvictIdle(30*time.Minute, busy))
	assert.Equal(t, []string{"busy", "chatty", "waiting"}, m.Threads())

	m.Get("waiting").ClearWaitingTask()
	assert.Equal(t, []string{"busy", "waiting"}, m.EvictIdle(20*time.Minute, nil))
	assert.Equal(t, []string{"chatty"}, m.Threads())
}

func TestLastActiveFollowsTurns(t *testing.T) {
	clock := newClock()
	a := NewAggregator("t1", WithClock(clock.now))
	start := clock.now()
	assert.Equal(t, start, a.LastActive())

	clock.advance(time.Minute)
	a.RecordTurn(Turn{Content: "hi"})
	assert.Equal(t, start.Add(time.Minute), a.LastActive())
}
