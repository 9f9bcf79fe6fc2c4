package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestMultiplexer_OrderPreserved(t *testing.T) {
	m := NewMultiplexer()
	sink := &recordingSink{}
	m.Attach("s1", "u1", sink)

	for _, typ := range []EventType{EventConnectionAck, EventPlanGenerated, EventToolResult, EventStreamEnd} {
		require.True(t, m.SendChunk("s1", Event{Type: typ}))
	}

	got := sink.recorded()
	require.Len(t, got, 4)
	assert.Equal(t, EventConnectionAck, got[0].Type)
	assert.Equal(t, EventStreamEnd, got[3].Type)
}

func TestMultiplexer_DetachedSessionDropsSilently(t *testing.T) {
	m := NewMultiplexer()
	sink := &recordingSink{}
	m.Attach("s1", "u1", sink)
	m.Detach("s1")

	assert.False(t, m.SendChunk("s1", Event{Type: EventToolResult}))
	assert.Empty(t, sink.recorded())
	assert.False(t, m.Attached("s1"))

	// Detaching twice is harmless.
	m.Detach("s1")
}

func TestMultiplexer_SendFailureDetachesAndCancels(t *testing.T) {
	m := NewMultiplexer()
	var canceled []string
	m.OnSendFailure(func(sessionID string) { canceled = append(canceled, sessionID) })

	sink := &recordingSink{err: errors.New("connection reset")}
	m.Attach("s1", "u1", sink)

	assert.False(t, m.SendChunk("s1", Event{Type: EventToolResult}))
	assert.Equal(t, []string{"s1"}, canceled)
	assert.False(t, m.Attached("s1"), "failed sink must be detached")
}

func TestMultiplexer_BroadcastToUser(t *testing.T) {
	m := NewMultiplexer()
	s1, s2, other := &recordingSink{}, &recordingSink{}, &recordingSink{}
	m.Attach("s1", "u1", s1)
	m.Attach("s2", "u1", s2)
	m.Attach("s3", "u2", other)

	m.BroadcastToUser("u1", Event{Type: EventToolsUpdated})

	assert.Len(t, s1.recorded(), 1)
	assert.Len(t, s2.recorded(), 1)
	assert.Empty(t, other.recorded(), "other users must not receive the broadcast")

	// Detach removes the session from the reverse index.
	m.Detach("s2")
	m.BroadcastToUser("u1", Event{Type: EventToolsUpdated})
	assert.Len(t, s1.recorded(), 2)
	assert.Len(t, s2.recorded(), 1)
}

func TestMultiplexer_ConcurrentSendersDoNotInterleaveCorruptly(t *testing.T) {
	m := NewMultiplexer()
	sink := &recordingSink{}
	m.Attach("s1", "u1", sink)

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				m.SendChunk("s1", Event{Type: EventToolStatusUpdate})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sink.recorded(), senders*perSender)
}

func TestMultiplexer_AttachReplacesSink(t *testing.T) {
	m := NewMultiplexer()
	old, replacement := &recordingSink{}, &recordingSink{}
	m.Attach("s1", "u1", old)
	m.Attach("s1", "u1", replacement)

	require.True(t, m.SendChunk("s1", Event{Type: EventSessionInit}))
	assert.Empty(t, old.recorded())
	assert.Len(t, replacement.recorded(), 1)
}
