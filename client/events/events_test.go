package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	b := NewBus()

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(Event{Type: Started, CandidateID: 1})

	ev := <-ch1
	assert.Equal(t, Started, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, 1, (<-ch2).CandidateID)

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok, "channel closed after unsubscribe")

	b.Publish(Event{Type: Completed})
	assert.Equal(t, Completed, (<-ch2).Type)
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Type: Progress, Progress: 0.5})
	b.Publish(Event{Type: Progress, Progress: 1})

	assert.EqualValues(t, 1, b.Dropped())
	assert.Equal(t, 0.5, (<-ch).Progress)
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	// unsubscribing after close is a no-op
	cancel()

	late, _ := b.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)

	b.Publish(Event{Type: Warning})
}

func TestBusKeepsTerminalEvents(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Type: Progress, CandidateID: 1, Progress: 0.5})
	b.Publish(Event{Type: Completed, CandidateID: 1})
	b.Publish(Event{Type: Progress, CandidateID: 2, Progress: 0.5})
	b.Publish(Event{Type: Failed, CandidateID: 2})
	b.Publish(Event{Type: SelectionChanged})

	var got []Type
	for range 4 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}

	assert.Equal(t, []Type{Progress, Completed, Failed, SelectionChanged}, got)
	assert.EqualValues(t, 1, b.Dropped())
}

func TestBusCloseWithQueuedEvents(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(1)

	b.Publish(Event{Type: Completed, CandidateID: 1})
	b.Publish(Event{Type: Completed, CandidateID: 2})
	b.Close()

	assert.Equal(t, 1, (<-ch).CandidateID)
	for range ch {
	}
}

func TestTerminal(t *testing.T) {
	for _, tt := range []struct {
		typ  Type
		want bool
	}{
		{Started, false},
		{Progress, false},
		{Warning, false},
		{Completed, true},
		{Failed, true},
		{SelectionChanging, false},
		{SelectionChanged, true},
		{SelectionFailed, true},
	} {
		assert.Equal(t, tt.want, tt.typ.Terminal(), string(tt.typ))
	}
}
