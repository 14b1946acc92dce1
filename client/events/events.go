// Package events carries scheduler and selection notifications to UI
// consumers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

type Type string

const (
	Started   Type = "started"
	Progress  Type = "progress"
	Completed Type = "completed"
	Failed    Type = "failed"
	Warning   Type = "warning"

	SelectionChanging Type = "selection_changing"
	SelectionChanged  Type = "selection_changed"
	SelectionFailed   Type = "selection_failed"
)

type Event struct {
	Type        Type           `json:"type"`
	CandidateID int            `json:"candidate_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	State       string         `json:"state,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Result      *probe.Result  `json:"result,omitempty"`
	Verdict     *score.Verdict `json:"verdict,omitempty"`
	Err         string         `json:"error,omitempty"`
	Time        time.Time      `json:"time"`
}

// Terminal reports whether t ends a run or a selection change. These
// are the events a consumer needs to leave a "testing" or "changing"
// state.
func (t Type) Terminal() bool {
	switch t {
	case Completed, Failed, SelectionChanged, SelectionFailed:
		return true
	}
	return false
}

// Bus fans events out to subscribers. Publish never blocks. A
// subscriber that falls behind loses progress and warning events;
// terminal events are queued for it instead.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	next    int
	closed  bool
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: map[int]*subscriber{}}
}

// Subscribe returns a channel with the given buffer and a function to
// unsubscribe. The channel is closed on unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				s.close()
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.deliver(ev) {
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	backlog  []Event
	flushing bool
}

// deliver hands ev to the subscriber without blocking. While terminal
// events are queued, everything else is dropped so the queue keeps its
// order.
func (s *subscriber) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.backlog) == 0 {
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}
	if !ev.Type.Terminal() {
		return false
	}

	s.backlog = append(s.backlog, ev)
	if !s.flushing {
		s.flushing = true
		s.wg.Add(1)
		go s.flush()
	}
	return true
}

func (s *subscriber) flush() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		ev := s.backlog[0]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}

		s.mu.Lock()
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
	}
}

// close must only be called once, after the subscriber was removed
// from the bus.
func (s *subscriber) close() {
	close(s.done)
	s.wg.Wait()
	close(s.ch)
}
