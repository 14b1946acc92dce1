package mqttcm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrnimwx/speedprobe/client/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish

	// gate holds every publish until it is closed, like a slow broker
	gate chan struct{}
}

func (f *fakePublisher) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t []string
	for _, m := range f.msgs {
		t = append(t, m.Topic)
	}
	return t
}

func TestTopics(t *testing.T) {
	tp := NewTopics("/devel/", "laptop")

	assert.Equal(t, "/devel/speedprobe/laptop/status", tp.Status())
	assert.Equal(t, "/devel/speedprobe/laptop/events/completed", tp.Event(events.Completed))
	assert.Equal(t, "/devel/speedprobe/laptop/results/5", tp.Result(5))
	assert.Equal(t, "/devel/speedprobe/+/events/#", tp.EventSubscription())

	name, id, err := tp.ParseResultTopic("/devel/speedprobe/laptop/results/5")
	require.NoError(t, err)
	assert.Equal(t, "laptop", name)
	assert.Equal(t, 5, id)

	for _, bad := range []string{
		"/devel/speedprobe/laptop/events/completed",
		"/prod/speedprobe/laptop/results/5",
		"/devel/speedprobe/laptop/results/x",
	} {
		_, _, err := tp.ParseResultTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestBridge(t *testing.T) {
	fp := &fakePublisher{}
	tp := NewTopics("/test", "c1")
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- NewBridge(fp, tp).Run(ctx, bus)
	}()

	// wait for the bridge to subscribe
	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Type: events.Progress, CandidateID: 3, Progress: 0.5})
		return len(fp.topics()) > 0
	}, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Type: events.Completed, CandidateID: 3})
	bus.Publish(events.Event{Type: events.SelectionChanged, CandidateID: 3})

	require.Eventually(t, func() bool {
		return len(fp.topics()) >= 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	fp.mu.Lock()
	defer fp.mu.Unlock()

	byTopic := map[string]*paho.Publish{}
	for _, m := range fp.msgs {
		byTopic[m.Topic] = m
	}

	progress := byTopic["/test/speedprobe/c1/events/progress"]
	require.NotNil(t, progress)
	assert.Equal(t, byte(0), progress.QoS)

	result := byTopic["/test/speedprobe/c1/results/3"]
	require.NotNil(t, result)
	assert.True(t, result.Retain)

	var ev events.Event
	require.NoError(t, json.Unmarshal(result.Payload, &ev))
	assert.Equal(t, events.Completed, ev.Type)

	sel := byTopic["/test/speedprobe/c1/selection"]
	require.NotNil(t, sel)
	assert.True(t, sel.Retain)
}

func TestBridgeSlowBrokerKeepsResults(t *testing.T) {
	fp := &fakePublisher{gate: make(chan struct{})}
	tp := NewTopics("/test", "c1")
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- NewBridge(fp, tp).Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		return bus.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	const runs = 20
	for id := 1; id <= runs; id++ {
		for i := range 50 {
			bus.Publish(events.Event{Type: events.Progress, CandidateID: id, Progress: float64(i) / 50})
		}
		bus.Publish(events.Event{Type: events.Completed, CandidateID: id})
	}
	close(fp.gate)

	require.Eventually(t, func() bool {
		n := 0
		for _, topic := range fp.topics() {
			if _, _, err := tp.ParseResultTopic(topic); err == nil {
				n++
			}
		}
		return n == runs
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestStatusMessage(t *testing.T) {
	b, err := StatusMessageJSON(true)
	require.NoError(t, err)

	var sm StatusMessage
	require.NoError(t, json.Unmarshal(b, &sm))
	assert.True(t, sm.Online)
}
