package mqttcm

import (
	"context"
	"encoding/json"

	"github.com/eclipse/paho.golang/paho"
	"go.ntppool.org/common/logger"

	"github.com/mrnimwx/speedprobe/client/events"
)

// bridgeBuffer covers the progress events of a test-all run while QoS 1
// publishes wait on the broker.
const bridgeBuffer = 256

// Publisher is satisfied by *autopaho.ConnectionManager.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge republishes bus events for remote UIs. Progress goes out at
// QoS 0; finished runs are also retained on the candidate's result
// topic and selection changes on the selection topic.
type Bridge struct {
	pub    Publisher
	topics *MQTTTopics
}

func NewBridge(pub Publisher, topics *MQTTTopics) *Bridge {
	return &Bridge{pub: pub, topics: topics}
}

// Run forwards events from bus until ctx is done or the bus closes.
func (b *Bridge) Run(ctx context.Context, bus *events.Bus) error {
	ch, unsubscribe := bus.Subscribe(bridgeBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev events.Event) {
	log := logger.FromContext(ctx)

	payload, err := json.Marshal(ev)
	if err != nil {
		log.WarnContext(ctx, "could not encode event", "type", ev.Type, "err", err)
		return
	}

	msgs := []*paho.Publish{{
		Topic:   b.topics.Event(ev.Type),
		Payload: payload,
		QoS:     qos(ev.Type),
	}}

	switch ev.Type {
	case events.Completed, events.Failed:
		msgs = append(msgs, &paho.Publish{
			Topic:   b.topics.Result(ev.CandidateID),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	case events.SelectionChanged:
		msgs = append(msgs, &paho.Publish{
			Topic:   b.topics.Selection(),
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
	}

	for _, m := range msgs {
		if _, err := b.pub.Publish(ctx, m); err != nil {
			log.DebugContext(ctx, "mqtt publish failed", "topic", m.Topic, "err", err)
		}
	}
}

func qos(t events.Type) byte {
	if t == events.Progress {
		return 0
	}
	return 1
}
