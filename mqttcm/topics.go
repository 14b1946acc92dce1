package mqttcm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mrnimwx/speedprobe/client/events"
)

type MQTTTopics struct {
	prefix string
	name   string
}

// NewTopics returns the topics for client name under prefix, e.g.
// "/prod" gives "/prod/speedprobe/<name>/...".
func NewTopics(prefix, name string) *MQTTTopics {
	return &MQTTTopics{prefix: strings.TrimSuffix(prefix, "/"), name: name}
}

func (t *MQTTTopics) base() string {
	return fmt.Sprintf("%s/speedprobe", t.prefix)
}

func (t *MQTTTopics) Status() string {
	return fmt.Sprintf("%s/%s/status", t.base(), t.name)
}

func (t *MQTTTopics) StatusSubscription() string {
	return fmt.Sprintf("%s/+/status", t.base())
}

func (t *MQTTTopics) Event(typ events.Type) string {
	return fmt.Sprintf("%s/%s/events/%s", t.base(), t.name, typ)
}

func (t *MQTTTopics) EventSubscription() string {
	return fmt.Sprintf("%s/+/events/#", t.base())
}

// Result is the retained last result of a candidate.
func (t *MQTTTopics) Result(candidateID int) string {
	return fmt.Sprintf("%s/%s/results/%d", t.base(), t.name, candidateID)
}

func (t *MQTTTopics) Selection() string {
	return fmt.Sprintf("%s/%s/selection", t.base(), t.name)
}

func (t *MQTTTopics) ParseResultTopic(topic string) (string, int, error) {
	// /prod/speedprobe/laptop/results/5
	rest := strings.TrimPrefix(topic, t.base()+"/")
	p := strings.Split(rest, "/")

	if rest == topic || len(p) != 3 || p[1] != "results" {
		return "", 0, fmt.Errorf("could not parse result topic: %q", topic)
	}
	id, err := strconv.Atoi(p[2])
	if err != nil {
		return "", 0, fmt.Errorf("could not parse result topic: %q", topic)
	}
	return p[0], id, nil
}
