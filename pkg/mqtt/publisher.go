package mqtt

import (
	"fmt"

	"github.com/markus-lassfolk/drivedetect/pkg/events"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

type publisher interface {
	IsConnected() bool
	Publish(topic string, payload interface{}) error
}

// EventPublisher forwards bus events to <prefix>/events/<name>
type EventPublisher struct {
	publisher publisher
	prefix    string
	logger    *logx.Logger
}

// NewEventPublisher creates a bus listener publishing through client
func NewEventPublisher(client *Client, logger *logx.Logger) *EventPublisher {
	return &EventPublisher{publisher: client, prefix: client.TopicPrefix(), logger: logger}
}

// Topic returns the topic events named name are published to
func (p *EventPublisher) Topic(name string) string {
	return fmt.Sprintf("%s/events/%s", p.prefix, name)
}

// HandleEvent publishes the event's status payload. Events raised while
// the broker is unreachable are dropped.
func (p *EventPublisher) HandleEvent(ev events.Event) error {
	if !p.publisher.IsConnected() {
		p.logger.Debug("MQTT not connected, event not forwarded", "event", ev.Name)
		return nil
	}
	return p.publisher.Publish(p.Topic(ev.Name), ev.Status)
}
