// Package bus broadcasts pipeline and workspace lifecycle events to
// in-process subscribers such as the CLI watch command.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics.
const (
	TopicPipeline  = "pipeline.events"
	TopicWorkspace = "workspace.events"
	TopicAgent     = "agent.stream"
)

// Event is the payload published on every topic.
type Event struct {
	Type       string         `json:"type"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	TicketKey  string         `json:"ticket_key,omitempty"`
	StepNumber int            `json:"step_number,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a Bus. Slow subscribers do not block publishers.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, watermill.NopLogger{}),
	}
}

// Publish sends an event on a topic. Publishing never blocks on subscribers.
func (b *Bus) Publish(topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of decoded events for a topic. The channel
// closes when ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
