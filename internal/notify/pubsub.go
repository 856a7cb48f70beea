package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"

	"github.com/livestatus/livestatus/internal/status"
)

// Publisher is the subset of *pubsub.Publisher used by PubSubSink.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubSink publishes events to a topic consumed by the native notification
// service.
type PubSubSink struct {
	publisher Publisher
}

// NewPubSubSink creates a sink that publishes to the given topic.
func NewPubSubSink(client *pubsub.Client, topic string) *PubSubSink {
	return &PubSubSink{publisher: client.Publisher(topic)}
}

// NewPubSubSinkWithPublisher creates a sink around an existing publisher.
func NewPubSubSinkWithPublisher(p Publisher) *PubSubSink {
	return &PubSubSink{publisher: p}
}

// Notify publishes the event and waits for the server acknowledgement.
func (s *PubSubSink) Notify(ctx context.Context, event status.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"severity":    string(event.Severity),
			"resource_id": event.RelatedResourceID,
			"kind":        string(event.Kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}
