package notify

import (
	"context"
	"fmt"

	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/status"
)

// WebhookSink posts each event as JSON to a presentation endpoint.
type WebhookSink struct {
	client *resilience.Client
	url    string
}

// NewWebhookSink creates a sink posting to url through client.
func NewWebhookSink(client *resilience.Client, url string) *WebhookSink {
	return &WebhookSink{client: client, url: url}
}

// Notify posts the event.
func (s *WebhookSink) Notify(ctx context.Context, event status.NotificationEvent) error {
	if err := s.client.PostJSON(ctx, s.url, event, nil); err != nil {
		return fmt.Errorf("webhook %s: %w", s.client.Name(), err)
	}
	return nil
}
