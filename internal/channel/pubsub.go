package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub/v2"
)

// ErrSubscriptionClosed is returned by Receive after the subscription stops
// without an error of its own.
var ErrSubscriptionClosed = errors.New("pubsub subscription closed")

// PubSubDialer opens pubsub://{subscription} push channels. The backend
// publishes status frames for one resource into a dedicated subscription.
type PubSubDialer struct {
	Client *pubsub.Client

	// Buffer is the number of frames held between the subscriber and the
	// adapter (default: 16).
	Buffer int
}

// Dial starts receiving from the subscription named by endpoint.
func (d *PubSubDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.Client == nil {
		return nil, errors.New("pubsub client not configured")
	}

	name, err := subscriptionName(endpoint)
	if err != nil {
		return nil, err
	}

	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 16
	}

	sub := d.Client.Subscriber(name)
	sub.ReceiveSettings.MaxOutstandingMessages = buffer

	// The connection outlives Dial's context; Close stops it.
	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &pubsubConn{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			select {
			case c.frames <- msg.Data:
				msg.Ack()
			case <-recvCtx.Done():
				msg.Nack()
			}
		})
		c.stop(err)
	}()

	return c, nil
}

// subscriptionName accepts pubsub://sub-id and pubsub:///projects/p/subscriptions/s.
func subscriptionName(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse pubsub endpoint: %w", err)
	}
	if u.Scheme != "pubsub" {
		return "", fmt.Errorf("not a pubsub endpoint: %s", endpoint)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("pubsub endpoint has no subscription: %s", endpoint)
	}
	return name, nil
}

type pubsubConn struct {
	frames chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (c *pubsubConn) stop(err error) {
	c.once.Do(func() {
		if err == nil || errors.Is(err, context.Canceled) {
			err = ErrSubscriptionClosed
		}
		c.err = err
		close(c.done)
	})
}

func (c *pubsubConn) Receive() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		return nil, c.err
	}
}

func (c *pubsubConn) Close() error {
	c.cancel()
	c.stop(nil)
	return nil
}
