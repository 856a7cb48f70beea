package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// MultiDialer routes an endpoint to a dialer by URL scheme.
type MultiDialer map[string]Dialer

// Dial picks the dialer registered for the endpoint's scheme.
func (m MultiDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse channel endpoint: %w", err)
	}

	d, ok := m[strings.ToLower(u.Scheme)]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: scheme %q", ErrNoDialer, u.Scheme)
	}
	return d.Dial(ctx, endpoint)
}
