package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/websocket"
)

// DefaultMaxFrameBytes caps a single push frame.
const DefaultMaxFrameBytes = 1 << 20

// WebSocketDialer opens ws:// and wss:// push channels.
type WebSocketDialer struct {
	// Origin sent in the handshake (default: http://localhost/).
	Origin string

	// Header is added to the handshake request, e.g. for a bearer token
	// obtained from the identity collaborator.
	Header http.Header

	// MaxFrameBytes caps a single frame (default: DefaultMaxFrameBytes).
	MaxFrameBytes int
}

// Dial performs the websocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}

	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if d.Header != nil {
		cfg.Header = d.Header.Clone()
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}

	ws.MaxPayloadBytes = d.MaxFrameBytes
	if ws.MaxPayloadBytes <= 0 {
		ws.MaxPayloadBytes = DefaultMaxFrameBytes
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		// The oversized payload is drained on the next Receive.
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return nil, err
	}
	return frame, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
