// ABOUTME: Socket and Dialer abstractions over the chat server's websocket endpoint.
// ABOUTME: Speaks JSON text frames carrying wire.Envelope, authenticated by bearer token.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/solstice-im/chatsync/internal/wire"
)

// Transport errors.
var (
	// ErrAuthRejected means the server refused the presented credential.
	// It is terminal: retrying with the same credential cannot succeed.
	ErrAuthRejected = errors.New("credential rejected by server")

	// ErrSocketClosed means the socket was closed, locally or by the peer.
	ErrSocketClosed = errors.New("socket closed")
)

// Socket is a live, authenticated event channel.
type Socket interface {
	// ReadEnvelope blocks until the next inbound envelope arrives.
	ReadEnvelope(ctx context.Context) (wire.Envelope, error)

	// WriteEnvelope transmits one envelope to the server.
	WriteEnvelope(ctx context.Context, env wire.Envelope) error

	// Close tears the socket down. Safe to call more than once.
	Close() error
}

// Dialer opens a Socket for a credential.
type Dialer interface {
	Dial(ctx context.Context, token string) (Socket, error)
}

// WebsocketDialer dials the chat server's websocket endpoint.
type WebsocketDialer struct {
	URL        string // ws:// or wss:// endpoint
	HTTPClient *http.Client
}

// Dial opens a websocket with the bearer token in the handshake.
// An HTTP 401/403 response maps to ErrAuthRejected.
func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Socket, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &websocketSocket{conn: conn}, nil
}

// websocketSocket adapts a websocket connection to the Socket interface.
type websocketSocket struct {
	conn *websocket.Conn
}

func (s *websocketSocket) ReadEnvelope(ctx context.Context) (wire.Envelope, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	return env, nil
}

func (s *websocketSocket) WriteEnvelope(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	return nil
}

func (s *websocketSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
