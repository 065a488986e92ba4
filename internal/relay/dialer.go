package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal surface the manager needs from one live connection.
type Socket interface {
	// ReadMessage blocks until the next frame or a terminal error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets. Production uses WebsocketDialer; tests substitute an
// in-memory implementation so no network is involved.
type Dialer interface {
	Dial(ctx context.Context, endpointURL string) (Socket, error)
}

// WebsocketDialer dials real websocket endpoints.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates the production dialer.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens a websocket connection to the endpoint URL.
func (d *WebsocketDialer) Dial(ctx context.Context, endpointURL string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpointURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &websocketSocket{conn: conn}, nil
}

type websocketSocket struct {
	conn *websocket.Conn

	// writeMu serializes writers: gorilla permits at most one concurrent
	// writer per connection.
	writeMu sync.Mutex
}

func (s *websocketSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *websocketSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *websocketSocket) Close() error {
	// Best effort close handshake; the peer may already be gone.
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
