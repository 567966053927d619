// Package wsrpc carries JSON-RPC 2.0 over a WebSocket connection.
package wsrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"nhooyr.io/websocket"
)

// Stream carries one JSON-RPC object per text frame.
type Stream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// ReadObject reports a normal or going-away close as io.EOF so jsonrpc2
// treats it as a clean disconnect.
func (s *Stream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Stream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*Stream)(nil)
