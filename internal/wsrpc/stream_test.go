package wsrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// echoServer writes back every object it reads, then closes normally.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s := NewStream(ws)
		var v map[string]any
		if err := s.ReadObject(&v); err != nil {
			return
		}
		s.WriteObject(v)
		s.Close()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, echoServer(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStream(ws)
	defer s.Close()

	if err := s.WriteObject(map[string]any{"method": "ping"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := s.ReadObject(&got); err != nil {
		t.Fatal(err)
	}
	if got["method"] != "ping" {
		t.Fatalf("echo = %v", got)
	}

	t.Run("normal close reads as EOF", func(t *testing.T) {
		var v map[string]any
		if err := s.ReadObject(&v); !errors.Is(err, io.EOF) {
			t.Fatalf("err = %v, want io.EOF", err)
		}
	})
}
