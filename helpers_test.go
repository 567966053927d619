package rtm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rtmkit/rtm-go/rtmtest"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testTimeout = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...rtmtest.Option) *rtmtest.Server {
	t.Helper()
	srv := rtmtest.NewServer(append([]rtmtest.Option{rtmtest.WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, srv *rtmtest.Server, opts ...AppOption) *App {
	t.Helper()
	base := []AppOption{WithServerURL(srv.URL), WithLogger(quietLogger())}
	app := NewApp(srv.AppID, srv.AppKey, append(base, opts...)...)
	t.Cleanup(app.Close)
	return app
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newClient(t *testing.T, app *App, id string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := app.NewClient(id, opts...)
	if err != nil {
		t.Fatalf("NewClient(%q): %v", id, err)
	}
	return c
}

func openClient(t *testing.T, app *App, id string, opts ...ClientOption) *Client {
	t.Helper()
	c := newClient(t, app, id, opts...)
	if err := c.Open(testContext(t), ForceOpen); err != nil {
		t.Fatalf("Open(%q): %v", id, err)
	}
	return c
}

// recordEvents routes the given kinds of c into one buffered channel.
func recordEvents(c *Client, kinds ...EventKind) <-chan Event {
	ch := make(chan Event, 64)
	for _, kind := range kinds {
		c.Handle(kind, func(ev Event) { ch <- ev })
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s event", ev.Kind)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func collect(t *testing.T, ch <-chan QueryResult) ([]*Conversation, error) {
	t.Helper()
	var convs []*Conversation
	timeout := time.After(testTimeout)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return convs, nil
			}
			if r.Err != nil {
				return convs, r.Err
			}
			convs = append(convs, r.Conversation)
		case <-timeout:
			t.Fatal("timed out reading query results")
			return nil, nil
		}
	}
}
