package rtm

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOfflineEventReplay(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := newClient(t, app, "bob", WithOfflineEvents(true))
	events := recordEvents(bob, EventInvited, EventUpdated)

	conv, err := alice.Conversations().Create(ctx, CreateOptions{Name: "plans", Members: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Conversations().Update(ctx, conv, map[string]any{"name": "weekend", "place": "beach"}); err != nil {
		t.Fatal(err)
	}

	if err := bob.Open(ctx, ForceOpen); err != nil {
		t.Fatal(err)
	}

	invited := waitEvent(t, events)
	if invited.Kind != EventInvited {
		t.Fatalf("first event = %s, want invited", invited.Kind)
	}
	if invited.Conversation.ID != conv.ID || invited.By != "alice" {
		t.Fatalf("invited = %+v by %q", invited.Conversation, invited.By)
	}
	if !invited.Conversation.HasMember("bob") {
		t.Fatalf("invited conversation members = %v", invited.Conversation.Members)
	}

	updated := waitEvent(t, events)
	if updated.Kind != EventUpdated {
		t.Fatalf("second event = %s, want updated", updated.Kind)
	}
	if updated.By != "alice" || updated.Conversation.ID != conv.ID {
		t.Fatalf("updated by %q on %s", updated.By, updated.Conversation.ID)
	}
	if len(updated.Attributes) != 2 || updated.Attributes["name"] != "weekend" || updated.Attributes["place"] != "beach" {
		t.Fatalf("updated attributes = %v", updated.Attributes)
	}
	if updated.Conversation.Name != "weekend" || updated.Conversation.Attributes["place"] != "beach" {
		t.Fatalf("updated conversation = %+v", updated.Conversation)
	}
	if updated.Client != bob {
		t.Fatal("event carries the wrong client")
	}

	expectNoEvent(t, events, 100*time.Millisecond)
}

func TestOfflineEventsNotRequested(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := newClient(t, app, "bob")
	events := recordEvents(bob, EventInvited, EventUpdated)

	if _, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob"}}); err != nil {
		t.Fatal(err)
	}
	if err := bob.Open(ctx, ForceOpen); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, events, 200*time.Millisecond)
}

func TestLiveConversationEvents(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := openClient(t, app, "bob")
	events := recordEvents(bob, EventInvited, EventUpdated, EventKicked)

	conv, err := alice.Conversations().Create(ctx, CreateOptions{Name: "team", Members: []string{"bob", "carol"}})
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events)
	if ev.Kind != EventInvited || ev.Conversation.Name != "team" || ev.By != "alice" {
		t.Fatalf("got %s %+v", ev.Kind, ev.Conversation)
	}

	if _, err := alice.Conversations().Update(ctx, conv, map[string]any{"attr.mood": "happy"}); err != nil {
		t.Fatal(err)
	}
	ev = waitEvent(t, events)
	if ev.Kind != EventUpdated {
		t.Fatalf("got %s, want updated", ev.Kind)
	}
	if len(ev.Attributes) != 1 || ev.Attributes["attr.mood"] != "happy" {
		t.Fatalf("attributes = %v", ev.Attributes)
	}
	if ev.Conversation.Attributes["mood"] != "happy" {
		t.Fatalf("conversation attributes = %v", ev.Conversation.Attributes)
	}

	if !srv.RemoveMember(conv.ID, "bob", "alice") {
		t.Fatal("RemoveMember failed")
	}
	ev = waitEvent(t, events)
	if ev.Kind != EventKicked || ev.Conversation.ID != conv.ID || ev.By != "alice" {
		t.Fatalf("got %s %+v", ev.Kind, ev.Conversation)
	}

	t.Run("updater gets no event", func(t *testing.T) {
		own := recordEvents(alice, EventUpdated)
		if _, err := alice.Conversations().Update(ctx, conv, map[string]any{"name": "renamed"}); err != nil {
			t.Fatal(err)
		}
		expectNoEvent(t, own, 200*time.Millisecond)
	})
}

func TestOnUpdated(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := openClient(t, app, "bob")

	type update struct {
		at    time.Time
		by    string
		attrs map[string]any
	}
	updates := make(chan update, 4)
	bob.OnUpdated(func(conv *Conversation, at time.Time, by string, attrs map[string]any) {
		updates <- update{at, by, attrs}
	})

	conv, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	changed, err := alice.Conversations().Update(ctx, conv, map[string]any{"name": "x"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-updates:
		if u.by != "alice" || u.attrs["name"] != "x" {
			t.Fatalf("update = %+v", u)
		}
		if u.at.IsZero() || !u.at.Equal(changed.UpdatedAt) {
			t.Fatalf("at = %v, want %v", u.at, changed.UpdatedAt)
		}
	case <-time.After(testTimeout):
		t.Fatal("no update delivered")
	}
}

func TestHandlerRegistration(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := openClient(t, app, "bob")

	first := make(chan string, 4)
	second := make(chan string, 4)
	bob.OnInvited(func(conv *Conversation, by string) { first <- conv.ID })
	bob.OnInvited(func(conv *Conversation, by string) { second <- conv.ID })

	conv, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-second:
		if id != conv.ID {
			t.Fatalf("invited to %s, want %s", id, conv.ID)
		}
	case <-time.After(testTimeout):
		t.Fatal("replacement handler not called")
	}
	select {
	case <-first:
		t.Fatal("replaced handler was called")
	case <-time.After(100 * time.Millisecond):
	}

	t.Run("nil removes the handler", func(t *testing.T) {
		bob.Handle(EventInvited, nil)
		if _, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob"}}); err != nil {
			t.Fatal(err)
		}
		select {
		case <-second:
			t.Fatal("removed handler was called")
		case <-time.After(200 * time.Millisecond):
		}
	})
}

func TestCallbackQueue(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	bob := openClient(t, app, "bob")
	carol := openClient(t, app, "carol")

	var inFlight, maxInFlight atomic.Int32
	done := make(chan struct{}, 8)
	handler := func(ev Event) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		done <- struct{}{}
	}

	panicked := make(chan struct{}, 1)
	bob.Handle(EventInvited, func(Event) {
		panicked <- struct{}{}
		panic("handler bug")
	})
	carol.Handle(EventInvited, handler)

	if _, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob", "carol"}}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-panicked:
	case <-time.After(testTimeout):
		t.Fatal("panicking handler not called")
	}

	bob.Handle(EventInvited, handler)
	for i := 0; i < 2; i++ {
		if _, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob", "carol"}}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Fatalf("only %d handlers ran", i)
		}
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("handlers ran concurrently: %d at once", maxInFlight.Load())
	}
}

func TestOnStatus(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	c := openClient(t, app, "alice")

	statuses := make(chan Status, 4)
	c.OnStatus(func(s Status, err *Error) { statuses <- s })

	srv.DropClient("alice")
	select {
	case s := <-statuses:
		if s != StatusClosed {
			t.Fatalf("status = %s, want closed", s)
		}
	case <-time.After(testTimeout):
		t.Fatal("no status event")
	}
}
