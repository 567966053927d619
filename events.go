package rtm

import (
	"sync"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	// EventInvited fires when the client was added to a conversation.
	EventInvited EventKind = "invited"
	// EventKicked fires when the client was removed from a conversation.
	EventKicked EventKind = "kicked"
	// EventUpdated fires when another member changed a conversation.
	EventUpdated EventKind = "updated"
	// EventForcedOffline fires once when the server closes the session,
	// typically because another device opened the same client id and tag.
	EventForcedOffline EventKind = "forcedOffline"

	EventPaused   EventKind = "paused"
	EventResuming EventKind = "resuming"
	EventResumed  EventKind = "resumed"
	EventClosed   EventKind = "closed"
)

// Event is a tagged variant; which fields are set depends on Kind.
//
//	EventInvited, EventKicked: Conversation, By
//	EventUpdated:              Conversation, By, Attributes
//	EventForcedOffline:        Err
//	EventClosed:               Err (why reconnecting gave up)
type Event struct {
	Kind         EventKind
	Client       *Client
	Conversation *Conversation
	By           string
	Attributes   map[string]any
	Err          *Error
	At           time.Time
}

// Handler receives events on the App's callback queue.
type Handler func(Event)

// ============================================================================
// Registry
// ============================================================================

// eventRegistry holds at most one handler per kind. The handler is looked up
// when the event is delivered, not when it is raised.
type eventRegistry struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{handlers: make(map[EventKind]Handler)}
}

func (r *eventRegistry) set(kind EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

func (r *eventRegistry) get(kind EventKind) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Handle installs h as the only handler for kind, replacing any previous
// one. A nil h removes the handler.
func (c *Client) Handle(kind EventKind, h Handler) {
	c.events.set(kind, h)
}

// OnInvited registers the handler for being added to a conversation.
func (c *Client) OnInvited(h func(conv *Conversation, by string)) {
	c.Handle(EventInvited, func(ev Event) { h(ev.Conversation, ev.By) })
}

// OnKicked registers the handler for being removed from a conversation.
func (c *Client) OnKicked(h func(conv *Conversation, by string)) {
	c.Handle(EventKicked, func(ev Event) { h(ev.Conversation, ev.By) })
}

// OnUpdated registers the handler for conversation updates made by others.
// at is the server time of the update and attrs holds exactly the keys that
// changed.
func (c *Client) OnUpdated(h func(conv *Conversation, at time.Time, by string, attrs map[string]any)) {
	c.Handle(EventUpdated, func(ev Event) { h(ev.Conversation, ev.At, ev.By, ev.Attributes) })
}

// OnForcedOffline registers the handler for server-initiated session close.
func (c *Client) OnForcedOffline(h func(err *Error)) {
	c.Handle(EventForcedOffline, func(ev Event) { h(ev.Err) })
}

// OnStatus registers one handler for paused, resuming, resumed and closed.
func (c *Client) OnStatus(h func(status Status, err *Error)) {
	for kind, status := range map[EventKind]Status{
		EventPaused:   StatusPaused,
		EventResuming: StatusResuming,
		EventResumed:  StatusOpen,
		EventClosed:   StatusClosed,
	} {
		status := status
		c.Handle(kind, func(ev Event) { h(status, ev.Err) })
	}
}

// dispatch hands ev to the callback queue. Events from one client are
// delivered in the order they were dispatched.
func (c *Client) dispatch(ev Event) {
	ev.Client = c
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.log.Debug("dispatch event", "kind", ev.Kind)
	c.app.callbacks.enqueue(func() {
		if h := c.events.get(ev.Kind); h != nil {
			h(ev)
		}
	})
}
