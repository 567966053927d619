package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// ============================================================================
// Status
// ============================================================================

// Status is the lifecycle state of a client's session.
type Status string

const (
	StatusClosed  Status = "closed"
	StatusOpening Status = "opening"
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	// StatusPaused means the connection dropped and a reconnect is pending.
	StatusPaused   Status = "paused"
	StatusResuming Status = "resuming"
)

// OpenMode chooses what happens when the same client id and tag already
// hold a session elsewhere.
type OpenMode int

const (
	// ForceOpen takes the session over; the other device is forced offline.
	ForceOpen OpenMode = iota
	// Reopen resumes this device's session and fails with
	// ErrSessionConflict if another device has taken it over.
	Reopen
)

func (m OpenMode) String() string {
	if m == Reopen {
		return "reopen"
	}
	return "force"
}

func (m OpenMode) wire() protocol.OpenMode {
	if m == Reopen {
		return protocol.OpenReopen
	}
	return protocol.OpenForce
}

// ============================================================================
// Client
// ============================================================================

// Client is one identity's session with the RTM server. All operations run on
// the client's own serial queue, so they never interleave with each other or
// with the handling of server pushes.
type Client struct {
	app           *App
	id            string
	tag           string
	cfg           RealtimeConfig
	offlineEvents bool
	installation  *Installation
	signer        Signer
	log           *slog.Logger

	queue  *serialQueue
	events *eventRegistry
	recon  *reconnector
	convs  *ConversationManager
	push   *PushManager

	mu                sync.Mutex
	status            Status
	sess              *session
	token             tokenCache
	superseded        bool
	forcedOfflineSent bool
	stopReconnect     context.CancelFunc
}

type ClientOption func(*Client)

// WithTag sets the device tag. Two sessions with the same client id and a
// non-empty tag cannot coexist.
func WithTag(tag string) ClientOption {
	return func(c *Client) { c.tag = tag }
}

// WithInstallation attaches push registration data to the session.
func WithInstallation(inst *Installation) ClientOption {
	return func(c *Client) { c.installation = inst }
}

// WithOfflineEvents asks the server to replay events missed while offline
// right after the session opens.
func WithOfflineEvents(enabled bool) ClientOption {
	return func(c *Client) { c.offlineEvents = enabled }
}

// WithConversationStore persists fetched conversations across restarts.
func WithConversationStore(store Store) ClientOption {
	return func(c *Client) { c.convs.store = store }
}

// NewClient creates a closed client. clientID must be 1 to 64 characters and
// the tag "default" is reserved.
func (a *App) NewClient(clientID string, opts ...ClientOption) (*Client, error) {
	if clientID == "" || len(clientID) > maxClientIDLength {
		return nil, invalidArgument("client id length must be 1..%d, got %d", maxClientIDLength, len(clientID))
	}

	c := &Client{
		app:    a,
		id:     clientID,
		cfg:    a.realtime,
		status: StatusClosed,
		events: newEventRegistry(),
	}
	c.recon = newReconnector(&c.cfg)
	c.convs = newConversationManager(c)
	c.push = &PushManager{c: c}

	for _, opt := range opts {
		opt(c)
	}
	if c.tag == reservedTag {
		return nil, invalidArgument("tag %q is reserved", reservedTag)
	}

	c.log = a.log.With("clientId", c.id, "tag", c.tag)
	c.queue = newSerialQueue("client:"+c.id, c.log)
	if err := a.register(c); err != nil {
		c.queue.stop()
		return nil, err
	}
	return c, nil
}

func (c *Client) ID() string  { return c.id }
func (c *Client) Tag() string { return c.tag }

// Status returns the current session state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Conversations returns the client's conversation manager.
func (c *Client) Conversations() *ConversationManager { return c.convs }

// Push returns the client's push registration helper.
func (c *Client) Push() *PushManager { return c.push }

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// current returns the live session, or ErrSessionNotOpen.
func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen || c.sess == nil {
		return nil, ErrSessionNotOpen
	}
	return c.sess, nil
}

// ============================================================================
// Open / Close
// ============================================================================

// Open establishes the session. Opening an open client is a no-op. On
// failure the client returns to the state it was in before the call.
func (c *Client) Open(ctx context.Context, mode OpenMode) error {
	_, err := runSerial(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.open(ctx, mode)
	})
	return err
}

func (c *Client) open(ctx context.Context, mode OpenMode) error {
	c.mu.Lock()
	prev := c.status
	if prev == StatusOpen {
		c.mu.Unlock()
		return nil
	}
	if mode == Reopen && c.superseded {
		c.mu.Unlock()
		return &Error{Code: CodeSessionConflict, Reason: ErrSessionConflict.Reason, Detail: "session was taken over by another device"}
	}
	c.status = StatusOpening
	token := c.token.token
	c.mu.Unlock()

	c.log.Info("opening session", "mode", mode)
	s, res, err := c.connect(ctx, mode, token)
	if err != nil {
		c.mu.Lock()
		c.status = prev
		if IsCode(err, CodeSessionConflict) {
			c.superseded = true
		}
		c.mu.Unlock()
		c.log.Warn("open failed", "mode", mode, "error", err)
		return err
	}

	c.cancelReconnect()
	c.attach(s, res)
	c.log.Info("session opened")
	return nil
}

// connect dials and sends session.open. A reopen whose token expired falls
// back to a tokenless reopen, which still refuses to kick another device.
func (c *Client) connect(ctx context.Context, mode OpenMode, token string) (*session, *protocol.OpenResult, error) {
	if mode != Reopen {
		token = ""
	}
	s, res, err := c.openSession(ctx, mode, token)
	if err != nil && mode == Reopen && token != "" && IsCode(err, CodeSessionTokenExpired) {
		c.log.Debug("session token expired, reopening without it")
		s, res, err = c.openSession(ctx, mode, "")
	}
	return s, res, err
}

func (c *Client) openSession(ctx context.Context, mode OpenMode, token string) (*session, *protocol.OpenResult, error) {
	sig, err := c.sign(ctx, SignatureOpen, nil)
	if err != nil {
		return nil, nil, err
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	params := protocol.OpenParams{
		AppID:         c.app.appID,
		ClientID:      c.id,
		Tag:           c.tag,
		Mode:          mode.wire(),
		SessionToken:  token,
		OfflineEvents: c.offlineEvents,
		Signature:     sig,
	}
	if c.installation != nil {
		params.InstallationID = c.installation.ID
		params.DeviceToken = c.installation.DeviceToken
	}

	var res protocol.OpenResult
	if err := s.call(ctx, c.cfg.CommandTimeout, protocol.MethodSessionOpen, params, &res); err != nil {
		s.close()
		return nil, nil, err
	}
	if res.SessionToken == "" {
		s.close()
		return nil, nil, invalidResponse("session.open returned no token")
	}
	return s, &res, nil
}

func (c *Client) attach(s *session, res *protocol.OpenResult) {
	c.mu.Lock()
	c.sess = s
	c.status = StatusOpen
	c.superseded = false
	c.forcedOfflineSent = false
	c.token.set(res.SessionToken, time.Duration(res.TTL)*time.Second, time.Now())
	c.mu.Unlock()

	c.recon.markConnected()
	c.watch(s)
}

// Close ends the session. It always succeeds once the connection is torn
// down; a failed session.close is only logged.
func (c *Client) Close(ctx context.Context) error {
	_, err := runSerial(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		c.close(ctx)
		return struct{}{}, nil
	})
	if errors.Is(err, ErrClientClosed) {
		// Already disposed, so already closed.
		return nil
	}
	return err
}

func (c *Client) close(ctx context.Context) {
	c.cancelReconnect()
	c.recon.reset()

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	s := c.sess
	c.status = StatusClosing
	c.mu.Unlock()

	if s != nil {
		if err := s.call(ctx, c.cfg.CommandTimeout, protocol.MethodSessionClose, nil, nil); err != nil {
			c.log.Warn("session.close failed", "error", err)
		}
		s.close()
	}

	c.mu.Lock()
	c.sess = nil
	c.status = StatusClosed
	c.token.clear()
	c.mu.Unlock()
	c.log.Info("session closed")
}

// Dispose closes the client and releases it from its App. Every later
// operation returns ErrClientClosed.
func (c *Client) Dispose() {
	c.app.unregister(c)
	c.dispose()
}

// dispose closes the session and stops the task queue for good.
func (c *Client) dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		c.log.Warn("dispose: close failed", "error", err)
	}
	c.queue.stop()
	c.queue.wait()
}

// ============================================================================
// Server pushes and connection loss
// ============================================================================

func (c *Client) handlePush(s *session, method string, params json.RawMessage) {
	c.mu.Lock()
	live := c.sess == s
	c.mu.Unlock()
	if !live {
		c.log.Debug("dropping push from replaced session", "method", method)
		return
	}

	switch method {
	case protocol.NotifySessionClosed:
		var p protocol.SessionClosed
		if err := json.Unmarshal(params, &p); err != nil {
			c.log.Warn("bad session.closed payload", "error", err)
		}
		c.handleSessionClosed(s, &p)
	case protocol.NotifyConvJoined, protocol.NotifyConvLeft, protocol.NotifyConvUpdated:
		var ev protocol.ConvEvent
		if err := json.Unmarshal(params, &ev); err != nil {
			c.log.Warn("bad conversation event", "method", method, "error", err)
			return
		}
		c.convs.handleEvent(s, method, &ev)
	default:
		c.log.Debug("ignoring unknown push", "method", method)
	}
}

func (c *Client) handleSessionClosed(s *session, p *protocol.SessionClosed) {
	e := &Error{Code: p.Code, Reason: p.Reason, Detail: p.Detail}
	if e.Reason == "" {
		e.Reason = "session closed by server"
	}

	c.mu.Lock()
	c.sess = nil
	c.status = StatusClosed
	c.token.clear()
	if p.Code == CodeSessionConflict {
		c.superseded = true
	}
	c.mu.Unlock()

	s.close()
	c.log.Warn("session closed by server", "code", p.Code, "reason", p.Reason)
	c.forcedOffline(e)
}

// forcedOffline dispatches EventForcedOffline at most once per session.
func (c *Client) forcedOffline(e *Error) {
	c.mu.Lock()
	sent := c.forcedOfflineSent
	c.forcedOfflineSent = true
	c.mu.Unlock()
	if !sent {
		c.dispatch(Event{Kind: EventForcedOffline, Err: e})
	}
}

func (c *Client) handleDisconnect(s *session) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	reconnect := c.cfg.AutoReconnect && c.recon.shouldReconnect()
	if reconnect {
		c.status = StatusPaused
	} else {
		c.status = StatusClosed
	}
	c.mu.Unlock()

	s.close()
	c.log.Warn("connection lost", "reconnect", reconnect)
	lost := &Error{Code: CodeConnectionLost, Reason: ErrConnectionLost.Reason}
	if !reconnect {
		c.dispatch(Event{Kind: EventClosed, Err: lost})
		return
	}
	c.dispatch(Event{Kind: EventPaused, Err: lost})
	c.startReconnect(c.recon.nextDelay())
}

func (c *Client) startReconnect(delay time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopReconnect = cancel
	c.mu.Unlock()
	go c.reconnectLoop(ctx, delay)
}

func (c *Client) cancelReconnect() {
	c.mu.Lock()
	cancel := c.stopReconnect
	c.stopReconnect = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) reconnectLoop(ctx context.Context, delay time.Duration) {
	for {
		c.log.Debug("reconnecting", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := runSerial(ctx, c.queue, c.resume)
		if err != nil || next == 0 {
			return
		}
		delay = next
	}
}

// resume runs one reconnect attempt and returns the delay before the next
// one, or zero when reconnecting is over.
func (c *Client) resume(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return 0, nil
	}
	c.status = StatusResuming
	token := c.token.token
	c.mu.Unlock()
	c.dispatch(Event{Kind: EventResuming})

	s, res, err := c.connect(ctx, Reopen, token)
	if err == nil {
		c.mu.Lock()
		c.stopReconnect = nil
		c.mu.Unlock()
		c.attach(s, res)
		c.log.Info("session resumed")
		c.dispatch(Event{Kind: EventResumed})
		return 0, nil
	}

	var rtmErr *Error
	if !errors.As(err, &rtmErr) {
		rtmErr = &Error{Code: CodeConnectionLost, Reason: ErrConnectionLost.Reason, Detail: err.Error(), cause: err}
	}

	if rtmErr.Code == CodeSessionConflict {
		c.mu.Lock()
		c.status = StatusClosed
		c.superseded = true
		c.token.clear()
		c.mu.Unlock()
		c.log.Warn("resume refused, session taken over", "error", err)
		c.forcedOffline(rtmErr)
		return 0, nil
	}

	if ctx.Err() == nil && c.recon.shouldReconnect() {
		c.setStatus(StatusPaused)
		c.log.Debug("resume failed, will retry", "error", err)
		return c.recon.nextDelay(), nil
	}

	c.setStatus(StatusClosed)
	c.log.Warn("giving up reconnecting", "error", err)
	c.dispatch(Event{Kind: EventClosed, Err: rtmErr})
	return 0, nil
}
