package rtm

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"nhooyr.io/websocket"

	"github.com/rtmkit/rtm-go/internal/wsrpc"
	"github.com/rtmkit/rtm-go/protocol"
)

const (
	heartbeatTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
)

// ============================================================================
// Session transport
// ============================================================================

// session is one live RTM connection. A client replaces its session on every
// open or resume; pushes and disconnects from a replaced session are ignored.
type session struct {
	rpc    *jsonrpc2.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) call(ctx context.Context, timeout time.Duration, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fromRPC(s.rpc.Call(ctx, method, params, result))
}

func (s *session) close() {
	s.cancel()
	s.rpc.Close()
}

// pushHandler forwards server notifications onto the client's task queue.
// It runs on the jsonrpc2 read loop and must not block.
type pushHandler struct {
	c *Client
	s *session
}

func (h pushHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "client accepts notifications only",
		})
		return
	}
	var params json.RawMessage
	if req.Params != nil {
		params = append(params, *req.Params...)
	}
	method := req.Method
	h.c.queue.enqueue(func() { h.c.handlePush(h.s, method, params) })
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, c.app.websocketURL(), &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}
		return nil, &Error{Code: CodeConnectionLost, Reason: "dial failed", Detail: err.Error(), cause: err}
	}
	ws.SetReadLimit(maxFrameSize)

	s := &session{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.rpc = jsonrpc2.NewConn(s.ctx, wsrpc.NewStream(ws), pushHandler{c: c, s: s})
	return s, nil
}

// watch starts the heartbeat and reports a dropped connection to the task
// queue. Both stop when s is closed.
func (c *Client) watch(s *session) {
	go c.heartbeatLoop(s)
	go func() {
		select {
		case <-s.rpc.DisconnectNotify():
			c.queue.enqueue(func() { c.handleDisconnect(s) })
		case <-s.ctx.Done():
		}
	}()
}

func (c *Client) heartbeatLoop(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, heartbeatTimeout)
			err := s.rpc.Call(ctx, protocol.MethodPing, nil, nil)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				// The watcher sees the close and pauses the client.
				c.log.Warn("heartbeat failed", "error", err)
				s.rpc.Close()
				return
			}
		}
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is only touched from the client's task queue.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A session that stayed up for a
// minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
