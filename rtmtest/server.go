// Package rtmtest runs an in-process RTM backend for tests. It speaks the
// same JSON-RPC over WebSocket protocol and serves the same REST endpoints as
// the real service, with just enough behaviour to exercise a client: session
// takeover by tag, token refresh, presence, conversations with member
// notifications, offline replay and paged notification history.
//
//	srv := rtmtest.NewServer()
//	defer srv.Close()
//	app := rtm.NewApp(srv.AppID, srv.AppKey, rtm.WithServerURL(srv.URL))
package rtmtest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
	"nhooyr.io/websocket"

	"github.com/rtmkit/rtm-go/internal/wsrpc"
	"github.com/rtmkit/rtm-go/protocol"
)

const (
	DefaultAppID  = "test-app"
	DefaultAppKey = "test-key"
)

type Server struct {
	URL    string
	AppID  string
	AppKey string

	tokenTTL       time.Duration
	pageSize       int
	droppableLimit int
	verify         SignatureVerifier

	http *httptest.Server
	log  *slog.Logger

	mu            sync.Mutex
	conns         map[*jsonrpc2.Conn]struct{}
	sessions      map[*jsonrpc2.Conn]*clientSession
	tagged        map[string]*clientSession
	tokens        map[string]*tokenInfo
	convs         map[string]*protocol.Conversation
	pending       map[string][]push
	inboxes       map[string]*inbox
	installations map[string]*protocol.Installation
	lastTS        int64
}

type clientSession struct {
	conn     *jsonrpc2.Conn
	clientID string
	tag      string
	token    string
}

type tokenInfo struct {
	clientID string
	revoked  bool
}

type push struct {
	method string
	params any
}

// outgoing is a write to another connection, performed after the server
// lock is released.
type outgoing struct {
	conn   *jsonrpc2.Conn
	method string
	params any
	close  bool
}

type inbox struct {
	permanent      []protocol.Notification
	droppable      []protocol.Notification
	droppedThrough int64
}

type Option func(*Server)

// WithTokenTTL sets the lifetime reported for session tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.tokenTTL = ttl }
}

// WithPageSize sets how many notifications one REST page holds.
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithDroppableLimit caps the droppable history per client; older entries
// are discarded and later fetches report an invalid local cache.
func WithDroppableLimit(n int) Option {
	return func(s *Server) { s.droppableLimit = n }
}

// SignatureVerifier decides whether a signed action is allowed. members is
// empty for protocol.SignActionOpen. sig is nil when the client sent none.
type SignatureVerifier func(clientID, action string, members []string, sig *protocol.Signature) bool

// WithSignatureVerifier makes session.open and conv.start fail with
// protocol.CodeSignatureFailed unless verify accepts them.
func WithSignatureVerifier(verify SignatureVerifier) Option {
	return func(s *Server) { s.verify = verify }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer starts a server on a loopback port.
func NewServer(opts ...Option) *Server {
	s := &Server{
		AppID:          DefaultAppID,
		AppKey:         DefaultAppKey,
		tokenTTL:       time.Hour,
		pageSize:       50,
		droppableLimit: 100,
		conns:          make(map[*jsonrpc2.Conn]struct{}),
		sessions:       make(map[*jsonrpc2.Conn]*clientSession),
		tagged:         make(map[string]*clientSession),
		tokens:         make(map[string]*tokenInfo),
		convs:          make(map[string]*protocol.Conversation),
		pending:        make(map[string][]push),
		inboxes:        make(map[string]*inbox),
		installations:  make(map[string]*protocol.Installation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "rtmtest")
	}

	r := chi.NewRouter()
	r.Get(protocol.RTMPath, s.serveRTM)
	r.Group(func(r chi.Router) {
		r.Use(s.requireApp)
		r.Get(protocol.NotificationsPath, s.serveNotifications)
		r.Post(protocol.InstallationsPath, s.serveInstallation)
	})

	s.http = httptest.NewServer(r)
	s.URL = s.http.URL
	return s
}

// Close drops every connection and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	s.http.CloseClientConnections()
	s.http.Close()
}

// now returns a strictly increasing millisecond timestamp so notification
// paging never sees ties. Callers hold s.mu.
func (s *Server) now() int64 {
	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func sessionKey(clientID, tag string) string {
	return clientID + "\x00" + tag
}

// ============================================================================
// WebSocket endpoint
// ============================================================================

func (s *Server) serveRTM(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	if ws.Subprotocol() != protocol.Subprotocol {
		ws.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	ws.SetReadLimit(1 << 20)

	conn := jsonrpc2.NewConn(r.Context(), wsrpc.NewStream(ws), rpcHandler{s: s})
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	<-conn.DisconnectNotify()

	s.mu.Lock()
	delete(s.conns, conn)
	if sess := s.sessions[conn]; sess != nil {
		s.removeLocked(sess)
	}
	s.mu.Unlock()
}

func (s *Server) removeLocked(sess *clientSession) {
	delete(s.sessions, sess.conn)
	key := sessionKey(sess.clientID, sess.tag)
	if s.tagged[key] == sess {
		delete(s.tagged, key)
	}
}

type rpcHandler struct {
	s *Server
}

func (h rpcHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	s := h.s
	if req.Method == protocol.MethodSessionOpen {
		s.handleOpen(ctx, conn, req)
		return
	}

	result, out, rpcErr := s.dispatch(conn, req)
	if rpcErr != nil {
		conn.ReplyWithError(ctx, req.ID, rpcErr)
	} else {
		conn.Reply(ctx, req.ID, result)
	}
	s.send(ctx, out)
}

func (s *Server) send(ctx context.Context, out []outgoing) {
	for _, o := range out {
		if o.method != "" {
			if err := o.conn.Notify(ctx, o.method, o.params); err != nil {
				s.log.Debug("notify failed", "method", o.method, "error", err)
			}
		}
		if o.close {
			go o.conn.Close()
		}
	}
}

func rpcError(code int, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: int64(code), Message: message}
}

func decodeParams(req *jsonrpc2.Request, v any) *jsonrpc2.Error {
	if req.Params == nil {
		return rpcError(jsonrpc2.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return rpcError(jsonrpc2.CodeInvalidParams, err.Error())
	}
	return nil
}

// ============================================================================
// Sessions
// ============================================================================

func (s *Server) handleOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var p protocol.OpenParams
	if rpcErr := decodeParams(req, &p); rpcErr != nil {
		conn.ReplyWithError(ctx, req.ID, rpcErr)
		return
	}

	res, out, replay, rpcErr := s.open(conn, &p)
	s.send(ctx, out)
	if rpcErr != nil {
		conn.ReplyWithError(ctx, req.ID, rpcErr)
		return
	}
	conn.Reply(ctx, req.ID, res)
	for _, ev := range replay {
		if err := conn.Notify(ctx, ev.method, ev.params); err != nil {
			s.log.Debug("offline replay failed", "error", err)
			return
		}
	}
}

func (s *Server) open(conn *jsonrpc2.Conn, p *protocol.OpenParams) (*protocol.OpenResult, []outgoing, []push, *jsonrpc2.Error) {
	if p.AppID != s.AppID {
		return nil, nil, nil, rpcError(protocol.CodeInvalidLogin, "unknown app id")
	}
	if p.ClientID == "" || len(p.ClientID) > 64 {
		return nil, nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "invalid client id")
	}
	if s.verify != nil && !s.verify(p.ClientID, protocol.SignActionOpen, nil, p.Signature) {
		return nil, nil, nil, rpcError(protocol.CodeSignatureFailed, "signature verification failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[conn] != nil {
		return nil, nil, nil, rpcError(jsonrpc2.CodeInvalidRequest, "session already open on this connection")
	}

	var out []outgoing
	key := sessionKey(p.ClientID, p.Tag)
	existing := s.tagged[key]

	switch p.Mode {
	case protocol.OpenForce:
		if p.Tag != "" && existing != nil {
			if info := s.tokens[existing.token]; info != nil {
				info.revoked = true
			}
			s.removeLocked(existing)
			out = append(out, outgoing{
				conn:   existing.conn,
				method: protocol.NotifySessionClosed,
				params: protocol.SessionClosed{Code: protocol.CodeSessionConflict, Reason: protocol.ReasonSessionConflict},
				close:  true,
			})
		}
	case protocol.OpenReopen:
		if p.SessionToken != "" {
			info := s.tokens[p.SessionToken]
			if info == nil || info.clientID != p.ClientID {
				return nil, nil, nil, rpcError(protocol.CodeSessionTokenExpired, "session token expired")
			}
			if info.revoked {
				return nil, nil, nil, rpcError(protocol.CodeSessionConflict, protocol.ReasonSessionConflict)
			}
		}
		if existing != nil {
			if p.SessionToken == "" || existing.token != p.SessionToken {
				return nil, nil, nil, rpcError(protocol.CodeSessionConflict, protocol.ReasonSessionConflict)
			}
			// Same device whose old connection has not been noticed dead yet.
			s.removeLocked(existing)
			out = append(out, outgoing{conn: existing.conn, close: true})
		}
	default:
		return nil, nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "unknown open mode")
	}

	token := p.SessionToken
	if p.Mode == protocol.OpenForce || token == "" {
		token = uuid.NewString()
		s.tokens[token] = &tokenInfo{clientID: p.ClientID}
	}
	sess := &clientSession{conn: conn, clientID: p.ClientID, tag: p.Tag, token: token}
	s.sessions[conn] = sess
	if p.Tag != "" {
		s.tagged[key] = sess
	}

	var replay []push
	if p.OfflineEvents {
		replay = s.pending[p.ClientID]
	}
	delete(s.pending, p.ClientID)

	s.log.Debug("session opened", "clientId", p.ClientID, "tag", p.Tag, "mode", p.Mode, "replay", len(replay))
	return &protocol.OpenResult{
		SessionToken: token,
		TTL:          int(s.tokenTTL / time.Second),
		ServerTime:   time.Now().UnixMilli(),
	}, out, replay, nil
}

func (s *Server) dispatch(conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, []outgoing, *jsonrpc2.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[conn]
	if sess == nil {
		return nil, nil, rpcError(protocol.CodeInvalidLogin, "session not open")
	}

	switch req.Method {
	case protocol.MethodPing:
		return protocol.Empty{}, nil, nil

	case protocol.MethodSessionClose:
		s.removeLocked(sess)
		delete(s.tokens, sess.token)
		return protocol.Empty{}, nil, nil

	case protocol.MethodSessionRefresh:
		token := uuid.NewString()
		delete(s.tokens, sess.token)
		s.tokens[token] = &tokenInfo{clientID: sess.clientID}
		sess.token = token
		return protocol.RefreshResult{SessionToken: token, TTL: int(s.tokenTTL / time.Second)}, nil, nil

	case protocol.MethodSessionQuery:
		var p protocol.QueryParams
		if rpcErr := decodeParams(req, &p); rpcErr != nil {
			return nil, nil, rpcErr
		}
		if len(p.ClientIDs) > protocol.MaxQueryClients {
			return nil, nil, rpcError(protocol.CodeTooManyClients, "too many client ids")
		}
		online := []string{}
		for _, id := range p.ClientIDs {
			if s.onlineLocked(id) {
				online = append(online, id)
			}
		}
		return protocol.QueryResult{OnlineClientIDs: online}, nil, nil

	case protocol.MethodConvStart:
		var p protocol.StartParams
		if rpcErr := decodeParams(req, &p); rpcErr != nil {
			return nil, nil, rpcErr
		}
		return s.startLocked(sess, &p)

	case protocol.MethodConvQuery:
		var p protocol.ConvQueryParams
		if rpcErr := decodeParams(req, &p); rpcErr != nil {
			return nil, nil, rpcErr
		}
		if len(p.IDs) > protocol.MaxQueryClients {
			return nil, nil, rpcError(protocol.CodeTooManyClients, "too many conversation ids")
		}
		res := protocol.ConvQueryResult{Conversations: []protocol.Conversation{}}
		for _, id := range p.IDs {
			if conv := s.convs[id]; conv != nil {
				res.Conversations = append(res.Conversations, copyConversation(conv))
			}
		}
		return res, nil, nil

	case protocol.MethodConvUpdate:
		var p protocol.UpdateParams
		if rpcErr := decodeParams(req, &p); rpcErr != nil {
			return nil, nil, rpcErr
		}
		return s.updateLocked(sess, &p)
	}

	return nil, nil, rpcError(jsonrpc2.CodeMethodNotFound, "unknown method "+req.Method)
}

func (s *Server) onlineLocked(clientID string) bool {
	for _, sess := range s.sessions {
		if sess.clientID == clientID {
			return true
		}
	}
	return false
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Server) startLocked(sess *clientSession, p *protocol.StartParams) (any, []outgoing, *jsonrpc2.Error) {
	if s.verify != nil && !s.verify(sess.clientID, protocol.SignActionStart, p.Members, p.Signature) {
		return nil, nil, rpcError(protocol.CodeSignatureFailed, "signature verification failed")
	}
	if p.Transient && (p.Unique || p.Temporary) {
		return nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "transient conversations cannot be unique or temporary")
	}
	if p.Temporary && p.TTL <= 0 {
		return nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "temporary conversation requires ttl")
	}

	members := uniqueSorted(p.Members)
	if p.Transient {
		members = nil
	}

	if p.Unique {
		for _, conv := range s.convs {
			if conv.Unique && equalStrings(conv.Members, members) {
				return copyConversation(conv), nil, nil
			}
		}
	}

	now := s.now()
	conv := &protocol.Conversation{
		ID:         uuid.NewString(),
		Name:       p.Name,
		Creator:    sess.clientID,
		Members:    members,
		Attributes: p.Attributes,
		Unique:     p.Unique,
		Transient:  p.Transient,
		Temporary:  p.Temporary,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Unique {
		conv.UniqueID = uuid.NewString()
	}
	if p.Temporary {
		conv.ID = protocol.TemporaryPrefix + conv.ID
		conv.TTL = p.TTL
	}
	s.convs[conv.ID] = conv

	var out []outgoing
	for _, m := range members {
		if m == sess.clientID {
			continue
		}
		ev := protocol.ConvEvent{ConversationID: conv.ID, InitBy: sess.clientID}
		out = append(out, s.deliverLocked(m, protocol.NotifyConvJoined, ev, now)...)
	}
	return copyConversation(conv), out, nil
}

func (s *Server) updateLocked(sess *clientSession, p *protocol.UpdateParams) (any, []outgoing, *jsonrpc2.Error) {
	conv := s.convs[p.ConversationID]
	if conv == nil {
		return nil, nil, rpcError(protocol.CodeConversationNotFound, "conversation not found")
	}
	if !conv.Transient && !containsString(conv.Members, sess.clientID) {
		return nil, nil, rpcError(protocol.CodeNotMember, "not a member")
	}
	if len(p.Attributes) == 0 {
		return nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "no changes")
	}

	now := s.now()
	for k, v := range p.Attributes {
		if k == protocol.NameKey {
			name, ok := v.(string)
			if !ok {
				return nil, nil, rpcError(jsonrpc2.CodeInvalidParams, "name must be a string")
			}
			conv.Name = name
			continue
		}
		if conv.Attributes == nil {
			conv.Attributes = make(map[string]any)
		}
		conv.Attributes[strings.TrimPrefix(k, "attr.")] = v
	}
	conv.UpdatedAt = now

	var out []outgoing
	for _, m := range conv.Members {
		if m == sess.clientID {
			continue
		}
		ev := protocol.ConvEvent{ConversationID: conv.ID, InitBy: sess.clientID, Attributes: p.Attributes, UpdatedAt: now}
		out = append(out, s.deliverLocked(m, protocol.NotifyConvUpdated, ev, now)...)
	}
	return protocol.UpdateResult{UpdatedAt: now}, out, nil
}

// deliverLocked records ev in clientID's history and either pushes it to
// every open session of that client or queues it for offline replay.
func (s *Server) deliverLocked(clientID, method string, ev protocol.ConvEvent, ts int64) []outgoing {
	s.recordLocked(clientID, method, ev, ts)

	var out []outgoing
	for _, sess := range s.sessions {
		if sess.clientID == clientID {
			out = append(out, outgoing{conn: sess.conn, method: method, params: ev})
		}
	}
	if len(out) == 0 {
		s.pending[clientID] = append(s.pending[clientID], push{method: method, params: ev})
	}
	return out
}

func (s *Server) recordLocked(clientID, method string, ev protocol.ConvEvent, ts int64) {
	box := s.inboxes[clientID]
	if box == nil {
		box = &inbox{}
		s.inboxes[clientID] = box
	}
	n := protocol.Notification{
		Cmd:            "conv",
		Op:             strings.TrimPrefix(method, "conv."),
		ConversationID: ev.ConversationID,
		InitBy:         ev.InitBy,
		Timestamp:      ts,
		Attributes:     ev.Attributes,
	}
	if method == protocol.NotifyConvUpdated {
		box.droppable = append(box.droppable, n)
		if over := len(box.droppable) - s.droppableLimit; over > 0 {
			box.droppedThrough = box.droppable[over-1].Timestamp
			box.droppable = box.droppable[over:]
		}
		return
	}
	box.permanent = append(box.permanent, n)
}

// RemoveMember removes clientID from a conversation on behalf of by and
// notifies the removed client.
func (s *Server) RemoveMember(convID, clientID, by string) bool {
	s.mu.Lock()
	conv := s.convs[convID]
	if conv == nil || !containsString(conv.Members, clientID) {
		s.mu.Unlock()
		return false
	}
	members := conv.Members[:0:0]
	for _, m := range conv.Members {
		if m != clientID {
			members = append(members, m)
		}
	}
	conv.Members = members
	now := s.now()
	conv.UpdatedAt = now
	out := s.deliverLocked(clientID, protocol.NotifyConvLeft, protocol.ConvEvent{ConversationID: convID, InitBy: by}, now)
	s.mu.Unlock()

	s.send(context.Background(), out)
	return true
}

// DropClient closes every connection of clientID without a session.closed
// notice, as a network failure would. Session tokens stay valid.
func (s *Server) DropClient(clientID string) int {
	s.mu.Lock()
	var conns []*jsonrpc2.Conn
	for _, sess := range s.sessions {
		if sess.clientID == clientID {
			conns = append(conns, sess.conn)
			s.removeLocked(sess)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}

// Conversation returns a copy of the stored conversation.
func (s *Server) Conversation(id string) (protocol.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[id]
	if conv == nil {
		return protocol.Conversation{}, false
	}
	return copyConversation(conv), true
}

// Online reports whether clientID has an open session.
func (s *Server) Online(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked(clientID)
}

func copyConversation(c *protocol.Conversation) protocol.Conversation {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	if c.Attributes != nil {
		out.Attributes = make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
