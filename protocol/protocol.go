// Package protocol defines the wire contract between an RTM client and the
// realtime backend: JSON-RPC 2.0 method and notification names, their
// parameter and result shapes, error codes, and the REST payloads served by
// the API server.
//
// Both the client in package rtm and the fake backend in package rtmtest
// import this package, so the two sides can never drift apart.
package protocol

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "rtm.jsonrpc.1"

// RTMPath is the WebSocket endpoint on the RTM server.
const RTMPath = "/rtm"

// ============================================================================
// Methods (client -> server)
// ============================================================================

const (
	MethodSessionOpen    = "session.open"
	MethodSessionClose   = "session.close"
	MethodSessionRefresh = "session.refresh"
	MethodSessionQuery   = "session.query"
	MethodConvStart      = "conv.start"
	MethodConvQuery      = "conv.query"
	MethodConvUpdate     = "conv.update"
	MethodPing           = "ping"
)

// ============================================================================
// Notifications (server -> client)
// ============================================================================

const (
	NotifySessionClosed = "session.closed"
	NotifyConvJoined    = "conv.joined"
	NotifyConvLeft      = "conv.left"
	NotifyConvUpdated   = "conv.updated"
)

// ============================================================================
// Error codes
// ============================================================================

const (
	CodeSessionConflict      = 4111
	CodeSessionTokenExpired  = 4112
	CodeInvalidLogin         = 4103
	CodeSignatureFailed      = 4102
	CodeConversationNotFound = 4401
	CodeNotMember            = 4301
	CodeTooManyClients       = 4313
)

const (
	// ReasonSessionConflict is the reason string sent with CodeSessionConflict.
	ReasonSessionConflict = "SESSION_CONFLICT"
	// MaxQueryClients bounds session.query and conv.query id lists.
	MaxQueryClients = 20
)

// ============================================================================
// Session
// ============================================================================

// OpenMode selects how session.open treats an existing session for the same
// client id and tag.
type OpenMode string

const (
	OpenForce  OpenMode = "force"
	OpenReopen OpenMode = "reopen"
)

type OpenParams struct {
	AppID          string     `json:"appId"`
	ClientID       string     `json:"clientId"`
	Tag            string     `json:"tag,omitempty"`
	Mode           OpenMode   `json:"mode"`
	SessionToken   string     `json:"sessionToken,omitempty"`
	InstallationID string     `json:"installationId,omitempty"`
	DeviceToken    string     `json:"deviceToken,omitempty"`
	OfflineEvents  bool       `json:"offlineEvents,omitempty"`
	Signature      *Signature `json:"signature,omitempty"`
}

// Signature is issued by the application's own server to authorize a
// session.open or conv.start.
type Signature struct {
	Signature string `json:"s"`
	Timestamp int64  `json:"t"`
	Nonce     string `json:"n"`
}

// Signed actions.
const (
	SignActionOpen  = "open"
	SignActionStart = "start"
)

type OpenResult struct {
	SessionToken string `json:"sessionToken"`
	TTL          int    `json:"ttl"`
	ServerTime   int64  `json:"serverTime"`
}

type RefreshParams struct {
	SessionToken string `json:"sessionToken"`
}

type RefreshResult struct {
	SessionToken string `json:"sessionToken"`
	TTL          int    `json:"ttl"`
}

type QueryParams struct {
	ClientIDs []string `json:"clientIds"`
}

type QueryResult struct {
	OnlineClientIDs []string `json:"onlineClientIds"`
}

// SessionClosed is pushed before the server drops a session it no longer
// honours.
type SessionClosed struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Empty is the result of calls that carry no data.
type Empty struct{}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is the server-side conversation record. Timestamps are unix
// milliseconds.
type Conversation struct {
	ID         string         `json:"objectId"`
	Name       string         `json:"name,omitempty"`
	Creator    string         `json:"c,omitempty"`
	Members    []string       `json:"m,omitempty"`
	Attributes map[string]any `json:"attr,omitempty"`
	Unique     bool           `json:"unique,omitempty"`
	UniqueID   string         `json:"uniqueId,omitempty"`
	Transient  bool           `json:"tr,omitempty"`
	Temporary  bool           `json:"temp,omitempty"`
	TTL        int            `json:"ttl,omitempty"`
	CreatedAt  int64          `json:"createdAt,omitempty"`
	UpdatedAt  int64          `json:"updatedAt,omitempty"`
}

type StartParams struct {
	Name       string         `json:"name,omitempty"`
	Members    []string       `json:"members"`
	Attributes map[string]any `json:"attr,omitempty"`
	Unique     bool           `json:"unique,omitempty"`
	Transient  bool           `json:"transient,omitempty"`
	Temporary  bool           `json:"temporary,omitempty"`
	TTL        int            `json:"ttl,omitempty"`
	Signature  *Signature     `json:"signature,omitempty"`
}

type ConvQueryParams struct {
	IDs []string `json:"ids"`
}

type ConvQueryResult struct {
	Conversations []Conversation `json:"conversations"`
}

type UpdateParams struct {
	ConversationID string         `json:"cid"`
	Attributes     map[string]any `json:"attr"`
}

type UpdateResult struct {
	UpdatedAt int64 `json:"updatedAt"`
}

// ConvEvent is the payload of conv.joined, conv.left and conv.updated.
type ConvEvent struct {
	ConversationID string         `json:"cid"`
	InitBy         string         `json:"initBy,omitempty"`
	Attributes     map[string]any `json:"attr,omitempty"`
	UpdatedAt      int64          `json:"udate,omitempty"`
}

// TemporaryPrefix starts the id of every temporary conversation.
const TemporaryPrefix = "_tmp:"

// NameKey is the update key that maps onto the conversation name rather than
// its custom attributes.
const NameKey = "name"

// ============================================================================
// REST
// ============================================================================

const (
	NotificationsPath = "/1.2/rtm/notifications"
	InstallationsPath = "/1.1/installations"

	HeaderAppID        = "X-RTM-Id"
	HeaderAppKey       = "X-RTM-Key"
	HeaderSessionToken = "X-RTM-Session-Token"
)

// Notification channel names, used both as the type query parameter and as
// the top-level keys of the response.
const (
	ChannelPermanent = "permanent"
	ChannelDroppable = "droppable"
)

// Notification is one stored event in a REST notifications batch.
type Notification struct {
	Cmd            string         `json:"cmd"`
	Op             string         `json:"op"`
	ConversationID string         `json:"cid,omitempty"`
	InitBy         string         `json:"initBy,omitempty"`
	Timestamp      int64          `json:"ts"`
	Attributes     map[string]any `json:"attr,omitempty"`
}

// NotificationBatch mirrors one channel of the notifications response.
// Pointers let the client tell a missing key from a zero value.
type NotificationBatch struct {
	Notifications         []Notification `json:"notifications"`
	HasMore               *bool          `json:"hasMore"`
	InvalidLocalConvCache *bool          `json:"invalidLocalConvCache,omitempty"`
}

type Installation struct {
	ObjectID       string   `json:"objectId,omitempty"`
	InstallationID string   `json:"installationId"`
	DeviceType     string   `json:"deviceType"`
	DeviceToken    string   `json:"deviceToken,omitempty"`
	Channels       []string `json:"channels,omitempty"`
	CreatedAt      int64    `json:"createdAt,omitempty"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`
}

// APIError is the body of a failed REST response.
type APIError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

