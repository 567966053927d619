// Package rtm is a client for a realtime messaging backend.
//
// An App holds the application credentials, server endpoints and the single
// callback queue on which every event handler runs. Clients created from an
// App each own one session with the RTM server and serialize all of their
// operations on a private task queue.
//
// Example:
//
//	app := rtm.NewApp("app-id", "app-key", rtm.WithServerURL("https://rtm.example.com"))
//	defer app.Close()
//
//	client, _ := app.NewClient("alice", rtm.WithTag("mobile"))
//	client.OnInvited(func(conv *rtm.Conversation, by string) { ... })
//	if err := client.Open(ctx, rtm.ForceOpen); err != nil { ... }
//
//	conv, _ := client.Conversations().Create(ctx, rtm.CreateOptions{Members: []string{"bob"}})
//	online, _ := client.QueryOnline(ctx, []string{"bob", "carol"})
package rtm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultServerURL      = "https://rtm.rtmkit.io"
	DefaultTimeout        = 30 * time.Second
	DefaultCommandTimeout = 30 * time.Second

	maxClientIDLength = 64
	reservedTag       = "default"
)

// RealtimeConfig tunes the RTM connection of every client of an App.
type RealtimeConfig struct {
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; a negative value retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// CommandTimeout bounds each request sent over the session.
	CommandTimeout time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
}

// ============================================================================
// App
// ============================================================================

type App struct {
	appID      string
	appKey     string
	rtmURL     string
	apiURL     string
	httpClient *http.Client
	log        *slog.Logger
	realtime   RealtimeConfig

	// callbacks is the fixed context every event handler of every client
	// runs on.
	callbacks *serialQueue

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

type AppOption func(*App)

// WithServerURL points both the RTM and the API endpoints at one host.
func WithServerURL(u string) AppOption {
	return func(a *App) {
		u = strings.TrimRight(u, "/")
		a.rtmURL = u
		a.apiURL = u
	}
}

func WithRTMServer(u string) AppOption {
	return func(a *App) { a.rtmURL = strings.TrimRight(u, "/") }
}

func WithAPIServer(u string) AppOption {
	return func(a *App) { a.apiURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) AppOption {
	return func(a *App) { a.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) AppOption {
	return func(a *App) { a.httpClient = client }
}

func WithLogger(log *slog.Logger) AppOption {
	return func(a *App) { a.log = log }
}

func WithRealtimeConfig(cfg RealtimeConfig) AppOption {
	return func(a *App) { a.realtime = cfg }
}

// NewApp creates an App. It starts the callback queue; call Close when done.
func NewApp(appID, appKey string, opts ...AppOption) *App {
	a := &App{
		appID:  appID,
		appKey: appKey,
		rtmURL: DefaultServerURL,
		apiURL: DefaultServerURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		clients: make(map[*Client]struct{}),
	}

	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.realtime.defaults()

	a.callbacks = newSerialQueue("callbacks", a.log)
	return a
}

// AppID returns the application id.
func (a *App) AppID() string { return a.appID }

// Close closes every client created from a and stops the callback queue once
// queued events have been delivered. Close must not be called from an event
// handler.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	clients := make([]*Client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	for _, c := range clients {
		c.dispose()
	}
	a.callbacks.stop()
	a.callbacks.wait()
}

func (a *App) register(c *Client) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClientClosed
	}
	a.clients[c] = struct{}{}
	return nil
}

func (a *App) unregister(c *Client) {
	a.mu.Lock()
	delete(a.clients, c)
	a.mu.Unlock()
}

func (a *App) clientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

func (a *App) websocketURL() string {
	u := strings.Replace(a.rtmURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + protocol.RTMPath
}

// ============================================================================
// Internal request helper
// ============================================================================

func (a *App) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, header map[string]string) ([]byte, error) {
	u := a.apiURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(protocol.HeaderAppID, a.appID)
	req.Header.Set(protocol.HeaderAppKey, a.appKey)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, contextError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) error {
	var apiErr protocol.APIError
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == 0 {
		return &Error{Code: status, Reason: http.StatusText(status), Detail: strings.TrimSpace(string(data))}
	}
	return &Error{Code: apiErr.Code, Reason: apiErr.Error}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
