package rtm

import (
	"context"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// tokenCache holds the session token issued by session.open or
// session.refresh. It is guarded by Client.mu.
type tokenCache struct {
	token     string
	expiresAt time.Time
}

func (t *tokenCache) set(token string, ttl time.Duration, now time.Time) {
	t.token = token
	if ttl > 0 {
		t.expiresAt = now.Add(ttl)
	} else {
		t.expiresAt = time.Time{}
	}
}

// valid returns the cached token if it has not expired. A token without a
// known TTL never expires locally.
func (t *tokenCache) valid(now time.Time) (string, bool) {
	if t.token == "" {
		return "", false
	}
	if !t.expiresAt.IsZero() && !now.Before(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

func (t *tokenCache) clear() {
	t.token = ""
	t.expiresAt = time.Time{}
}

// SessionToken returns the session token used to authenticate REST calls on
// behalf of this session. The cached token is returned unless forceRefresh
// is set or it has expired, in which case the server mints a new one.
func (c *Client) SessionToken(ctx context.Context, forceRefresh bool) (string, error) {
	return runSerial(ctx, c.queue, func(ctx context.Context) (string, error) {
		return c.sessionToken(ctx, forceRefresh)
	})
}

func (c *Client) sessionToken(ctx context.Context, forceRefresh bool) (string, error) {
	s, err := c.current()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	cached, ok := c.token.valid(time.Now())
	current := c.token.token
	c.mu.Unlock()
	if ok && !forceRefresh {
		return cached, nil
	}

	var res protocol.RefreshResult
	params := protocol.RefreshParams{SessionToken: current}
	if err := s.call(ctx, c.cfg.CommandTimeout, protocol.MethodSessionRefresh, params, &res); err != nil {
		return "", err
	}
	if res.SessionToken == "" {
		return "", invalidResponse("session.refresh returned no token")
	}

	c.mu.Lock()
	c.token.set(res.SessionToken, time.Duration(res.TTL)*time.Second, time.Now())
	c.mu.Unlock()
	c.log.Debug("session token refreshed")
	return res.SessionToken, nil
}
