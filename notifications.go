package rtm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// NotificationChannel selects which stored notifications to fetch.
type NotificationChannel string

const (
	// ChannelAll fetches both channels.
	ChannelAll NotificationChannel = ""
	// ChannelPermanent holds membership changes; never dropped.
	ChannelPermanent NotificationChannel = protocol.ChannelPermanent
	// ChannelDroppable holds updates the server may discard under load.
	ChannelDroppable NotificationChannel = protocol.ChannelDroppable
)

// Notification is an event the server stored for a client.
type Notification struct {
	Cmd            string
	Op             string
	ConversationID string
	InitBy         string
	Timestamp      time.Time
	Attributes     map[string]any
}

// NotificationBatch is one page of a channel.
type NotificationBatch struct {
	Notifications []Notification
	HasMore       bool
	// InvalidLocalConversationCache is set only for the droppable channel.
	// When true, notifications were dropped and every locally cached
	// conversation may be out of date.
	InvalidLocalConversationCache *bool
}

// NextSince returns the start timestamp for the following page.
func (b *NotificationBatch) NextSince(since time.Time) time.Time {
	for _, n := range b.Notifications {
		if n.Timestamp.After(since) {
			since = n.Timestamp
		}
	}
	return since
}

type NotificationQuery struct {
	SessionToken string
	ClientID     string
	// Since excludes notifications at or before this instant.
	Since   time.Time
	Channel NotificationChannel
}

// FetchNotifications pulls stored notifications over HTTP. It is stateless:
// paging is up to the caller, who repeats with NextSince while HasMore.
func (a *App) FetchNotifications(ctx context.Context, q NotificationQuery) (map[NotificationChannel]*NotificationBatch, error) {
	if q.SessionToken == "" {
		return nil, invalidArgument("session token is required")
	}
	if q.ClientID == "" {
		return nil, invalidArgument("client id is required")
	}
	switch q.Channel {
	case ChannelAll, ChannelPermanent, ChannelDroppable:
	default:
		return nil, invalidArgument("unknown notification channel %q", q.Channel)
	}

	query := map[string]string{"client_id": q.ClientID}
	if !q.Since.IsZero() {
		query["start_ts"] = strconv.FormatInt(q.Since.UnixMilli(), 10)
	}
	if q.Channel != ChannelAll {
		query["type"] = string(q.Channel)
	}

	data, err := a.doRequest(ctx, "GET", protocol.NotificationsPath, nil, query, map[string]string{
		protocol.HeaderSessionToken: q.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	return parseNotifications(data, q.Channel)
}

func parseNotifications(data []byte, channel NotificationChannel) (map[NotificationChannel]*NotificationBatch, error) {
	raw, err := decodeJSON[map[string]json.RawMessage](data)
	if err != nil {
		return nil, err
	}

	want := []NotificationChannel{ChannelPermanent, ChannelDroppable}
	if channel != ChannelAll {
		want = []NotificationChannel{channel}
	}

	out := make(map[NotificationChannel]*NotificationBatch, len(want))
	for _, ch := range want {
		body, ok := (*raw)[string(ch)]
		if !ok {
			return nil, invalidResponse("missing %s channel", ch)
		}
		batch, err := parseBatch(ch, body)
		if err != nil {
			return nil, err
		}
		out[ch] = batch
	}
	return out, nil
}

func parseBatch(ch NotificationChannel, body json.RawMessage) (*NotificationBatch, error) {
	var wire protocol.NotificationBatch
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s batch: %w", ch, err)
	}
	if wire.Notifications == nil {
		return nil, invalidResponse("%s batch has no notifications", ch)
	}
	if wire.HasMore == nil {
		return nil, invalidResponse("%s batch has no hasMore", ch)
	}

	batch := &NotificationBatch{
		Notifications: make([]Notification, 0, len(wire.Notifications)),
		HasMore:       *wire.HasMore,
	}
	if ch == ChannelDroppable {
		if wire.InvalidLocalConvCache == nil {
			return nil, invalidResponse("droppable batch has no invalidLocalConvCache")
		}
		invalid := *wire.InvalidLocalConvCache
		batch.InvalidLocalConversationCache = &invalid
	}
	for _, n := range wire.Notifications {
		batch.Notifications = append(batch.Notifications, Notification{
			Cmd:            n.Cmd,
			Op:             n.Op,
			ConversationID: n.ConversationID,
			InitBy:         n.InitBy,
			Timestamp:      fromMillis(n.Timestamp),
			Attributes:     n.Attributes,
		})
	}
	return batch, nil
}

// FetchNotifications fetches this client's stored notifications with its
// current session token. A droppable batch that reports an invalid local
// cache marks every cached conversation for refetch.
func (c *Client) FetchNotifications(ctx context.Context, since time.Time, channel NotificationChannel) (map[NotificationChannel]*NotificationBatch, error) {
	return runSerial(ctx, c.queue, func(ctx context.Context) (map[NotificationChannel]*NotificationBatch, error) {
		token, err := c.sessionToken(ctx, false)
		if err != nil {
			return nil, err
		}
		batches, err := c.app.FetchNotifications(ctx, NotificationQuery{
			SessionToken: token,
			ClientID:     c.id,
			Since:        since,
			Channel:      channel,
		})
		if err != nil {
			return nil, err
		}
		if b := batches[ChannelDroppable]; b != nil && b.InvalidLocalConversationCache != nil && *b.InvalidLocalConversationCache {
			c.log.Info("server dropped notifications, invalidating conversation cache")
			c.convs.invalidate()
		}
		return batches, nil
	})
}
