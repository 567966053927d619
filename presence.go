package rtm

import (
	"context"

	"github.com/rtmkit/rtm-go/protocol"
)

// QueryOnline returns the subset of clientIDs that currently hold an open
// session. The order of the result is unspecified. Ids are sent in batches
// the server accepts; an empty list is rejected before any I/O.
func (c *Client) QueryOnline(ctx context.Context, clientIDs []string) ([]string, error) {
	if len(clientIDs) == 0 {
		return nil, invalidArgument("client id list is empty")
	}
	ids := dedupe(clientIDs)
	for _, id := range ids {
		if id == "" || len(id) > maxClientIDLength {
			return nil, invalidArgument("invalid client id %q", id)
		}
	}

	return runSerial(ctx, c.queue, func(ctx context.Context) ([]string, error) {
		s, err := c.current()
		if err != nil {
			return nil, err
		}

		asked := make(map[string]bool, len(ids))
		for _, id := range ids {
			asked[id] = true
		}

		var online []string
		for _, batch := range chunk(ids, protocol.MaxQueryClients) {
			var res protocol.QueryResult
			if err := s.call(ctx, c.cfg.CommandTimeout, protocol.MethodSessionQuery, protocol.QueryParams{ClientIDs: batch}, &res); err != nil {
				return nil, err
			}
			for _, id := range res.OnlineClientIDs {
				if asked[id] {
					online = append(online, id)
					asked[id] = false
				}
			}
		}
		return online, nil
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
