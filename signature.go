package rtm

import (
	"context"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
)

// SignatureAction names the operation a Signer is asked to authorize.
type SignatureAction string

const (
	SignatureOpen  SignatureAction = protocol.SignActionOpen
	SignatureStart SignatureAction = protocol.SignActionStart
)

// Signature is produced by the application's own server, which holds the
// master key, and checked by the RTM server.
type Signature struct {
	Value     string
	Timestamp time.Time
	Nonce     string
}

// Signer signs an action for the client. clientIDs holds the members of a
// conversation being started and is empty for SignatureOpen. A nil
// signature sends the request unsigned.
type Signer func(ctx context.Context, clientID string, action SignatureAction, clientIDs []string) (*Signature, error)

// WithSigner signs every session open, including automatic resumes, and
// every conversation start.
func WithSigner(signer Signer) ClientOption {
	return func(c *Client) { c.signer = signer }
}

// sign runs the signer on the client's queue. A signer error fails the
// operation before anything is sent.
func (c *Client) sign(ctx context.Context, action SignatureAction, clientIDs []string) (*protocol.Signature, error) {
	if c.signer == nil {
		return nil, nil
	}
	sig, err := c.signer(ctx, c.id, action, clientIDs)
	if err != nil {
		return nil, &Error{Code: CodeSignatureFailed, Reason: ErrSignatureFailed.Reason, Detail: string(action), cause: err}
	}
	if sig == nil {
		return nil, nil
	}
	return &protocol.Signature{
		Signature: sig.Value,
		Timestamp: sig.Timestamp.UnixMilli(),
		Nonce:     sig.Nonce,
	}, nil
}
