package rtm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rtmkit/rtm-go/protocol"
	"github.com/rtmkit/rtm-go/rtmtest"
)

// expectedSignature stands in for an app server's signing.
func expectedSignature(clientID, action string) string {
	return clientID + ":" + action + ":signed"
}

func TestSigner(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := newTestServer(t, rtmtest.WithSignatureVerifier(func(clientID, action string, members []string, sig *protocol.Signature) bool {
		mu.Lock()
		seen = append(seen, action)
		mu.Unlock()
		return sig != nil && sig.Signature == expectedSignature(clientID, action) && sig.Nonce != "" && sig.Timestamp > 0
	}))
	app := newTestApp(t, srv)
	ctx := testContext(t)

	signer := func(ctx context.Context, clientID string, action SignatureAction, clientIDs []string) (*Signature, error) {
		if action == SignatureStart && len(clientIDs) == 0 {
			return nil, errors.New("start without members")
		}
		return &Signature{Value: expectedSignature(clientID, string(action)), Timestamp: time.Now(), Nonce: "n"}, nil
	}

	alice := openClient(t, app, "alice", WithSigner(signer))
	if _, err := alice.Conversations().Create(ctx, CreateOptions{Members: []string{"bob"}}); err != nil {
		t.Fatalf("signed Create: %v", err)
	}
	mu.Lock()
	actions := append([]string(nil), seen...)
	mu.Unlock()
	if len(actions) != 2 || actions[0] != protocol.SignActionOpen || actions[1] != protocol.SignActionStart {
		t.Fatalf("verified actions = %v", actions)
	}

	t.Run("unsigned open is refused", func(t *testing.T) {
		bob := newClient(t, app, "bob")
		err := bob.Open(ctx, ForceOpen)
		if !errors.Is(err, ErrSignatureFailed) {
			t.Fatalf("err = %v, want signature failure", err)
		}
		if bob.Status() != StatusClosed {
			t.Fatalf("status = %s", bob.Status())
		}
	})

	t.Run("signer error fails before sending", func(t *testing.T) {
		cause := errors.New("app server down")
		carol := newClient(t, app, "carol", WithSigner(func(context.Context, string, SignatureAction, []string) (*Signature, error) {
			return nil, cause
		}))
		err := carol.Open(ctx, ForceOpen)
		if !errors.Is(err, ErrSignatureFailed) || !errors.Is(err, cause) {
			t.Fatalf("err = %v", err)
		}
		if srv.Online("carol") {
			t.Fatal("carol reached the server")
		}
	})
}

func TestSignerNilSignature(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)

	calls := 0
	c := newClient(t, app, "alice", WithSigner(func(context.Context, string, SignatureAction, []string) (*Signature, error) {
		calls++
		return nil, nil
	}))
	if err := c.Open(testContext(t), ForceOpen); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("signer called %d times", calls)
	}
}
