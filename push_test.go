package rtm

import (
	"errors"
	"sync"
	"testing"
)

func TestSaveInstallation(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	inst := NewInstallation("device-token-1")
	if inst.ID == "" || inst.DeviceType != "go" {
		t.Fatalf("NewInstallation = %+v", inst)
	}
	c := newClient(t, app, "alice", WithInstallation(inst))

	saved, err := c.Push().SaveInstallation(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ObjectID == "" || saved.InstallationID != inst.ID {
		t.Fatalf("saved = %+v", saved)
	}
	if len(saved.Channels) != 1 || saved.Channels[0] != "alice" {
		t.Fatalf("channels = %v", saved.Channels)
	}

	again, err := c.Push().SaveInstallation(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if again.ObjectID != saved.ObjectID || len(again.Channels) != 1 {
		t.Fatalf("resave = %+v", again)
	}

	if _, err := c.Push().SaveInstallation(ctx, false); err != nil {
		t.Fatal(err)
	}
	stored, ok := srv.Installation(inst.ID)
	if !ok || len(stored.Channels) != 0 {
		t.Fatalf("unsubscribe left %+v", stored)
	}

	t.Run("argument errors", func(t *testing.T) {
		bare := newClient(t, app, "bob")
		if _, err := bare.Push().SaveInstallation(ctx, true); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("no installation: %v", err)
		}
		tokenless := newClient(t, app, "carol", WithInstallation(&Installation{ID: "x"}))
		if _, err := tokenless.Push().SaveInstallation(ctx, true); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("no device token: %v", err)
		}
	})

	t.Run("installation travels with session.open", func(t *testing.T) {
		if err := c.Open(ctx, ForceOpen); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSaveInstallationBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	app := NewApp(srv.AppID, "wrong-key", WithServerURL(srv.URL), WithLogger(quietLogger()))
	t.Cleanup(app.Close)

	c := newClient(t, app, "alice", WithInstallation(NewInstallation("tok")))
	_, err := c.Push().SaveInstallation(testContext(t), true)
	var rtmErr *Error
	if !errors.As(err, &rtmErr) || rtmErr.Code != 4103 {
		t.Fatalf("err = %v, want 4103", err)
	}
}

func TestSaveInstallationConcurrent(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	inst := NewInstallation("device-token-1")
	c := newClient(t, app, "alice", WithInstallation(inst))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(subscribe bool) {
			defer wg.Done()
			if _, err := c.Push().SaveInstallation(ctx, subscribe); err != nil {
				errs <- err
			}
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Whichever call ran last decides the channels; each call starts from
	// the previous call's result so the client id is never duplicated.
	saved, err := c.Push().SaveInstallation(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Channels) != 1 || saved.Channels[0] != "alice" {
		t.Fatalf("channels = %v", saved.Channels)
	}
	stored, ok := srv.Installation(inst.ID)
	if !ok || len(stored.Channels) != 1 {
		t.Fatalf("stored = %+v", stored)
	}
}
