package rtm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleConversation(id string) *Conversation {
	return &Conversation{
		ID:           id,
		Name:         "sample",
		Creator:      "alice",
		Members:      []string{"alice", "bob"},
		Attributes:   map[string]any{"color": "red", "meta": map[string]any{"pinned": true}},
		Temporary:    true,
		TemporaryTTL: time.Hour,
		CreatedAt:    time.UnixMilli(1700000000000),
		UpdatedAt:    time.UnixMilli(1700000001000),
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	if conv, _, err := s.Load("missing"); conv != nil || err != nil {
		t.Fatalf("Load(missing) = %v, %v", conv, err)
	}

	if err := s.Save(sampleConversation("c1"), sampleConversation("c2")); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}

	conv, stale, err := s.Load("c1")
	if err != nil || conv == nil || stale {
		t.Fatalf("Load(c1) = %v, %v, %v", conv, stale, err)
	}
	if conv.Name != "sample" || !conv.HasMember("bob") || conv.TemporaryTTL != time.Hour {
		t.Fatalf("loaded %+v", conv)
	}

	conv.Members[0] = "mallory"
	again, _, _ := s.Load("c1")
	if again.HasMember("mallory") {
		t.Fatal("Load returned shared state")
	}

	if err := s.MarkAllStale(); err != nil {
		t.Fatal(err)
	}
	if _, stale, _ := s.Load("c2"); !stale {
		t.Fatal("MarkAllStale did not mark c2")
	}

	if err := s.Save(sampleConversation("c2")); err != nil {
		t.Fatal(err)
	}
	if _, stale, _ := s.Load("c2"); stale {
		t.Fatal("saving should clear the stale mark")
	}

	if err := s.Delete("c1"); err != nil {
		t.Fatal(err)
	}
	if conv, _, _ := s.Load("c1"); conv != nil {
		t.Fatal("c1 survived Delete")
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "conversations.cbor")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Path() != path {
		t.Fatalf("Path = %q", s.Path())
	}
	if err := s.Save(sampleConversation("c1")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAllStale(); err != nil {
		t.Fatal(err)
	}

	t.Run("reopen reads what was written", func(t *testing.T) {
		reopened, err := OpenFileStore(path)
		if err != nil {
			t.Fatal(err)
		}
		conv, stale, err := reopened.Load("c1")
		if err != nil || conv == nil {
			t.Fatalf("Load = %v, %v", conv, err)
		}
		if !stale {
			t.Fatal("stale mark not persisted")
		}
		if conv.Attributes["color"] != "red" || !conv.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
			t.Fatalf("loaded %+v", conv)
		}
		meta, ok := conv.Attributes["meta"].(map[string]any)
		if !ok || meta["pinned"] != true {
			t.Fatalf("nested attribute = %#v", conv.Attributes["meta"])
		}
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.cbor")
		if err := os.WriteFile(bad, []byte{0xff, 0x00, 0x13}, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenFileStore(bad); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("empty file is an empty store", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "empty.cbor")
		if err := os.WriteFile(empty, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenFileStore(empty); err != nil {
			t.Fatal(err)
		}
	})
}

func TestFileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversations.cbor")

	s, err := OpenFileStore(path, WithStoreLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleConversation("c1")); err != nil {
		t.Fatal(err)
	}
	if err := s.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer s.StopWatching()

	t.Run("second start keeps the watcher", func(t *testing.T) {
		first := s.watcher
		if err := s.StartWatching(); err != nil {
			t.Fatal(err)
		}
		if s.watcher != first {
			t.Fatal("StartWatching replaced the running watcher")
		}
	})

	t.Run("another writer", func(t *testing.T) {
		other, err := OpenFileStore(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := other.Save(sampleConversation("c2")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "c2 reloaded", func() bool {
			conv, _, _ := s.Load("c2")
			return conv != nil
		})
	})

	t.Run("file removed", func(t *testing.T) {
		if err := os.Remove(path); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "store emptied", func() bool {
			conv, _, _ := s.Load("c1")
			return conv == nil
		})
	})
}

func TestClientUsesStore(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	store := NewMemoryStore()
	alice := openClient(t, app, "alice", WithConversationStore(store))
	conv, err := alice.Conversations().Create(ctx, CreateOptions{Name: "kept", Members: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	if stored, _, _ := store.Load(conv.ID); stored == nil || stored.Name != "kept" {
		t.Fatalf("created conversation not stored: %+v", stored)
	}

	// A fresh client sharing the store serves the conversation offline.
	restarted := newClient(t, app, "alice", WithConversationStore(store))
	ch, err := restarted.Conversations().QueryByIDs(ctx, []string{conv.ID})
	if err != nil {
		t.Fatal(err)
	}
	convs, err := collect(t, ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Name != "kept" {
		t.Fatalf("got %+v", convs)
	}

	t.Run("RemoveAllCached leaves the store", func(t *testing.T) {
		restarted.Conversations().RemoveAllCached()
		if store.Len() != 1 {
			t.Fatalf("store has %d entries", store.Len())
		}
	})

	t.Run("kicked conversation is deleted", func(t *testing.T) {
		kicked := recordEvents(alice, EventKicked)
		srv.RemoveMember(conv.ID, "alice", "bob")
		waitEvent(t, kicked)
		if stored, _, _ := store.Load(conv.ID); stored != nil {
			t.Fatal("store still holds a conversation alice left")
		}
	})
}
