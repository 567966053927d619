package rtm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
)

func TestQueryOnline(t *testing.T) {
	srv := newTestServer(t)
	app := newTestApp(t, srv)
	ctx := testContext(t)

	alice := openClient(t, app, "alice")
	openClient(t, app, "bob")
	newClient(t, app, "carol")

	t.Run("returns the online subset", func(t *testing.T) {
		got, err := alice.QueryOnline(ctx, []string{"bob", "carol", "dave", "bob"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0] != "bob" {
			t.Fatalf("online = %v, want [bob]", got)
		}
	})

	t.Run("batches large lists", func(t *testing.T) {
		ids := []string{"alice"}
		for i := 0; i < 45; i++ {
			ids = append(ids, fmt.Sprintf("user-%02d", i))
		}
		ids = append(ids, "bob")
		got, err := alice.QueryOnline(ctx, ids)
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(got)
		if strings.Join(got, ",") != "alice,bob" {
			t.Fatalf("online = %v, want [alice bob]", got)
		}
	})

	t.Run("rejects bad arguments synchronously", func(t *testing.T) {
		closed := newClient(t, app, "erin")
		for name, ids := range map[string][]string{
			"empty":    {},
			"blank id": {"bob", ""},
			"long id":  {strings.Repeat("x", 65)},
		} {
			if _, err := closed.QueryOnline(ctx, ids); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("%s: err = %v, want ErrInvalidArgument", name, err)
			}
		}
	})

	t.Run("requires an open session", func(t *testing.T) {
		closed := newClient(t, app, "frank")
		if _, err := closed.QueryOnline(ctx, []string{"bob"}); !errors.Is(err, ErrSessionNotOpen) {
			t.Fatalf("err = %v, want ErrSessionNotOpen", err)
		}
	})
}

func TestChunk(t *testing.T) {
	ids := make([]string, 41)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	got := chunk(ids, 20)
	if len(got) != 3 || len(got[0]) != 20 || len(got[1]) != 20 || len(got[2]) != 1 {
		t.Fatalf("chunk sizes wrong: %d batches", len(got))
	}
	if chunk(nil, 20) != nil {
		t.Fatal("chunk(nil) should be nil")
	}
}
