package profilecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/metrics"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

// countingSource serves fixed profiles and counts lookups per id.
type countingSource struct {
	profiles map[string]conversation.Profile
	calls    map[string]int
}

func (s *countingSource) Profiles(_ context.Context, ids []string) (map[string]conversation.Profile, error) {
	out := make(map[string]conversation.Profile)
	for _, id := range ids {
		s.calls[id]++
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func newSource() *countingSource {
	return &countingSource{
		profiles: map[string]conversation.Profile{
			"alice": {ID: "alice", Username: "Alice"},
			"bob":   {ID: "bob", Username: "Bob", AvatarURL: "https://example.com/bob.png"},
		},
		calls: make(map[string]int),
	}
}

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("CONVSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CONVSYNC_TEST_REDIS_URL not set")
	}
	client, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Del(context.Background(), profileKey("alice"), profileKey("bob"), profileKey("ghost")).Err()
		_ = client.Close()
	})
	return client
}

func TestProfileKey(t *testing.T) {
	if got := profileKey("u1"); got != "convsync:profile:u1" {
		t.Errorf("profileKey = %q", got)
	}
}

func TestCacheReadThrough(t *testing.T) {
	client := testClient(t)
	src := newSource()
	m := metrics.New(prometheus.NewRegistry())
	c := New(client, src, time.Minute, m, nil)
	ctx := context.Background()

	for range 2 {
		got, err := c.Profiles(ctx, []string{"alice", "bob", "ghost"})
		if err != nil {
			t.Fatal(err)
		}
		if got["bob"].AvatarURL == "" || got["alice"].Username != "Alice" {
			t.Errorf("profiles = %+v", got)
		}
		if _, ok := got["ghost"]; ok {
			t.Error("unknown id should be absent")
		}
	}

	if src.calls["alice"] != 1 || src.calls["bob"] != 1 {
		t.Errorf("source calls = %v, want one per known id", src.calls)
	}
	// Unknown ids are not cached, so they reach the source every time.
	if src.calls["ghost"] != 2 {
		t.Errorf("ghost calls = %d, want 2", src.calls["ghost"])
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}

	if err := c.Invalidate(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Profiles(ctx, []string{"alice"}); err != nil {
		t.Fatal(err)
	}
	if src.calls["alice"] != 2 {
		t.Errorf("alice calls after invalidate = %d, want 2", src.calls["alice"])
	}
}

func TestCacheDegradesWhenRedisDown(t *testing.T) {
	// Nothing listens on this port; MGet fails and the source answers.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = client.Close() }()

	src := newSource()
	m := metrics.New(prometheus.NewRegistry())
	c := New(client, src, 0, m, nil)

	got, err := c.Profiles(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got["alice"].Username != "Alice" {
		t.Errorf("profiles = %+v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

// subscribeStore records the subscription it was given.
type subscribeStore struct {
	store.Store
	sub store.Subscription
}

func (s *subscribeStore) Subscribe(_ context.Context, sub store.Subscription) (store.Channel, error) {
	s.sub = sub
	return nil, nil
}

func TestFollowWatchesProfileEdits(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = client.Close() }()
	c := New(client, newSource(), 0, nil, nil)

	st := &subscribeStore{}
	if _, err := c.Follow(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.sub.Table != store.TableProfiles {
		t.Errorf("table = %q", st.sub.Table)
	}
	if len(st.sub.Ops) != 2 || st.sub.Ops[0] != store.OpUpdate || st.sub.Ops[1] != store.OpDelete {
		t.Errorf("ops = %v, want update and delete", st.sub.Ops)
	}
	// Redis is down: the failed invalidate is logged, not raised.
	st.sub.Handler(store.Change{Table: store.TableProfiles, Op: store.OpUpdate, Record: store.Record{"id": "alice"}})
	st.sub.Handler(store.Change{Table: store.TableProfiles, Op: store.OpDelete, Record: store.Record{}})
}

func TestFollowInvalidatesOnUpdate(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "convsync.db"), bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Insert(ctx, store.TableProfiles, store.Record{"id": "alice", "username": "Alice"}); err != nil {
		t.Fatal(err)
	}

	c := New(client, conversation.NewStoreProfiles(db), time.Minute, nil, nil)
	ch, err := c.Follow(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ch.Close() }()

	if got, _ := c.Profiles(ctx, []string{"alice"}); got["alice"].Username != "Alice" {
		t.Fatalf("profiles = %+v", got)
	}
	if _, err := db.Update(ctx, store.TableProfiles, store.Eq("id", "alice"), store.Patch{"username": "Alicia"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := c.Profiles(ctx, []string{"alice"})
		if err != nil {
			t.Fatal(err)
		}
		if got["alice"].Username == "Alicia" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached username still %q after update", got["alice"].Username)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
