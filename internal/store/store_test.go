package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

func testDB(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(path, bus.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProfiles(t *testing.T, db Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := db.Insert(context.Background(), TableProfiles, Record{"id": id, "username": id}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	rec, err := db.Insert(ctx, TableProfiles, Record{"username": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.String("id") == "" {
		t.Error("id was not assigned")
	}
	if got := rec.Int64("created_at"); got < before {
		t.Errorf("created_at = %d, want >= %d", got, before)
	}
	if rec.String("role") != "user" {
		t.Errorf("role = %q, want column default user", rec.String("role"))
	}
}

func TestQueryFilterAndOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "a", "b", "c")

	dms := []Record{
		{"id": "m1", "sender_id": "a", "recipient_id": "b", "content": "a->b", "created_at": int64(3000)},
		{"id": "m2", "sender_id": "b", "recipient_id": "a", "content": "b->a", "created_at": int64(1000)},
		{"id": "m3", "sender_id": "a", "recipient_id": "c", "content": "a->c", "created_at": int64(2000)},
	}
	for _, r := range dms {
		if _, err := db.Insert(ctx, TableDirectMessages, r); err != nil {
			t.Fatal(err)
		}
	}

	pair := Or(
		And(Eq("sender_id", "a"), Eq("recipient_id", "b")),
		And(Eq("sender_id", "b"), Eq("recipient_id", "a")),
	)
	recs, err := db.Query(ctx, TableDirectMessages, pair, Ascending("created_at"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].String("id") != "m2" || recs[1].String("id") != "m1" {
		t.Errorf("order = [%s %s], want [m2 m1]", recs[0].String("id"), recs[1].String("id"))
	}
	if recs[0].Bool("read") {
		t.Error("read should default to false")
	}
}

func TestUpdateBatchAndPublish(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "a", "b")

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := db.Insert(ctx, TableDirectMessages, Record{"id": id, "sender_id": "a", "recipient_id": "b", "content": id}); err != nil {
			t.Fatal(err)
		}
	}

	ch, unsub := db.feed.bus.Subscribe(bus.ChangePrefix(TableDirectMessages), 10)
	defer unsub()

	n, err := db.Update(ctx, TableDirectMessages, In("id", "m1", "m3"), Patch{"read": true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("updated %d rows, want 2", n)
	}

	for range 2 {
		select {
		case evt := <-ch:
			c := evt.Payload.(Change)
			if c.Op != OpUpdate || !c.Record.Bool("read") {
				t.Errorf("change = %+v, want update with read=true", c)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for update change")
		}
	}

	unread, err := db.Query(ctx, TableDirectMessages, Eq("read", false), Order{})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].String("id") != "m2" {
		t.Errorf("unread = %v, want only m2", unread)
	}
}

func TestInsertConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "u1")

	g, err := db.Insert(ctx, TableGroups, Record{"name": "gophers", "created_by": "u1", "is_public": true})
	if err != nil {
		t.Fatal(err)
	}
	member := Record{"group_id": g.String("id"), "user_id": "u1"}
	if _, err := db.Insert(ctx, TableGroupMembers, member); err != nil {
		t.Fatal(err)
	}
	_, err = db.Insert(ctx, TableGroupMembers, member)
	if err == nil {
		t.Fatal("second join should fail")
	}
	if !IsConflict(err) {
		t.Errorf("IsConflict(%v) = false, want true", err)
	}
}

func TestDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "u1")

	g, err := db.Insert(ctx, TableGroups, Record{"name": "g", "created_by": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Insert(ctx, TableGroupMembers, Record{"group_id": g.String("id"), "user_id": "u1"}); err != nil {
		t.Fatal(err)
	}
	n, err := db.Delete(ctx, TableGroupMembers, And(Eq("group_id", g.String("id")), Eq("user_id", "u1")))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}

func TestUnknownColumnRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.Query(ctx, TableMessages, Eq("group_id; DROP TABLE messages", "x"), Order{})
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
	if _, err := db.Query(ctx, "nope", Filter{}, Order{}); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if _, err := db.Update(ctx, TableMessages, Filter{}, Patch{"id": "x"}); err == nil {
		t.Fatal("expected error when patching id")
	}
}

func TestFirst(t *testing.T) {
	if _, err := First(nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("First(empty) error = %v, want ErrNotFound", err)
	}
	rec, err := First([]Record{{"id": "x"}}, nil)
	if err != nil || rec.String("id") != "x" {
		t.Errorf("First = %v, %v", rec, err)
	}
}

func TestChannelCloseEndsWithoutError(t *testing.T) {
	db := testDB(t)
	ch, err := db.Subscribe(context.Background(), Subscription{
		Name: "dm:a-b", Table: TableDirectMessages, Handler: func(Change) {},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	if err := ch.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after Close", err)
	}
}

func TestChannelOverflowOnMatchingChange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "a", "b")
	db.feed.bufSize = 1

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	ch, err := db.Subscribe(ctx, Subscription{
		Name:   "dm:b-a",
		Table:  TableDirectMessages,
		Filter: Eq("recipient_id", "b"),
		Handler: func(Change) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-gate
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	send := func(to string) {
		t.Helper()
		if _, err := db.Insert(ctx, TableDirectMessages, Record{"sender_id": "a", "recipient_id": to, "content": "x"}); err != nil {
			t.Fatal(err)
		}
	}

	send("b")
	<-entered // the handler now holds the only reader

	// Fills the buffer, then misses one the channel does not care about.
	send("a")
	send("a")
	if err := ch.Err(); err != nil {
		t.Fatalf("Err() = %v after missing an unmatched change", err)
	}

	send("b")
	if err := ch.Err(); !errors.Is(err, ErrChannelOverflow) {
		t.Fatalf("Err() = %v, want ErrChannelOverflow", err)
	}

	close(gate)
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after overflow")
	}
	_ = ch.Close()
	if err := ch.Err(); !errors.Is(err, ErrChannelOverflow) {
		t.Errorf("Close cleared the overflow error: %v", err)
	}
}
