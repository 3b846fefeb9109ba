package store

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestFilterMatch(t *testing.T) {
	rec := Record{"sender_id": "a", "recipient_id": "b", "read": false, "created_at": int64(10)}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero matches all", Filter{}, true},
		{"eq hit", Eq("sender_id", "a"), true},
		{"eq miss", Eq("sender_id", "b"), false},
		{"eq int widening", Eq("created_at", 10), true},
		{"eq float from wire", Eq("created_at", float64(10)), true},
		{"eq bool", Eq("read", false), true},
		{"in hit", In("sender_id", "x", "a"), true},
		{"in empty", In[string]("sender_id"), false},
		{"and", And(Eq("sender_id", "a"), Eq("recipient_id", "b")), true},
		{"and miss", And(Eq("sender_id", "a"), Eq("recipient_id", "a")), false},
		{"or reverse direction", Or(
			And(Eq("sender_id", "b"), Eq("recipient_id", "a")),
			And(Eq("sender_id", "a"), Eq("recipient_id", "b")),
		), true},
		{"or empty", Or(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(rec); got != tt.want {
				t.Errorf("%s.Match = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestFilterWhere(t *testing.T) {
	tbl := tables[TableDirectMessages]
	f := Or(
		And(Eq("sender_id", "a"), Eq("recipient_id", "b")),
		And(Eq("sender_id", "b"), Eq("recipient_id", "a")),
	)

	q, args, err := f.where(tbl, dollar, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "((sender_id = $1) AND (recipient_id = $2)) OR ((sender_id = $3) AND (recipient_id = $4))"
	if q != want {
		t.Errorf("where = %q\nwant    %q", q, want)
	}
	if len(args) != 4 || args[0] != "a" || args[3] != "a" {
		t.Errorf("args = %v", args)
	}
}

func TestFilterMapRoundTrip(t *testing.T) {
	f := And(Eq("group_id", "g1"), In("id", "m1", "m2"))
	back, err := FilterFromMap(f.Map())
	if err != nil {
		t.Fatal(err)
	}
	if back.String() != f.String() {
		t.Errorf("round trip = %s, want %s", back, f)
	}
	if _, err := FilterFromMap(map[string]any{"op": "like"}); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestSubscribeDeliversMatchingInserts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "u1")

	g1, _ := db.Insert(ctx, TableGroups, Record{"name": "one", "created_by": "u1"})
	g2, _ := db.Insert(ctx, TableGroups, Record{"name": "two", "created_by": "u1"})

	got := make(chan Change, 10)
	ch, err := db.Subscribe(ctx, Subscription{
		Name:    "room:" + g1.String("id"),
		Table:   TableMessages,
		Filter:  Eq("group_id", g1.String("id")),
		Ops:     []Op{OpInsert},
		Handler: func(c Change) { got <- c },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := db.Insert(ctx, TableMessages, Record{"group_id": g2.String("id"), "sender_id": "u1", "content": "other room"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Insert(ctx, TableMessages, Record{"group_id": g1.String("id"), "sender_id": "u1", "content": "hello"}); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Record.String("content") != "hello" {
			t.Errorf("content = %q, want hello", c.Record.String("content"))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	select {
	case c := <-got:
		t.Errorf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelCloseStopsDelivery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "u1")

	got := make(chan Change, 10)
	ch, err := db.Subscribe(ctx, Subscription{
		Name:    "profiles",
		Table:   TableProfiles,
		Handler: func(c Change) { got <- c },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	// Give the dispatch goroutine time to observe cancellation.
	time.Sleep(20 * time.Millisecond)

	seedProfiles(t, db, "u2")
	select {
	case c := <-got:
		t.Errorf("change delivered after Close: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSelectBreaksTiesByInsertion(t *testing.T) {
	tbl := tables[TableMessages]
	tests := []struct {
		name  string
		ph    placeholder
		order string
		o     Order
		want  string
	}{
		{"sqlite asc", questionMark, sqliteInsertOrder, Ascending("created_at"),
			` ORDER BY "created_at" ASC, rowid ASC`},
		{"postgres desc", dollar, postgresInsertOrder, Descending("created_at"),
			` ORDER BY "created_at" DESC, "seq" DESC`},
		{"unordered", dollar, postgresInsertOrder, Order{}, ` WHERE 1=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _, err := buildSelect(tbl, Filter{}, tt.o, tt.ph, tt.order)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(q, tt.want) {
				t.Errorf("query = %q, want suffix %q", q, tt.want)
			}
		})
	}
}

func TestQueryTiesKeepInsertionOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedProfiles(t, db, "a", "b")

	// Ids sort the opposite way to insertion.
	for _, id := range []string{"z", "m", "c"} {
		rec := Record{"id": id, "sender_id": "a", "recipient_id": "b", "content": id, "created_at": int64(1000)}
		if _, err := db.Insert(ctx, TableDirectMessages, rec); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := db.Query(ctx, TableDirectMessages, Filter{}, Ascending("created_at"))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.String("id"))
	}
	if strings.Join(got, ",") != "z,m,c" {
		t.Errorf("order = %v, want [z m c]", got)
	}
}
