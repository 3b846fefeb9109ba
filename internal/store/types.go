package store

import (
	"context"
	"time"
)

// Table names served by the store.
const (
	TableProfiles       = "profiles"
	TableGroups         = "groups"
	TableGroupMembers   = "group_members"
	TableMessages       = "messages"
	TableDirectMessages = "direct_messages"
)

// Op identifies the kind of row change delivered to subscribers.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Record is one row, keyed by column name. Values are string, int64, bool
// or nil; timestamps are unix milliseconds.
type Record map[string]any

// String returns the text value of col, or "" when absent or not text.
func (r Record) String(col string) string {
	s, _ := r[col].(string)
	return s
}

// Int64 returns the integer value of col.
func (r Record) Int64(col string) int64 {
	n, _ := canonical(r[col]).(int64)
	return n
}

// Bool returns the boolean value of col.
func (r Record) Bool(col string) bool {
	switch v := canonical(r[col]).(type) {
	case bool:
		return v
	case int64:
		return v != 0
	}
	return false
}

// Time interprets col as unix milliseconds.
func (r Record) Time(col string) time.Time {
	ms := r.Int64(col)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Canonical returns a copy of r with numbers folded onto int64, as records
// decoded from JSON-like wire formats carry float64.
func (r Record) Canonical() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = canonical(v)
	}
	return out
}

// Patch holds the columns an Update sets.
type Patch map[string]any

// Order sorts query results by a single column.
type Order struct {
	Column string
	Desc   bool
}

// Ascending orders by col, oldest/smallest first.
func Ascending(col string) Order { return Order{Column: col} }

// Descending orders by col, newest/largest first.
func Descending(col string) Order { return Order{Column: col, Desc: true} }

// Change is a row change pushed to subscribers.
type Change struct {
	Table  string
	Op     Op
	Record Record
}

// Handler receives changes for a subscription. Handlers for one channel are
// invoked sequentially.
type Handler func(Change)

// Subscription describes a push channel: a name for diagnostics, the table
// and filter to watch, the ops of interest (all when empty) and the handler.
type Subscription struct {
	Name    string
	Table   string
	Filter  Filter
	Ops     []Op
	Handler Handler
}

func (s Subscription) wants(op Op) bool {
	if len(s.Ops) == 0 {
		return true
	}
	for _, o := range s.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Channel is an open subscription. Close stops delivery immediately and does
// not wait for a handler that is already running.
//
// Done is closed once the channel stops delivering for any reason. Err is
// nil when the owner stopped it and the cause otherwise.
type Channel interface {
	Name() string
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Store is the table store the conversation engine is built on.
type Store interface {
	Query(ctx context.Context, table string, filter Filter, order Order) ([]Record, error)
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Update(ctx context.Context, table string, filter Filter, patch Patch) (int64, error)
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	Subscribe(ctx context.Context, sub Subscription) (Channel, error)
}
