package store

import (
	"fmt"
	"math"
)

type kind int

const (
	kindText kind = iota
	kindInt
	kindBool
)

// table describes the columns of one table. Only columns listed here can
// appear in statements, which keeps caller-supplied names out of SQL.
type table struct {
	name    string
	columns []string
	kinds   map[string]kind
	stamp   string // column filled with the insert time when absent
}

func newTable(name, stamp string, cols ...any) *table {
	t := &table{name: name, stamp: stamp, kinds: make(map[string]kind)}
	for i := 0; i < len(cols); i += 2 {
		col := cols[i].(string)
		t.columns = append(t.columns, col)
		t.kinds[col] = cols[i+1].(kind)
	}
	return t
}

var tables = map[string]*table{
	TableProfiles: newTable(TableProfiles, "created_at",
		"id", kindText, "username", kindText, "avatar_url", kindText,
		"role", kindText, "created_at", kindInt),
	TableGroups: newTable(TableGroups, "created_at",
		"id", kindText, "name", kindText, "description", kindText,
		"created_by", kindText, "is_public", kindBool, "created_at", kindInt),
	TableGroupMembers: newTable(TableGroupMembers, "joined_at",
		"id", kindText, "group_id", kindText, "user_id", kindText, "joined_at", kindInt),
	TableMessages: newTable(TableMessages, "created_at",
		"id", kindText, "group_id", kindText, "sender_id", kindText,
		"content", kindText, "client_key", kindText, "created_at", kindInt),
	TableDirectMessages: newTable(TableDirectMessages, "created_at",
		"id", kindText, "sender_id", kindText, "recipient_id", kindText,
		"content", kindText, "read", kindBool, "client_key", kindText, "created_at", kindInt),
}

func lookupTable(name string) (*table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

func (t *table) has(col string) bool {
	_, ok := t.kinds[col]
	return ok
}

// value converts v to the column's canonical Go type.
func (t *table) value(col string, v any) (any, error) {
	k, ok := t.kinds[col]
	if !ok {
		return nil, fmt.Errorf("unknown column %s.%s", t.name, col)
	}
	v = canonical(v)
	if v == nil {
		return nil, nil
	}
	switch k {
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case kindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
	}
	return nil, fmt.Errorf("column %s.%s: unexpected value type %T", t.name, col, v)
}

// record builds a Record from a scanned row in column order.
func (t *table) record(vals []any) (Record, error) {
	rec := make(Record, len(t.columns))
	for i, col := range t.columns {
		v, err := t.value(col, vals[i])
		if err != nil {
			return nil, err
		}
		rec[col] = v
	}
	return rec, nil
}

// canonical folds the numeric and byte types produced by drivers and wire
// codecs onto int64 and string.
func canonical(v any) any {
	switch n := v.(type) {
	case []byte:
		return string(n)
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return canonical(float64(n))
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	}
	return v
}

// equalValues compares two values after canonicalisation.
func equalValues(a, b any) bool {
	a, b = canonical(a), canonical(b)
	if ab, ok := a.(bool); ok {
		if bi, ok := b.(int64); ok {
			return ab == (bi != 0)
		}
	}
	if ai, ok := a.(int64); ok {
		if bb, ok := b.(bool); ok {
			return bb == (ai != 0)
		}
	}
	return a == b
}
