package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

func quote(ident string) string { return `"` + ident + `"` }

func (t *table) columnList() string {
	cols := make([]string, len(t.columns))
	for i, c := range t.columns {
		cols[i] = quote(c)
	}
	return strings.Join(cols, ", ")
}

// Insertion-order columns used to break ties on the order column. SQLite
// has the implicit rowid; Postgres gets an identity column from migrations.
const (
	sqliteInsertOrder   = "rowid"
	postgresInsertOrder = `"seq"`
)

// buildSelect renders a query. Rows equal on the order column come back in
// insertion order, read from the insertOrder column.
func buildSelect(t *table, f Filter, o Order, ph placeholder, insertOrder string) (string, []any, error) {
	where, args, err := f.where(t, ph, nil)
	if err != nil {
		return "", nil, err
	}
	q := "SELECT " + t.columnList() + " FROM " + quote(t.name) + " WHERE " + where
	if o.Column != "" {
		if !t.has(o.Column) {
			return "", nil, fmt.Errorf("unknown order column %s.%s", t.name, o.Column)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		q += " ORDER BY " + quote(o.Column) + " " + dir + ", " + insertOrder + " " + dir
	}
	return q, args, nil
}

// prepareInsert validates rec against t and fills the server-assigned id and
// timestamp when the caller left them out.
func prepareInsert(t *table, rec Record) (Record, error) {
	out := make(Record, len(rec)+2)
	for col, raw := range rec {
		v, err := t.value(col, raw)
		if err != nil {
			return nil, err
		}
		out[col] = v
	}
	if s, _ := out["id"].(string); s == "" {
		out["id"] = uuid.NewString()
	}
	if t.stamp != "" {
		if n, _ := out[t.stamp].(int64); n == 0 {
			out[t.stamp] = time.Now().UnixMilli()
		}
	}
	return out, nil
}

func buildInsert(t *table, rec Record, ph placeholder) (string, []any) {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		names[i] = quote(col)
		args[i] = rec[col]
		marks[i] = ph(i + 1)
	}
	q := "INSERT INTO " + quote(t.name) + " (" + strings.Join(names, ", ") + ") VALUES (" +
		strings.Join(marks, ", ") + ") RETURNING " + t.columnList()
	return q, args
}

func buildUpdate(t *table, f Filter, patch Patch, ph placeholder) (string, []any, error) {
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("update %s: empty patch", t.name)
	}
	cols := make([]string, 0, len(patch))
	for col := range patch {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var args []any
	sets := make([]string, len(cols))
	for i, col := range cols {
		if col == "id" {
			return "", nil, fmt.Errorf("update %s: id is immutable", t.name)
		}
		v, err := t.value(col, patch[col])
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		sets[i] = quote(col) + " = " + ph(len(args))
	}
	where, args, err := f.where(t, ph, args)
	if err != nil {
		return "", nil, err
	}
	q := "UPDATE " + quote(t.name) + " SET " + strings.Join(sets, ", ") +
		" WHERE " + where + " RETURNING " + t.columnList()
	return q, args, nil
}

func buildDelete(t *table, f Filter, ph placeholder) (string, []any, error) {
	where, args, err := f.where(t, ph, nil)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + quote(t.name) + " WHERE " + where + " RETURNING " + t.columnList(), args, nil
}
