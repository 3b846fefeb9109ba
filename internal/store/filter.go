package store

import (
	"fmt"
	"strings"
)

type filterOp string

const (
	opAll filterOp = ""
	opEq  filterOp = "eq"
	opIn  filterOp = "in"
	opAnd filterOp = "and"
	opOr  filterOp = "or"
)

// Filter selects rows. The zero Filter matches every row. Filters are
// compiled to SQL by the database backends and evaluated in memory to route
// change events to subscriptions.
type Filter struct {
	op     filterOp
	column string
	value  any
	values []any
	terms  []Filter
}

// Eq matches rows where column equals value.
func Eq(column string, value any) Filter {
	return Filter{op: opEq, column: column, value: value}
}

// In matches rows where column equals any of values. An empty list matches
// nothing.
func In[T any](column string, values ...T) Filter {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Filter{op: opIn, column: column, values: vals}
}

// And matches rows matching every term.
func And(terms ...Filter) Filter {
	return Filter{op: opAnd, terms: terms}
}

// Or matches rows matching at least one term.
func Or(terms ...Filter) Filter {
	return Filter{op: opOr, terms: terms}
}

// IsZero reports whether f matches every row.
func (f Filter) IsZero() bool { return f.op == opAll }

// Match evaluates f against rec.
func (f Filter) Match(rec Record) bool {
	switch f.op {
	case opAll:
		return true
	case opEq:
		return equalValues(rec[f.column], f.value)
	case opIn:
		for _, v := range f.values {
			if equalValues(rec[f.column], v) {
				return true
			}
		}
		return false
	case opAnd:
		for _, t := range f.terms {
			if !t.Match(rec) {
				return false
			}
		}
		return true
	case opOr:
		for _, t := range f.terms {
			if t.Match(rec) {
				return true
			}
		}
		return false
	}
	return false
}

// String renders f in a compact, PostgREST-like form for logs.
func (f Filter) String() string {
	switch f.op {
	case opAll:
		return "*"
	case opEq:
		return fmt.Sprintf("%s=eq.%v", f.column, f.value)
	case opIn:
		parts := make([]string, len(f.values))
		for i, v := range f.values {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s=in.(%s)", f.column, strings.Join(parts, ","))
	}
	parts := make([]string, len(f.terms))
	for i, t := range f.terms {
		parts[i] = t.String()
	}
	return fmt.Sprintf("%s(%s)", f.op, strings.Join(parts, ","))
}

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// where compiles f into a SQL boolean expression over t, appending bind
// arguments to args.
func (f Filter) where(t *table, ph placeholder, args []any) (string, []any, error) {
	switch f.op {
	case opAll:
		return "1=1", args, nil
	case opEq:
		v, err := t.value(f.column, f.value)
		if err != nil {
			return "", nil, err
		}
		if v == nil {
			return f.column + " IS NULL", args, nil
		}
		args = append(args, v)
		return f.column + " = " + ph(len(args)), args, nil
	case opIn:
		if !t.has(f.column) {
			return "", nil, fmt.Errorf("unknown column %s.%s", t.name, f.column)
		}
		if len(f.values) == 0 {
			return "1=0", args, nil
		}
		marks := make([]string, len(f.values))
		for i, raw := range f.values {
			v, err := t.value(f.column, raw)
			if err != nil {
				return "", nil, err
			}
			args = append(args, v)
			marks[i] = ph(len(args))
		}
		return f.column + " IN (" + strings.Join(marks, ", ") + ")", args, nil
	case opAnd, opOr:
		if len(f.terms) == 0 {
			if f.op == opAnd {
				return "1=1", args, nil
			}
			return "1=0", args, nil
		}
		parts := make([]string, len(f.terms))
		for i, term := range f.terms {
			var (
				expr string
				err  error
			)
			expr, args, err = term.where(t, ph, args)
			if err != nil {
				return "", nil, err
			}
			parts[i] = "(" + expr + ")"
		}
		joiner := " AND "
		if f.op == opOr {
			joiner = " OR "
		}
		return strings.Join(parts, joiner), args, nil
	}
	return "", nil, fmt.Errorf("unknown filter op %q", f.op)
}

// Map encodes f as a plain map for wire transport.
func (f Filter) Map() map[string]any {
	m := map[string]any{"op": string(f.op)}
	switch f.op {
	case opEq:
		m["column"] = f.column
		m["value"] = f.value
	case opIn:
		m["column"] = f.column
		vals := make([]any, len(f.values))
		copy(vals, f.values)
		m["values"] = vals
	case opAnd, opOr:
		terms := make([]any, len(f.terms))
		for i, t := range f.terms {
			terms[i] = t.Map()
		}
		m["terms"] = terms
	}
	return m
}

// FilterFromMap decodes a filter produced by Map.
func FilterFromMap(m map[string]any) (Filter, error) {
	if m == nil {
		return Filter{}, nil
	}
	op, _ := m["op"].(string)
	column, _ := m["column"].(string)
	switch filterOp(op) {
	case opAll:
		return Filter{}, nil
	case opEq:
		return Filter{op: opEq, column: column, value: canonical(m["value"])}, nil
	case opIn:
		raw, _ := m["values"].([]any)
		vals := make([]any, len(raw))
		for i, v := range raw {
			vals[i] = canonical(v)
		}
		return Filter{op: opIn, column: column, values: vals}, nil
	case opAnd, opOr:
		raw, _ := m["terms"].([]any)
		terms := make([]Filter, 0, len(raw))
		for _, r := range raw {
			tm, ok := r.(map[string]any)
			if !ok {
				return Filter{}, fmt.Errorf("filter term: unexpected %T", r)
			}
			t, err := FilterFromMap(tm)
			if err != nil {
				return Filter{}, err
			}
			terms = append(terms, t)
		}
		return Filter{op: filterOp(op), terms: terms}, nil
	}
	return Filter{}, fmt.Errorf("unknown filter op %q", op)
}
