package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLite is a Store backed by a local SQLite database. Committed writes are
// published on the bus and fanned out to subscriptions.
type SQLite struct {
	db     *sql.DB
	feed   *feed
	logger *zap.Logger
}

// OpenSQLite opens the database at path with WAL mode and recommended pragmas.
func OpenSQLite(path string, b *bus.Bus, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	f := newFeed(b, logger)
	return &SQLite{db: db, feed: f, logger: f.logger}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Query returns the rows of table matching filter in the given order.
func (s *SQLite) Query(ctx context.Context, name string, filter Filter, order Order) ([]Record, error) {
	t, err := lookupTable(name)
	if err != nil {
		return nil, err
	}
	q, args, err := buildSelect(t, filter, order, questionMark, sqliteInsertOrder)
	if err != nil {
		return nil, &Error{Op: "query", Table: name, Err: err}
	}
	recs, err := s.collect(ctx, t, q, args)
	if err != nil {
		return nil, wrapSQLite("query", name, err)
	}
	return recs, nil
}

// Insert writes rec and returns the stored row, including the assigned id
// and timestamp.
func (s *SQLite) Insert(ctx context.Context, name string, rec Record) (Record, error) {
	t, err := lookupTable(name)
	if err != nil {
		return nil, err
	}
	rec, err = prepareInsert(t, rec)
	if err != nil {
		return nil, &Error{Op: "insert", Table: name, Err: err}
	}
	q, args := buildInsert(t, rec, questionMark)
	recs, err := s.collect(ctx, t, q, args)
	if err != nil {
		return nil, wrapSQLite("insert", name, err)
	}
	if len(recs) != 1 {
		return nil, &Error{Op: "insert", Table: name, Err: fmt.Errorf("returned %d rows", len(recs))}
	}
	s.feed.publish(name, OpInsert, recs[0])
	return recs[0], nil
}

// Update applies patch to every row matching filter and reports how many
// rows changed.
func (s *SQLite) Update(ctx context.Context, name string, filter Filter, patch Patch) (int64, error) {
	t, err := lookupTable(name)
	if err != nil {
		return 0, err
	}
	q, args, err := buildUpdate(t, filter, patch, questionMark)
	if err != nil {
		return 0, &Error{Op: "update", Table: name, Err: err}
	}
	recs, err := s.collect(ctx, t, q, args)
	if err != nil {
		return 0, wrapSQLite("update", name, err)
	}
	s.feed.publish(name, OpUpdate, recs...)
	return int64(len(recs)), nil
}

// Delete removes every row matching filter.
func (s *SQLite) Delete(ctx context.Context, name string, filter Filter) (int64, error) {
	t, err := lookupTable(name)
	if err != nil {
		return 0, err
	}
	q, args, err := buildDelete(t, filter, questionMark)
	if err != nil {
		return 0, &Error{Op: "delete", Table: name, Err: err}
	}
	recs, err := s.collect(ctx, t, q, args)
	if err != nil {
		return 0, wrapSQLite("delete", name, err)
	}
	s.feed.publish(name, OpDelete, recs...)
	return int64(len(recs)), nil
}

// Subscribe opens a push channel for changes matching sub.
func (s *SQLite) Subscribe(ctx context.Context, sub Subscription) (Channel, error) {
	return s.feed.subscribe(ctx, sub)
}

func (s *SQLite) collect(ctx context.Context, t *table, q string, args []any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		vals := make([]any, len(t.columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec, err := t.record(vals)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func wrapSQLite(op, table string, err error) error {
	se := &Error{Op: op, Table: table, Err: err}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			se.Code = CodeUniqueViolation
		}
	}
	return se
}
