package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/convsync/internal/bus"
	"go.uber.org/zap"
)

// Postgres is a Store backed by a PostgreSQL connection pool, the same shape
// of database the hosted platform runs on.
type Postgres struct {
	pool   *pgxpool.Pool
	feed   *feed
	logger *zap.Logger
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string, b *bus.Bus, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	f := newFeed(b, logger)
	return &Postgres{pool: pool, feed: f, logger: f.logger}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Query returns the rows of table matching filter in the given order.
func (p *Postgres) Query(ctx context.Context, name string, filter Filter, order Order) ([]Record, error) {
	t, err := lookupTable(name)
	if err != nil {
		return nil, err
	}
	q, args, err := buildSelect(t, filter, order, dollar, postgresInsertOrder)
	if err != nil {
		return nil, &Error{Op: "query", Table: name, Err: err}
	}
	recs, err := p.collect(ctx, t, q, args)
	if err != nil {
		return nil, wrapPostgres("query", name, err)
	}
	return recs, nil
}

// Insert writes rec and returns the stored row.
func (p *Postgres) Insert(ctx context.Context, name string, rec Record) (Record, error) {
	t, err := lookupTable(name)
	if err != nil {
		return nil, err
	}
	rec, err = prepareInsert(t, rec)
	if err != nil {
		return nil, &Error{Op: "insert", Table: name, Err: err}
	}
	q, args := buildInsert(t, rec, dollar)
	recs, err := p.collect(ctx, t, q, args)
	if err != nil {
		return nil, wrapPostgres("insert", name, err)
	}
	if len(recs) != 1 {
		return nil, &Error{Op: "insert", Table: name, Err: fmt.Errorf("returned %d rows", len(recs))}
	}
	p.feed.publish(name, OpInsert, recs[0])
	return recs[0], nil
}

// Update applies patch to every row matching filter.
func (p *Postgres) Update(ctx context.Context, name string, filter Filter, patch Patch) (int64, error) {
	t, err := lookupTable(name)
	if err != nil {
		return 0, err
	}
	q, args, err := buildUpdate(t, filter, patch, dollar)
	if err != nil {
		return 0, &Error{Op: "update", Table: name, Err: err}
	}
	recs, err := p.collect(ctx, t, q, args)
	if err != nil {
		return 0, wrapPostgres("update", name, err)
	}
	p.feed.publish(name, OpUpdate, recs...)
	return int64(len(recs)), nil
}

// Delete removes every row matching filter.
func (p *Postgres) Delete(ctx context.Context, name string, filter Filter) (int64, error) {
	t, err := lookupTable(name)
	if err != nil {
		return 0, err
	}
	q, args, err := buildDelete(t, filter, dollar)
	if err != nil {
		return 0, &Error{Op: "delete", Table: name, Err: err}
	}
	recs, err := p.collect(ctx, t, q, args)
	if err != nil {
		return 0, wrapPostgres("delete", name, err)
	}
	p.feed.publish(name, OpDelete, recs...)
	return int64(len(recs)), nil
}

// Subscribe opens a push channel for changes matching sub. Only writes made
// through this pool are observed.
func (p *Postgres) Subscribe(ctx context.Context, sub Subscription) (Channel, error) {
	return p.feed.subscribe(ctx, sub)
}

func (p *Postgres) collect(ctx context.Context, t *table, q string, args []any) ([]Record, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		vals, err := row.Values()
		if err != nil {
			return nil, err
		}
		return t.record(vals)
	})
}

func wrapPostgres(op, table string, err error) error {
	se := &Error{Op: op, Table: table, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		se.Code = pgErr.Code
	}
	return se
}
