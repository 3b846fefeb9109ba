package store

import (
	"errors"
	"fmt"
)

// CodeUniqueViolation is the SQLSTATE reported for a duplicate key. Both
// backends report it, so callers can treat re-joins and replays as no-ops.
const CodeUniqueViolation = "23505"

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("record not found")

	// ErrChannelOverflow ends a channel that fell behind and missed a
	// matching change. Its owner must reload to catch up.
	ErrChannelOverflow = errors.New("channel fell behind and missed changes")

	// ErrChannelEnded ends a channel whose feed went away, such as a
	// remote stream closed by the server.
	ErrChannelEnded = errors.New("change feed ended")
)

// Error is a store failure carrying the operation, table and, when the
// backend reported one, a SQLSTATE-style code.
type Error struct {
	Op    string
	Table string
	Code  string
	Err   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: [%s] %v", e.Op, e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConflict reports whether err is a duplicate-key conflict.
func IsConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == CodeUniqueViolation
}

// First returns the first record of a Query result, or ErrNotFound.
func First(recs []Record, err error) (Record, error) {
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}
