// Package source reads report rows from the data source.
//
// It provides the two primitives the export pipeline needs: counting the rows
// a report would contain without fetching them, and opening a forward-only
// cursor over those rows. A cursor borrows one pooled connection for its
// lifetime and gives it back on every exit path: fully consumed, closed
// early, or failed.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/certexport/internal/report"
)

// ErrUnavailable marks failures to reach or query the data source.
// Callers may retry; nothing in this package does.
var ErrUnavailable = errors.New("source unavailable")

// Counter counts the rows a query would return.
type Counter interface {
	Count(ctx context.Context, q report.Query) (int64, error)
}

// Streamer opens a lazy cursor over the rows of a query.
type Streamer interface {
	Open(ctx context.Context, q report.Query) (Cursor, error)
}

// Source is everything the export pipeline asks of the data layer.
type Source interface {
	Counter
	Streamer
}

// Cursor is a forward-only, single-use iterator over report records.
//
// The usual loop is:
//
//	defer cur.Close()
//	for cur.Next() {
//	    rec := cur.Record()
//	}
//	if err := cur.Err(); err != nil { ... }
//
// Close is idempotent and must be called on every path; the cursor also
// releases its resources by itself once Next has returned false.
type Cursor interface {
	Next() bool
	Record() report.Record
	Err() error
	Close() error
}

// Fetch drains a cursor opened on s into memory. It is the full-fetch path
// used when a report is small enough to be buffered.
func Fetch(ctx context.Context, s Streamer, q report.Query) ([]report.Record, error) {
	cur, err := s.Open(ctx, q)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var records []report.Record
	for cur.Next() {
		records = append(records, cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// unavailable wraps a data-source failure. Context errors are returned as-is
// so cancellation is not reported as an outage.
func unavailable(op, report string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, report, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, report, ErrUnavailable, err)
}
