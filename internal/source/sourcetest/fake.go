// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// Generator builds the i-th record of a generated table.
type Generator func(i int) report.Record

type table struct {
	rows      int
	gen       Generator
	failAfter int // -1: never
	failErr   error
}

// Fake is an in-memory Source that tracks cursor lifecycles so tests can
// assert that every opened cursor was released.
type Fake struct {
	mu       sync.Mutex
	tables   map[string]*table
	countErr error
	openErr  error

	counts int
	opened int
	closed int
}

// NewFake returns an empty fake source.
func NewFake() *Fake {
	return &Fake{tables: make(map[string]*table)}
}

// Set registers fixed rows for a report.
func (f *Fake) Set(key string, rows []report.Record) *Fake {
	return f.Generate(key, len(rows), func(i int) report.Record { return rows[i] })
}

// Generate registers n rows produced on demand by gen.
func (f *Fake) Generate(key string, n int, gen Generator) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[key] = &table{rows: n, gen: gen, failAfter: -1}
	return f
}

// FailAfter makes cursors on key fail with err after n rows.
func (f *Fake) FailAfter(key string, n int, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[key]; ok {
		t.failAfter = n
		t.failErr = err
	}
	return f
}

// FailCount makes every Count call fail with err.
func (f *Fake) FailCount(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countErr = err
	return f
}

// FailOpen makes every Open call fail with err.
func (f *Fake) FailOpen(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
	return f
}

// Count implements source.Counter.
func (f *Fake) Count(ctx context.Context, q report.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counts++
	if f.countErr != nil {
		return 0, fmt.Errorf("count %s: %w: %w", q.Report, source.ErrUnavailable, f.countErr)
	}
	t, ok := f.tables[q.Report]
	if !ok {
		return 0, fmt.Errorf("%w: %q", report.ErrUnknownReport, q.Report)
	}
	return int64(t.rows), nil
}

// Open implements source.Streamer.
func (f *Fake) Open(ctx context.Context, q report.Query) (source.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, fmt.Errorf("query %s: %w: %w", q.Report, source.ErrUnavailable, f.openErr)
	}
	t, ok := f.tables[q.Report]
	if !ok {
		return nil, fmt.Errorf("%w: %q", report.ErrUnknownReport, q.Report)
	}
	f.opened++
	return &Cursor{ctx: ctx, fake: f, table: *t, report: q.Report}, nil
}

// Counts returns how many times Count was called.
func (f *Fake) Counts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// Opened returns how many cursors were opened.
func (f *Fake) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Closed returns how many cursors released their resources.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Live returns the number of cursors currently holding resources.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

// Cursor is the fake's source.Cursor.
type Cursor struct {
	ctx    context.Context
	fake   *Fake
	table  table
	report string

	pos      int
	rec      report.Record
	err      error
	released bool
	mu       sync.Mutex
}

// Next implements source.Cursor.
func (c *Cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released || c.err != nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		c.releaseLocked()
		return false
	}
	if c.table.failAfter >= 0 && c.pos >= c.table.failAfter {
		c.err = fmt.Errorf("stream %s: %w: %w", c.report, source.ErrUnavailable, c.table.failErr)
		c.releaseLocked()
		return false
	}
	if c.pos >= c.table.rows {
		c.releaseLocked()
		return false
	}
	c.rec = c.table.gen(c.pos)
	c.pos++
	return true
}

// Record implements source.Cursor.
func (c *Cursor) Record() report.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// Err implements source.Cursor.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements source.Cursor.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	return nil
}

func (c *Cursor) releaseLocked() {
	if c.released {
		return
	}
	c.released = true
	c.fake.mu.Lock()
	c.fake.closed++
	c.fake.mu.Unlock()
}
