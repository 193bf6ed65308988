package source

import (
	"context"
	"database/sql"
	"sync"

	"github.com/JonMunkholm/certexport/internal/report"
)

// SQL reads reports through database/sql. The server uses it with the
// SQLite driver for local development; any driver accepting "?" or "$n"
// placeholders works.
type SQL struct {
	db      *sql.DB
	catalog *report.Catalog
	style   report.Placeholder
}

// NewSQL returns a database/sql source. style must match the driver's
// bind-parameter syntax.
func NewSQL(db *sql.DB, catalog *report.Catalog, style report.Placeholder) *SQL {
	return &SQL{db: db, catalog: catalog, style: style}
}

// Count returns the number of rows q would export.
func (s *SQL) Count(ctx context.Context, q report.Query) (int64, error) {
	def, err := s.catalog.Lookup(q.Report)
	if err != nil {
		return 0, err
	}

	stmt := report.CountStatement(def, q, s.style)
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, unavailable("count", def.Key, err)
	}
	return n, nil
}

// Open starts the select for q.
func (s *SQL) Open(ctx context.Context, q report.Query) (Cursor, error) {
	def, err := s.catalog.Lookup(q.Report)
	if err != nil {
		return nil, err
	}

	stmt := report.SelectStatement(def, q, s.style)
	rows, err := s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, unavailable("query", def.Key, err)
	}
	return &sqlCursor{rows: rows, keys: def.Columns.Keys(), report: def.Key}, nil
}

// sqlCursor adapts *sql.Rows to Cursor.
type sqlCursor struct {
	rows   *sql.Rows
	keys   []string
	report string

	rec  report.Record
	err  error
	once sync.Once
}

func (c *sqlCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.release()
		return false
	}

	values := make([]any, len(c.keys))
	dest := make([]any, len(c.keys))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		c.err = unavailable("read", c.report, err)
		c.release()
		return false
	}

	rec := make(report.Record, len(c.keys))
	for i, key := range c.keys {
		rec[key] = Normalize(values[i])
	}
	c.rec = rec
	return true
}

func (c *sqlCursor) Record() report.Record { return c.rec }

func (c *sqlCursor) Err() error { return c.err }

func (c *sqlCursor) Close() error {
	c.release()
	return c.err
}

func (c *sqlCursor) release() {
	c.once.Do(func() {
		if err := c.rows.Err(); err != nil && c.err == nil {
			c.err = unavailable("stream", c.report, err)
		}
		if err := c.rows.Close(); err != nil && c.err == nil {
			c.err = unavailable("close", c.report, err)
		}
	})
}
