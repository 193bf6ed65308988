package source

import (
	"context"
	"sync"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool used by Postgres.
// Satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads reports from PostgreSQL through pgx.
type Postgres struct {
	db      Querier
	catalog *report.Catalog
}

// NewPostgres returns a Postgres source resolving report keys in catalog.
func NewPostgres(db Querier, catalog *report.Catalog) *Postgres {
	return &Postgres{db: db, catalog: catalog}
}

// Count returns the number of rows q would export.
func (p *Postgres) Count(ctx context.Context, q report.Query) (int64, error) {
	def, err := p.catalog.Lookup(q.Report)
	if err != nil {
		return 0, err
	}

	stmt := report.CountStatement(def, q, report.Dollar)
	var n int64
	if err := p.db.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, unavailable("count", def.Key, err)
	}
	return n, nil
}

// Open starts the select for q. The returned cursor holds one pooled
// connection until it is exhausted or closed.
func (p *Postgres) Open(ctx context.Context, q report.Query) (Cursor, error) {
	def, err := p.catalog.Lookup(q.Report)
	if err != nil {
		return nil, err
	}

	stmt := report.SelectStatement(def, q, report.Dollar)
	rows, err := p.db.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, unavailable("query", def.Key, err)
	}
	return &pgCursor{rows: rows, keys: def.Columns.Keys(), report: def.Key}, nil
}

// pgCursor adapts pgx.Rows to Cursor.
type pgCursor struct {
	rows   pgx.Rows
	keys   []string
	report string

	rec  report.Record
	err  error
	once sync.Once
}

func (c *pgCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.release()
		return false
	}

	values, err := c.rows.Values()
	if err != nil {
		c.err = unavailable("read", c.report, err)
		c.release()
		return false
	}

	rec := make(report.Record, len(c.keys))
	for i, key := range c.keys {
		if i < len(values) {
			rec[key] = Normalize(values[i])
		}
	}
	c.rec = rec
	return true
}

func (c *pgCursor) Record() report.Record { return c.rec }

func (c *pgCursor) Err() error { return c.err }

func (c *pgCursor) Close() error {
	c.release()
	return c.err
}

// release closes the rows exactly once, returning the connection to the pool,
// and captures any error the server reported while streaming.
func (c *pgCursor) release() {
	c.once.Do(func() {
		c.rows.Close()
		if err := c.rows.Err(); err != nil && c.err == nil {
			c.err = unavailable("stream", c.report, err)
		}
	})
}
