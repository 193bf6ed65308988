// Package report defines the exportable report domains: their column
// contracts, the query a caller submits for one of them, and the catalog
// that holds the definitions.
//
// A report is data, not logic. Each [Definition] names the relation it reads
// from, the columns it exposes and the filters it accepts. Everything that
// turns rows into files lives in package export.
package report

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownReport is returned when a query names a report that is not in the catalog.
var ErrUnknownReport = errors.New("unknown report")

// ErrInvalidQuery is returned when a query's filters are inconsistent.
var ErrInvalidQuery = errors.New("invalid report query")

// DefaultColumnWidth is used when a catalog column has no width.
const DefaultColumnWidth = 15

// Column is one entry of a report's column contract.
type Column struct {
	Label string  `yaml:"label" json:"label"` // Header label shown to users
	Key   string  `yaml:"key" json:"key"`     // Record key the value is read from
	Width float64 `yaml:"width" json:"width"` // Display width hint (spreadsheet)
	Expr  string  `yaml:"expr" json:"-"`      // SQL expression selected as Key
}

// Columns is the ordered column contract of a report. The same Columns value
// drives the CSV header and the spreadsheet header, so the two formats can
// never disagree on ordering or labels.
type Columns []Column

// Labels returns the header labels in order.
func (c Columns) Labels() []string {
	labels := make([]string, len(c))
	for i, col := range c {
		labels[i] = col.Label
	}
	return labels
}

// Keys returns the record keys in order.
func (c Columns) Keys() []string {
	keys := make([]string, len(c))
	for i, col := range c {
		keys[i] = col.Key
	}
	return keys
}

// Record is one exportable row keyed by column key.
type Record map[string]any

// Value returns the value for key, or nil when the record has no such key.
func (r Record) Value(key string) any {
	if r == nil {
		return nil
	}
	return r[key]
}

// Definition describes one report domain.
type Definition struct {
	Key           string  `yaml:"key" json:"key"`
	DisplayName   string  `yaml:"display_name" json:"displayName"`
	Version       int     `yaml:"version" json:"version"`
	From          string  `yaml:"from" json:"-"`
	DateColumn    string  `yaml:"date_column" json:"-"`
	SubjectColumn string  `yaml:"subject_column" json:"-"`
	OrderBy       string  `yaml:"order_by" json:"-"`
	Columns       Columns `yaml:"columns" json:"columns"`
}

// Query requests the rows of one report. It is a value type; copies never
// share state, so a Query cannot change after it has been handed out.
type Query struct {
	Report    string    // Catalog key of the report
	From      time.Time // Inclusive lower bound on the date column (zero: unbounded)
	To        time.Time // Exclusive upper bound on the date column (zero: unbounded)
	SubjectID string    // Restricts rows to one farmer/auditor/user (empty: all)
}

// Validate checks the query's filters.
func (q Query) Validate() error {
	if q.Report == "" {
		return fmt.Errorf("%w: report is required", ErrInvalidQuery)
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return fmt.Errorf("%w: from (%s) must be before to (%s)",
			ErrInvalidQuery, q.From.Format(time.DateOnly), q.To.Format(time.DateOnly))
	}
	return nil
}

// ForReport returns a copy of q targeting another report with the same filters.
func (q Query) ForReport(key string) Query {
	q.Report = key
	return q
}
