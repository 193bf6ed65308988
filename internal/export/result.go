package export

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// Content types of the two result formats.
const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeZIP  = "application/zip"
)

// Kind identifies the output format chosen for a report.
type Kind int

const (
	KindStream   Kind = iota + 1 // CSV pulled from a cursor
	KindDocument                 // XLSX built in memory
)

// String returns the format name used in metrics and logs.
func (k Kind) String() string {
	switch k {
	case KindStream:
		return "csv"
	case KindDocument:
		return "xlsx"
	default:
		return "unknown"
	}
}

// Extension returns the file extension for the format, including the dot.
func (k Kind) Extension() string {
	switch k {
	case KindStream:
		return ".csv"
	case KindDocument:
		return ".xlsx"
	default:
		return ""
	}
}

// Deliverable is anything that can be sent to a client as one file.
//
// It is single-use: Open hands out its bytes exactly once. Callers that
// decide not to deliver it call Discard instead.
type Deliverable interface {
	Filename() string
	ContentType() string

	// Open returns the bytes. The caller must Close the reader.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Discard releases everything held without producing output.
	Discard() error
}

// Result is the outcome of strategy selection for one report.
type Result interface {
	Deliverable
	Kind() Kind
}

// StreamResult is a CSV export produced while it is read.
type StreamResult struct {
	filename string
	columns  report.Columns
	streamer source.Streamer
	query    report.Query
	count    int64
	encOpts  []EncoderOption
	observe  func(rows, bytes int64, err error)

	consumed atomic.Bool
}

var _ Result = (*StreamResult)(nil)

// Kind implements Result.
func (r *StreamResult) Kind() Kind { return KindStream }

// Filename implements Result.
func (r *StreamResult) Filename() string { return r.filename }

// ContentType implements Result.
func (r *StreamResult) ContentType() string { return ContentTypeCSV }

// Count returns the row count measured when the strategy was chosen.
func (r *StreamResult) Count() int64 { return r.count }

// Open opens the cursor and returns an Encoder over it. No rows are read
// until the returned reader is.
func (r *StreamResult) Open(ctx context.Context) (io.ReadCloser, error) {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil, ErrResultConsumed
	}
	cur, err := r.streamer.Open(ctx, r.query)
	if err != nil {
		return nil, err
	}
	enc := NewEncoder(r.columns, cur, r.encOpts...)
	if r.observe == nil {
		return enc, nil
	}
	return newCountingReadCloser(enc, func(n int64, err error) {
		r.observe(enc.Rows(), n, err)
	}), nil
}

// Discard implements Result. Nothing is held before Open.
func (r *StreamResult) Discard() error {
	r.consumed.Store(true)
	return nil
}

// DocumentResult is an XLSX export held in memory until opened.
type DocumentResult struct {
	filename string
	doc      *Document
	observe  func(rows, bytes int64, err error)

	consumed atomic.Bool
}

var _ Result = (*DocumentResult)(nil)

// Kind implements Result.
func (r *DocumentResult) Kind() Kind { return KindDocument }

// Filename implements Result.
func (r *DocumentResult) Filename() string { return r.filename }

// ContentType implements Result.
func (r *DocumentResult) ContentType() string { return ContentTypeXLSX }

// Rows returns the number of data rows in the workbook.
func (r *DocumentResult) Rows() int { return r.doc.Rows() }

// Open finalizes the workbook and returns its bytes.
func (r *DocumentResult) Open(ctx context.Context) (io.ReadCloser, error) {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil, ErrResultConsumed
	}
	if err := ctx.Err(); err != nil {
		r.doc.Close()
		return nil, err
	}
	b, err := r.doc.Bytes()
	if err != nil {
		return nil, err
	}
	rc := io.NopCloser(bytes.NewReader(b))
	if r.observe == nil {
		return rc, nil
	}
	rows := int64(r.doc.Rows())
	return newCountingReadCloser(rc, func(n int64, err error) {
		r.observe(rows, n, err)
	}), nil
}

// Discard implements Result.
func (r *DocumentResult) Discard() error {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil
	}
	return r.doc.Close()
}
