package export

// encoder.go streams a cursor as CSV through the io.Reader interface.
//
// Nothing is read from the cursor until the consumer asks for bytes, and at
// most one encoded row is held between calls. A slow consumer therefore
// stalls the cursor instead of growing a buffer, and the cursor's connection
// stays parked on the database side until reading resumes.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// utf8BOM lets spreadsheet applications detect UTF-8 in CSV files.
const utf8BOM = "\uFEFF"

var errEncoderClosed = errors.New("read on closed encoder")

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithBOM prefixes the output with a UTF-8 byte order mark.
func WithBOM(enabled bool) EncoderOption {
	return func(e *Encoder) { e.bom = enabled }
}

// Encoder reads CSV bytes pulled from a cursor: the header labels first,
// then one line per record in cursor order.
type Encoder struct {
	columns report.Columns
	keys    []string
	cursor  source.Cursor
	bom     bool

	buf    bytes.Buffer
	w      *csv.Writer
	fields []string

	headerDone bool
	released   bool
	rows       int64
	err        error
}

// NewEncoder returns an encoder over cursor. The encoder owns the cursor
// from now on and releases it at EOF, on error, or on Close.
func NewEncoder(columns report.Columns, cursor source.Cursor, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		columns: columns,
		keys:    columns.Keys(),
		cursor:  cursor,
		fields:  make([]string, len(columns)),
	}
	e.w = csv.NewWriter(&e.buf)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Read implements io.Reader.
func (e *Encoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for e.buf.Len() == 0 {
		if e.err != nil {
			return 0, e.err
		}
		e.err = e.fill()
	}
	return e.buf.Read(p)
}

// Rows returns the number of data rows encoded so far.
func (e *Encoder) Rows() int64 {
	return e.rows
}

// Close releases the cursor. Reads after Close fail.
func (e *Encoder) Close() error {
	if e.err == nil || e.err == io.EOF {
		e.err = errEncoderClosed
	}
	e.buf.Reset()
	return e.release()
}

// fill encodes the next line into buf. It returns io.EOF once the cursor is
// exhausted.
func (e *Encoder) fill() error {
	switch {
	case !e.headerDone:
		e.headerDone = true
		if e.bom {
			e.buf.WriteString(utf8BOM)
		}
		if err := e.w.Write(e.columns.Labels()); err != nil {
			e.release()
			return fmt.Errorf("write header: %w", err)
		}

	case e.cursor.Next():
		rec := e.cursor.Record()
		for i, key := range e.keys {
			s := FormatValue(rec.Value(key))
			if !utf8.ValidString(s) {
				e.release()
				return fmt.Errorf("%w: row %d column %q: invalid UTF-8", ErrEncoding, e.rows+1, e.columns[i].Label)
			}
			e.fields[i] = s
		}
		if err := e.w.Write(e.fields); err != nil {
			e.release()
			return fmt.Errorf("write row %d: %w", e.rows+1, err)
		}
		e.rows++

	default:
		err := e.cursor.Err()
		e.release()
		if err != nil {
			return err
		}
		return io.EOF
	}

	e.w.Flush()
	return e.w.Error()
}

func (e *Encoder) release() error {
	if e.released {
		return nil
	}
	e.released = true
	return e.cursor.Close()
}
