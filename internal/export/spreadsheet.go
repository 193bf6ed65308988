package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/certexport/internal/report"
)

const (
	maxSheetNameLen = 31
	defaultSheet    = "Sheet1"
	dateNumFmt      = "yyyy-mm-dd"
	timestampNumFmt = "yyyy-mm-dd hh:mm:ss"
)

// sheetNameReplacer strips the characters Excel rejects in sheet names.
var sheetNameReplacer = strings.NewReplacer(
	"[", "", "]", "", ":", "-", "*", "", "?", "", "/", "-", `\`, "-",
)

// Document is an in-memory XLSX workbook built one sheet at a time.
//
// Sheets are written through excelize's stream writer, so each AddSheet call
// lays out its rows once and keeps no per-cell objects around. The workbook
// is serialized by WriteTo or Bytes; after that it is read-only.
type Document struct {
	file      *excelize.File
	names     map[string]bool
	sheets    int
	rows      int
	finalized bool

	headerStyle    int
	dateStyle      int
	timestampStyle int
}

// NewDocument returns an empty workbook.
func NewDocument() (*Document, error) {
	f := excelize.NewFile()
	d := &Document{file: f, names: make(map[string]bool)}

	var err error
	if d.headerStyle, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	dateFmt := dateNumFmt
	if d.dateStyle, err = f.NewStyle(&excelize.Style{CustomNumFmt: &dateFmt}); err != nil {
		f.Close()
		return nil, fmt.Errorf("create date style: %w", err)
	}
	tsFmt := timestampNumFmt
	if d.timestampStyle, err = f.NewStyle(&excelize.Style{CustomNumFmt: &tsFmt}); err != nil {
		f.Close()
		return nil, fmt.Errorf("create timestamp style: %w", err)
	}
	return d, nil
}

// Sheets returns the number of sheets added.
func (d *Document) Sheets() int { return d.sheets }

// Rows returns the number of data rows across all sheets.
func (d *Document) Rows() int { return d.rows }

// AddSheet writes one sheet: a bold, frozen header row of column labels
// followed by one row per record in order. Keys missing from a record
// produce empty cells.
func (d *Document) AddSheet(name string, columns report.Columns, records []report.Record) error {
	if d.finalized {
		return ErrDocumentFinalized
	}
	if len(columns) == 0 {
		return fmt.Errorf("sheet %q: no columns", name)
	}

	sheet := d.uniqueSheetName(name)
	if d.sheets == 0 {
		if err := d.file.SetSheetName(defaultSheet, sheet); err != nil {
			return fmt.Errorf("rename sheet: %w", err)
		}
	} else if _, err := d.file.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %q: %w", sheet, err)
	}
	d.names[strings.ToLower(sheet)] = true
	d.sheets++

	sw, err := d.file.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open sheet %q: %w", sheet, err)
	}

	// Widths and panes must precede the first row.
	for i, col := range columns {
		width := col.Width
		if width <= 0 {
			width = report.DefaultColumnWidth
		}
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return fmt.Errorf("sheet %q: column %d width: %w", sheet, i+1, err)
		}
	}
	if err := sw.SetPanes(&excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
		Selection:   []excelize.Selection{{SQRef: "A2", ActiveCell: "A2", Pane: "bottomLeft"}},
	}); err != nil {
		return fmt.Errorf("sheet %q: freeze header: %w", sheet, err)
	}

	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = excelize.Cell{StyleID: d.headerStyle, Value: col.Label}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("sheet %q: header: %w", sheet, err)
	}

	keys := columns.Keys()
	row := make([]any, len(columns))
	for i, rec := range records {
		for j, key := range keys {
			cell, err := d.cell(rec.Value(key))
			if err != nil {
				return fmt.Errorf("%w: sheet %q row %d column %q: %v", ErrEncoding, sheet, i+1, columns[j].Label, err)
			}
			row[j] = cell
		}
		ref, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("sheet %q row %d: %w", sheet, i+1, err)
		}
		if err := sw.SetRow(ref, row); err != nil {
			return fmt.Errorf("%w: sheet %q row %d: %v", ErrEncoding, sheet, i+1, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("sheet %q: flush: %w", sheet, err)
	}
	d.rows += len(records)
	return nil
}

// WriteTo serializes the workbook to w and finalizes it.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	if d.finalized {
		return 0, ErrDocumentFinalized
	}
	if d.sheets == 0 {
		return 0, fmt.Errorf("finalize document: no sheets")
	}
	d.finalized = true
	defer d.file.Close()

	n, err := d.file.WriteTo(w)
	if err != nil {
		return n, fmt.Errorf("finalize document: %w", err)
	}
	return n, nil
}

// Bytes finalizes the workbook and returns its serialized form.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close discards the workbook without serializing it.
func (d *Document) Close() error {
	if d.finalized {
		return nil
	}
	d.finalized = true
	return d.file.Close()
}

// cell converts a record value to what the stream writer stores: numbers stay
// numeric, dates get a date format, everything else is text.
func (d *Document) cell(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !utf8.ValidString(val) {
			return nil, fmt.Errorf("invalid UTF-8")
		}
		return val, nil
	case int64, int, float64:
		return val, nil
	case bool:
		return FormatValue(val), nil
	case time.Time:
		if val.IsZero() {
			return nil, nil
		}
		if isDate(val) {
			return excelize.Cell{StyleID: d.dateStyle, Value: val}, nil
		}
		return excelize.Cell{StyleID: d.timestampStyle, Value: val}, nil
	default:
		s := FormatValue(val)
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("invalid UTF-8")
		}
		return s, nil
	}
}

// uniqueSheetName applies Excel's naming rules and de-duplicates
// case-insensitively.
func (d *Document) uniqueSheetName(name string) string {
	base := strings.TrimSpace(sheetNameReplacer.Replace(name))
	base = strings.Trim(base, "'")
	if base == "" {
		base = "Sheet"
	}
	base = truncateRunes(base, maxSheetNameLen)

	candidate := base
	for n := 2; d.names[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateRunes(base, maxSheetNameLen-len(suffix)) + suffix
	}
	return candidate
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
