package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// DefaultThreshold is the row count above which reports are streamed as CSV.
const DefaultThreshold = 1_000_000

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithCSVBOM prefixes streamed CSV with a UTF-8 byte order mark.
func WithCSVBOM(enabled bool) SelectorOption {
	return func(s *Selector) { s.bom = enabled }
}

// WithMetrics records strategy decisions and delivered output on m.
func WithMetrics(m *Metrics) SelectorOption {
	return func(s *Selector) { s.metrics = m }
}

// WithLogger sets the logger used for strategy decisions.
func WithLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) { s.logger = l }
}

// Selector decides, once per report, whether it is streamed or buffered.
type Selector struct {
	src       source.Source
	threshold int64
	bom       bool
	metrics   *Metrics
	logger    *slog.Logger
}

// NewSelector returns a selector over src. A threshold below zero is
// treated as zero: every non-empty report is streamed.
func NewSelector(src source.Source, threshold int64, opts ...SelectorOption) *Selector {
	if threshold < 0 {
		threshold = 0
	}
	s := &Selector{src: src, threshold: threshold, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured streaming threshold.
func (s *Selector) Threshold() int64 { return s.threshold }

// Select counts the rows of q and returns the matching Result.
//
// A count above the threshold yields a *StreamResult whose cursor is opened
// only when the result is. Otherwise every row is fetched now and laid out
// in a *DocumentResult. A count equal to the threshold is buffered.
func (s *Selector) Select(ctx context.Context, def report.Definition, q report.Query) (Result, error) {
	q = q.ForReport(def.Key)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	count, err := s.src.Count(ctx, q)
	if err != nil {
		return nil, err
	}

	kind := KindDocument
	if count > s.threshold {
		kind = KindStream
	}
	s.metrics.RecordStrategy(def.Key, kind)
	s.logger.Debug("export strategy selected",
		"report", def.Key,
		"rows", count,
		"threshold", s.threshold,
		"format", kind.String(),
	)

	filename := Filename(def.DisplayName, q, kind.Extension())
	observe := s.observer(def.Key, kind)

	if kind == KindStream {
		var encOpts []EncoderOption
		if s.bom {
			encOpts = append(encOpts, WithBOM(true))
		}
		return &StreamResult{
			filename: filename,
			columns:  def.Columns,
			streamer: s.src,
			query:    q,
			count:    count,
			encOpts:  encOpts,
			observe:  observe,
		}, nil
	}

	records, err := source.Fetch(ctx, s.src, q)
	if err != nil {
		return nil, err
	}
	doc, err := NewDocument()
	if err != nil {
		return nil, err
	}
	if err := doc.AddSheet(def.DisplayName, def.Columns, records); err != nil {
		doc.Close()
		return nil, fmt.Errorf("build %s: %w", def.Key, err)
	}
	return &DocumentResult{filename: filename, doc: doc, observe: observe}, nil
}

func (s *Selector) observer(reportKey string, kind Kind) func(rows, bytes int64, err error) {
	if s.metrics == nil {
		return nil
	}
	start := time.Now()
	return func(rows, bytes int64, err error) {
		s.metrics.RecordExport(reportKey, kind, rows, bytes, time.Since(start), err)
	}
}
