package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// DefaultMaxSections caps the number of reports in one bundle.
const DefaultMaxSections = 10

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Threshold     int64         // Rows above which a report is streamed
	MaxConcurrent int           // Exports running at once
	MaxWait       time.Duration // Wait for a free slot before ErrTooManyExports
	MaxSections   int           // Reports per bundle
	CSVBOM        bool          // Prefix streamed CSV with a UTF-8 BOM
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Service is the entry point of the export pipeline.
type Service struct {
	catalog     *report.Catalog
	selector    *Selector
	composer    *Composer
	limiter     *Limiter
	metrics     *Metrics
	logger      *slog.Logger
	maxSections int
}

// NewService wires a selector, composer and limiter over src.
func NewService(catalog *report.Catalog, src source.Source, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSections <= 0 {
		opts.MaxSections = DefaultMaxSections
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}

	limiter := NewLimiter(opts.MaxConcurrent, opts.MaxWait)
	if opts.Metrics != nil {
		limiter.onChange = opts.Metrics.SetActive
	}

	return &Service{
		catalog: catalog,
		selector: NewSelector(src, opts.Threshold,
			WithCSVBOM(opts.CSVBOM),
			WithMetrics(opts.Metrics),
			WithLogger(opts.Logger),
		),
		composer:    NewComposer(opts.Metrics),
		limiter:     limiter,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		maxSections: opts.MaxSections,
	}
}

// Reports returns the exportable report definitions in catalog order.
func (s *Service) Reports() []report.Definition {
	return s.catalog.All()
}

// Threshold returns the streaming threshold.
func (s *Service) Threshold() int64 {
	return s.selector.Threshold()
}

// Limiter returns the export slot limiter.
func (s *Service) Limiter() *Limiter {
	return s.limiter
}

// Export selects the format for one report and returns the result. The
// export holds a limiter slot until the result's reader is closed or the
// result is discarded.
func (s *Service) Export(ctx context.Context, q report.Query) (Result, error) {
	def, err := s.catalog.Lookup(q.Report)
	if err != nil {
		return nil, err
	}
	if err := q.ForReport(def.Key).Validate(); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.selector.Select(ctx, def, q)
	if err != nil {
		release()
		return nil, err
	}
	return &heldResult{Result: res, release: release}, nil
}

// Bundle prepares an archive of several reports. Section keys are matched
// case-insensitively; order is kept and repeats are rejected. Nothing is
// counted or fetched until the bundle is opened.
func (s *Service) Bundle(ctx context.Context, keys []string, q report.Query) (*Bundle, error) {
	defs, err := s.sections(keys)
	if err != nil {
		return nil, err
	}
	if err := q.ForReport(defs[0].Key).Validate(); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(defs))
	sections := make([]string, len(defs))
	for i, def := range defs {
		sections[i] = def.Key
		entries[i] = Entry{
			Resolve: func(ctx context.Context) (Result, error) {
				return s.selector.Select(ctx, def, q)
			},
		}
	}

	return &Bundle{
		filename: BundleFilename(q),
		sections: sections,
		entries:  entries,
		composer: s.composer,
		release:  release,
	}, nil
}

func (s *Service) sections(keys []string) ([]report.Definition, error) {
	var defs []report.Definition
	seen := make(map[string]bool)
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		def, err := s.catalog.Lookup(key)
		if err != nil {
			return nil, err
		}
		if seen[def.Key] {
			return nil, fmt.Errorf("%w: section %q requested twice", ErrDuplicateEntry, def.Key)
		}
		seen[def.Key] = true
		defs = append(defs, def)
	}

	switch {
	case len(defs) == 0:
		return nil, ErrNoSections
	case len(defs) > s.maxSections:
		return nil, fmt.Errorf("%w: %d requested, at most %d allowed", ErrTooManySections, len(defs), s.maxSections)
	}
	return defs, nil
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	release, err := s.limiter.Acquire(ctx)
	if errors.Is(err, ErrTooManyExports) {
		s.metrics.RecordRejected()
		s.logger.Warn("export rejected", "active", s.limiter.Active(), "max", s.limiter.MaxConcurrent())
	}
	return release, err
}

// Bundle is a prepared multi-report archive.
type Bundle struct {
	filename string
	sections []string
	entries  []Entry
	composer *Composer
	release  func()
	consumed atomic.Bool
}

var _ Deliverable = (*Bundle)(nil)

// Filename implements Deliverable.
func (b *Bundle) Filename() string { return b.filename }

// ContentType implements Deliverable.
func (b *Bundle) ContentType() string { return ContentTypeZIP }

// Sections returns the report keys in archive order.
func (b *Bundle) Sections() []string { return b.sections }

// Open starts composing the archive and returns it as it is produced.
func (b *Bundle) Open(ctx context.Context) (io.ReadCloser, error) {
	if !b.consumed.CompareAndSwap(false, true) {
		return nil, ErrResultConsumed
	}
	return &releasingReadCloser{
		ReadCloser: b.composer.Reader(ctx, b.entries),
		release:    b.release,
	}, nil
}

// Discard implements Deliverable.
func (b *Bundle) Discard() error {
	if b.consumed.CompareAndSwap(false, true) {
		b.release()
	}
	return nil
}

// heldResult ties a result to the limiter slot it runs under.
type heldResult struct {
	Result
	release func()
}

func (r *heldResult) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := r.Result.Open(ctx)
	if err != nil {
		r.release()
		return nil, err
	}
	return &releasingReadCloser{ReadCloser: rc, release: r.release}, nil
}

func (r *heldResult) Discard() error {
	defer r.release()
	return r.Result.Discard()
}

type releasingReadCloser struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *releasingReadCloser) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}
