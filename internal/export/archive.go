package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var errArchiveClosed = errors.New("archive reader closed")

// Entry is one file of an archive.
//
// Either Result is set, or Resolve produces it when the entry's turn comes.
// Deferred entries keep at most one report's resources alive at a time.
// Once an entry is handed to a Composer, the Composer owns its result.
type Entry struct {
	Name    string
	Result  Result
	Resolve func(ctx context.Context) (Result, error)
}

// Composer writes a sequence of results into a ZIP archive.
type Composer struct {
	metrics *Metrics
	now     func() time.Time
}

// NewComposer returns a composer. m may be nil.
func NewComposer(m *Metrics) *Composer {
	return &Composer{metrics: m, now: time.Now}
}

// Write appends entries to a ZIP archive on w strictly in order. Each entry
// is consumed to completion before the next one is resolved.
//
// Spreadsheets are stored as-is since XLSX is already compressed; CSV is
// deflated while it streams. The central directory is written only after
// every entry succeeded. On failure the remaining entries are discarded and
// the archive is left unfinished.
func (c *Composer) Write(ctx context.Context, w io.Writer, entries []Entry) error {
	if err := checkNames(entries); err != nil {
		discardFrom(entries, 0)
		return err
	}

	zw := zip.NewWriter(w)
	written := make(map[string]bool, len(entries))
	for i, e := range entries {
		if err := c.writeEntry(ctx, zw, e, written); err != nil {
			c.metrics.RecordBundleEntry(err)
			discardFrom(entries, i+1)
			return err
		}
		c.metrics.RecordBundleEntry(nil)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// Reader runs Write in the background and returns the archive as it is
// produced. Closing the reader before EOF aborts the composer, releases
// the entry in flight and discards the rest; Close returns once that is done.
func (c *Composer) Reader(ctx context.Context, entries []Entry) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		pw.CloseWithError(c.Write(ctx, pw, entries))
	}()

	return &archiveReader{pr: pr, cancel: cancel, done: done}
}

// writeEntry resolves and copies one entry. written tracks the names already
// in the archive, since deferred names are only known once resolved.
func (c *Composer) writeEntry(ctx context.Context, zw *zip.Writer, e Entry, written map[string]bool) error {
	if err := ctx.Err(); err != nil {
		if e.Result != nil {
			e.Result.Discard()
		}
		return err
	}

	res := e.Result
	if res == nil {
		if e.Resolve == nil {
			return fmt.Errorf("archive entry %q: nothing to write", e.Name)
		}
		var err error
		if res, err = e.Resolve(ctx); err != nil {
			return fmt.Errorf("archive entry %q: %w", e.Name, err)
		}
	}

	name := e.Name
	if name == "" {
		name = res.Filename()
	}
	if written[name] {
		res.Discard()
		return fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
	}
	written[name] = true

	rc, err := res.Open(ctx)
	if err != nil {
		return fmt.Errorf("archive entry %q: %w", name, err)
	}
	defer rc.Close()

	method := zip.Deflate
	if res.Kind() == KindDocument {
		method = zip.Store
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: c.now(),
	})
	if err != nil {
		return fmt.Errorf("archive entry %q: %w", name, err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("archive entry %q: %w", name, err)
	}
	return nil
}

// checkNames rejects entries that would shadow each other before anything is
// resolved. Deferred entries without an explicit Name are checked by
// writeEntry.
func checkNames(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" && e.Result != nil {
			name = e.Result.Filename()
		}
		if name == "" {
			continue
		}
		if seen[name] {
			return fmt.Errorf("%w: %q", ErrDuplicateEntry, name)
		}
		seen[name] = true
	}
	return nil
}

func discardFrom(entries []Entry, start int) {
	for _, e := range entries[start:] {
		if e.Result != nil {
			e.Result.Discard()
		}
	}
}

type archiveReader struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *archiveReader) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

func (r *archiveReader) Close() error {
	r.pr.CloseWithError(errArchiveClosed)
	r.cancel()
	<-r.done
	return nil
}
