package export

// counting.go wraps export readers to account for bytes delivered.
//
// The count is reported once, when the reader is closed, together with the
// first non-EOF error seen while reading. Callers use it to record metrics
// without touching the bytes themselves.

import (
	"errors"
	"io"
	"sync"
)

// countingReadCloser tracks bytes read through an io.ReadCloser.
type countingReadCloser struct {
	rc        io.ReadCloser
	BytesRead int64

	err     error
	eof     bool
	done    func(n int64, err error)
	onClose sync.Once
}

func newCountingReadCloser(rc io.ReadCloser, done func(n int64, err error)) *countingReadCloser {
	return &countingReadCloser{rc: rc, done: done}
}

// Read implements io.Reader.
func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.BytesRead += int64(n)
	switch {
	case err == io.EOF:
		c.eof = true
	case err != nil && c.err == nil:
		c.err = err
	}
	return n, err
}

// Close closes the underlying reader and reports the count. A reader closed
// before EOF without an error of its own reports errIncomplete.
func (c *countingReadCloser) Close() error {
	err := c.rc.Close()
	c.onClose.Do(func() {
		outcome := c.err
		if outcome == nil && !c.eof {
			outcome = errIncomplete
		}
		c.done(c.BytesRead, outcome)
	})
	return err
}

// errIncomplete marks output abandoned by its consumer.
var errIncomplete = errors.New("export abandoned before completion")
