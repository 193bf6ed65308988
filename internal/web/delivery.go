package web

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/certexport/internal/export"
)

// deliver opens d and relays its bytes to the client.
//
// Until the first byte is written, failures become ordinary JSON errors.
// Once the response has started, the status line is gone; the connection is
// aborted instead so the client sees a truncated transfer rather than a file
// that looks complete.
func deliver(w http.ResponseWriter, r *http.Request, d export.Deliverable, exportID string, logger *slog.Logger) {
	start := time.Now()

	rc, err := d.Open(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", d.ContentType())
	h.Set("Content-Disposition", contentDisposition(d.Filename()))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Export-ID", exportID)

	fw := newFlushWriter(w)
	_, err = io.Copy(fw, rc)
	if err == nil {
		logger.Info("export delivered",
			"filename", d.Filename(),
			"bytes", fw.written,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	if fw.written == 0 {
		respondError(w, r, err)
		return
	}

	logger.Error("export aborted",
		"filename", d.Filename(),
		"bytes", fw.written,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	panic(http.ErrAbortHandler)
}

// flushWriter pushes every write to the client immediately so that the
// transport, not this process, decides how much is buffered.
type flushWriter struct {
	w       io.Writer
	rc      *http.ResponseController
	written int64
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.written += int64(n)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// contentDisposition builds an attachment header. Names that are not plain
// ASCII get an ASCII fallback in filename and the exact name in filename*
// (RFC 6266, RFC 5987).
func contentDisposition(filename string) string {
	fallback := asciiFallback(filename)
	v := `attachment; filename="` + fallback + `"`
	if fallback != filename {
		v += "; filename*=UTF-8''" + percentEncode(filename)
	}
	return v
}

// asciiFallback strips accents and replaces whatever is left outside
// printable ASCII, plus quote and backslash, with an underscore.
func asciiFallback(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, stripped)
}

// percentEncode escapes everything except RFC 5987 attr-chars.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
