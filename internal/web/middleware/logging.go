// Package middleware provides HTTP middleware for the export server.
package middleware

import (
	"net/http"
	"time"

	"github.com/JonMunkholm/certexport/internal/logging"
)

// Logger logs one structured line per request once the handler returns.
//
// Downloads can run for minutes, so the line carries the bytes written and
// the export ID the handler assigned (X-Export-ID) alongside the usual
// method, path, status and duration. Aborted downloads panic with
// http.ErrAbortHandler; those are logged as status 499 before the panic
// continues up the chain.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			rec := recover()
			status := ww.status
			if rec == http.ErrAbortHandler {
				status = 499
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"ip", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			}
			if id := ww.Header().Get("X-Export-ID"); id != "" {
				attrs = append(attrs, "export_id", id)
			}
			logging.FromContext(r.Context()).Info("request", attrs...)

			if rec != nil {
				panic(rec)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

// responseWriter records the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying Flusher.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
