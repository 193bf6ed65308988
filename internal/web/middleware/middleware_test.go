package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JonMunkholm/certexport/internal/config"
)

func echoRemoteAddr() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.RemoteAddr))
	})
}

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:    "no trusted proxies",
			trusted: nil,
			remote:  "10.0.0.1:5000",
			headers: map[string]string{"X-Real-IP": "203.0.113.9"},
			want:    "10.0.0.1:5000",
		},
		{
			name:    "trusted proxy with X-Real-IP",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.0.0.1:5000",
			headers: map[string]string{"X-Real-IP": "203.0.113.9"},
			want:    "203.0.113.9",
		},
		{
			name:    "trusted proxy with X-Forwarded-For chain",
			trusted: []string{"10.0.0.1"},
			remote:  "10.0.0.1:5000",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.7"},
			want:    "203.0.113.9",
		},
		{
			name:    "untrusted client spoofing",
			trusted: []string{"10.0.0.0/8"},
			remote:  "198.51.100.4:5000",
			headers: map[string]string{"X-Real-IP": "203.0.113.9"},
			want:    "198.51.100.4:5000",
		},
		{
			name:    "garbage header ignored",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.0.0.1:5000",
			headers: map[string]string{"X-Real-IP": "not-an-ip"},
			want:    "10.0.0.1:5000",
		},
		{
			name:    "invalid entries skipped",
			trusted: []string{"bogus", " ", "::1"},
			remote:  "[::1]:5000",
			headers: map[string]string{"X-Forwarded-For": "2001:db8::5"},
			want:    "2001:db8::5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()

			TrustedRealIP(tt.trusted)(echoRemoteAddr()).ServeHTTP(rec, req)

			if got := rec.Body.String(); got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	cfg := &config.SecurityConfig{RequireAPIKey: false}
	rec := httptest.NewRecorder()
	APIKeyAuth(cfg)(echoRemoteAddr()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	cfg := &config.SecurityConfig{RequireAPIKey: true}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "anything")
	rec := httptest.NewRecorder()
	APIKeyAuth(cfg)(echoRemoteAddr()).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_INVALID_KEY") {
		t.Errorf("body = %q, want AUTH_INVALID_KEY", rec.Body.String())
	}
}

func TestLogger_RecordsBytesAndExportID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Export-ID", "exp-1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("12345"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	out := buf.String()
	for _, want := range []string{`"status":201`, `"bytes":5`, `"export_id":"exp-1"`, `"path":"/x"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}

func TestLogger_AbortIsRepanicked(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
		if !strings.Contains(buf.String(), `"status":499`) {
			t.Errorf("log %q missing status 499", buf.String())
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestRequireAuth_CustomAuthorizer(t *testing.T) {
	deny := AuthorizerFunc(func(r *http.Request) error {
		if r.Header.Get("X-Role") == "auditor" {
			return nil
		}
		return errors.New("role not allowed")
	})
	h := RequireAuth(deny)(echoRemoteAddr())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	req.Header.Set("X-Role", "auditor")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
