package web

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/certexport/internal/config"
	"github.com/JonMunkholm/certexport/internal/export"
	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source/sourcetest"
	mw "github.com/JonMunkholm/certexport/internal/web/middleware"
)

const testThreshold = 1000

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{RequestTimeout: 5 * time.Second},
		Export:   config.ExportConfig{Timeout: time.Minute},
		Rate:     config.RateLimitConfig{RequestsPerMinute: 100, ExportLimit: 10},
		Security: config.SecurityConfig{EnableCSP: true},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func testCatalog(t *testing.T) *report.Catalog {
	t.Helper()
	c := report.NewCatalog()
	require.NoError(t, c.Register(report.Definition{
		Key:         "users",
		DisplayName: "Users",
		From:        "users",
		Version:     1,
		Columns: report.Columns{
			{Label: "ID", Key: "id"},
			{Label: "Name", Key: "name"},
		},
	}))
	require.NoError(t, c.Register(report.Definition{
		Key:         "certificates",
		DisplayName: "Certificates",
		From:        "certificates",
		Version:     1,
		Columns: report.Columns{
			{Label: "Certificate", Key: "cert"},
			{Label: "Issued", Key: "issued"},
		},
	}))
	return c
}

func userRow(i int) report.Record {
	return report.Record{"id": int64(i + 1), "name": fmt.Sprintf("user %d", i+1)}
}

func certRow(i int) report.Record {
	return report.Record{
		"cert":   fmt.Sprintf("C-%05d", i+1),
		"issued": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
	}
}

func testFake(users int) *sourcetest.Fake {
	return sourcetest.NewFake().
		Generate("users", users, userRow).
		Generate("certificates", 20, certRow)
}

func newTestServer(t *testing.T, fake *sourcetest.Fake, cfg *config.Config, opts export.Options, serverOpts ...Option) *Server {
	t.Helper()
	if opts.Threshold == 0 {
		opts.Threshold = testThreshold
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = 50 * time.Millisecond
	}
	svc := export.NewService(testCatalog(t), fake, opts)
	s := NewServer(svc, cfg, serverOpts...)
	t.Cleanup(func() {
		for _, rl := range s.limiters {
			rl.Close()
		}
	})
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestListReports(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{})

	rec := get(s, "/api/reports")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp reportsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(testThreshold), resp.Threshold)
	require.Len(t, resp.Reports, 2)
	assert.Equal(t, "users", resp.Reports[0].Key)
	assert.Equal(t, []columnInfo{{"ID", "id"}, {"Name", "name"}}, resp.Reports[0].Columns)
}

func TestExport_SmallReportIsWorkbook(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{})

	rec := get(s, "/api/reports/certificates/export?from=2024-01-01&to=2025-01-01")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, export.ContentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Certificates_2024-01-01_2025-01-01.xlsx"`,
		rec.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rec.Header().Get("X-Export-ID"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Certificates")
	require.NoError(t, err)
	require.Len(t, rows, 21)
	assert.Equal(t, []string{"Certificate", "Issued"}, rows[0])
	assert.Equal(t, "C-00001", rows[1][0])
}

func TestExport_LargeReportStreamsCSV(t *testing.T) {
	s := newTestServer(t, testFake(3*testThreshold), testConfig(), export.Options{})

	rec := get(s, "/api/reports/users/export")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, export.ContentTypeCSV, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Users.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3*testThreshold+1)
	assert.Equal(t, []string{"ID", "Name"}, records[0])
	assert.Equal(t, []string{"3000", "user 3000"}, records[len(records)-1])
}

func TestExport_RequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"unknown report", "/api/reports/payroll/export", http.StatusNotFound, "RPT001"},
		{"bad from", "/api/reports/users/export?from=01/02/2024", http.StatusBadRequest, "REQ002"},
		{"bad to", "/api/reports/users/export?to=2024-13-01", http.StatusBadRequest, "REQ002"},
		{"inverted range", "/api/reports/users/export?from=2025-01-01&to=2024-01-01", http.StatusBadRequest, "REQ001"},
		{"empty range", "/api/reports/users/export?from=2024-01-01&to=2024-01-01", http.StatusBadRequest, "REQ001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testFake(10), testConfig(), export.Options{})
			rec := get(s, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			assert.Empty(t, rec.Header().Get("Content-Disposition"))
		})
	}
}

func TestExport_SourceFailureBeforeFirstByte(t *testing.T) {
	fake := testFake(3 * testThreshold).FailOpen(errors.New("dial tcp: connection refused"))
	s := newTestServer(t, fake, testConfig(), export.Options{})

	rec := get(s, "/api/reports/users/export")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SRC002", decodeError(t, rec).Code)
	assert.Equal(t, 0, s.service.Limiter().Active())
}

func TestExport_Busy(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{MaxConcurrent: 1})

	held, err := s.service.Export(context.Background(), report.Query{Report: "certificates"})
	require.NoError(t, err)

	rec := get(s, "/api/reports/certificates/export")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "EXP001", decodeError(t, rec).Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	require.NoError(t, held.Discard())
	rec = get(s, "/api/reports/certificates/export")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExport_MidStreamFailureAbortsConnection(t *testing.T) {
	fake := testFake(3*testThreshold).FailAfter("users", 2000, errors.New("connection reset by peer"))
	s := newTestServer(t, fake, testConfig(), export.Options{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/reports/users/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err, "a truncated download must not look complete")

	assert.Eventually(t, func() bool {
		return fake.Live() == 0 && s.service.Limiter().Active() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExport_ClientDisconnectReleasesCursor(t *testing.T) {
	fake := testFake(1_000_000)
	s := newTestServer(t, fake, testConfig(), export.Options{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/reports/users/export")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 64<<10)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool {
		return fake.Live() == 0 && s.service.Limiter().Active() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fake.Opened())
}

func TestBundle(t *testing.T) {
	s := newTestServer(t, testFake(3*testThreshold), testConfig(), export.Options{})

	rec := get(s, "/api/reports/bundle?sections=certificates,users&from=2024-01-01&to=2025-01-01")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, export.ContentTypeZIP, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Reports_2024-01-01_2025-01-01.zip"`,
		rec.Header().Get("Content-Disposition"))

	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "Certificates_2024-01-01_2025-01-01.xlsx", zr.File[0].Name)
	assert.Equal(t, "Users_2024-01-01_2025-01-01.csv", zr.File[1].Name)
	assert.Equal(t, zip.Store, zr.File[0].Method)
	assert.Equal(t, zip.Deflate, zr.File[1].Method)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	records, err := csv.NewReader(rc).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3*testThreshold+1)
}

func TestBundle_RepeatedSectionsParam(t *testing.T) {
	assert.Equal(t, []string{"users", "certificates", "x"},
		parseSections(httptest.NewRequest(http.MethodGet, "/?sections=users&sections=certificates,x", nil)))
}

func TestBundle_RequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   string
	}{
		{"no sections", "/api/reports/bundle", "REQ003"},
		{"blank sections", "/api/reports/bundle?sections=,,", "REQ003"},
		{"duplicate", "/api/reports/bundle?sections=users,USERS", "REQ005"},
		{"unknown", "/api/reports/bundle?sections=users,payroll", "RPT001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testFake(10), testConfig(), export.Options{})
			rec := get(s, tt.target)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			assert.Equal(t, 0, s.service.Limiter().Active())
		})
	}
}

func TestBundle_TooManySections(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{MaxSections: 1})
	rec := get(s, "/api/reports/bundle?sections=users,certificates")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "REQ004", decodeError(t, rec).Code)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RequireAPIKey = true
	cfg.Security.APIKeys = []string{"alpha", "beta"}
	s := newTestServer(t, testFake(10), cfg, export.Options{})

	tests := []struct {
		name   string
		key    string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "AUTH_MISSING_KEY"},
		{"invalid", "gamma", http.StatusForbidden, "AUTH_INVALID_KEY"},
		{"valid", "beta", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Contains(t, rec.Body.String(), tt.code)
			}
		})
	}

	// health stays open
	assert.Equal(t, http.StatusOK, get(s, "/healthz").Code)
}

func TestRateLimit_Exports(t *testing.T) {
	cfg := testConfig()
	cfg.Rate.Enabled = true
	cfg.Rate.ExportLimit = 2
	s := newTestServer(t, testFake(10), cfg, export.Options{})

	for i := 0; i < 2; i++ {
		rec := get(s, "/api/reports/certificates/export")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := get(s, "/api/reports/certificates/export")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE001", decodeError(t, rec).Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// listing has its own, larger budget
	assert.Equal(t, http.StatusOK, get(s, "/api/reports").Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{MaxConcurrent: 3})

	rec := get(s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, export.LimiterStatus{Active: 0, Available: 3, MaxConcurrent: 3}, resp.Exports)
}

func TestHealth_Unavailable(t *testing.T) {
	check := func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }
	s := newTestServer(t, testFake(10), testConfig(), export.Options{}, WithHealthCheck(check))

	rec := get(s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unable to connect to database")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := export.Options{Metrics: export.NewMetrics(reg)}
	s := newTestServer(t, testFake(10), testConfig(), opts, WithGatherer(reg))

	require.Equal(t, http.StatusOK, get(s, "/api/reports/certificates/export").Code)

	rec := get(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "certexport_active_exports 0")
	assert.Contains(t, body, `certexport_exports_total{format="xlsx",outcome="success",report="certificates"} 1`)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, testFake(10), testConfig(), export.Options{})
	rec := get(s, "/healthz")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"ascii", "Users_2024-01-01_2025-01-01.csv",
			`attachment; filename="Users_2024-01-01_2025-01-01.csv"`},
		{"accented", "Café Audits.xlsx",
			`attachment; filename="Cafe Audits.xlsx"; filename*=UTF-8''Caf%C3%A9%20Audits.xlsx`},
		{"non latin", "農場.csv",
			`attachment; filename="__.csv"; filename*=UTF-8''%E8%BE%B2%E5%A0%B4.csv`},
		{"quote", `Farm "North".csv`,
			`attachment; filename="Farm _North_.csv"; filename*=UTF-8''Farm%20%22North%22.csv`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentDisposition(tt.filename))
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"unknown report", fmt.Errorf("lookup: %w", report.ErrUnknownReport), "RPT001", 404},
		{"invalid query", report.ErrInvalidQuery, "REQ001", 400},
		{"invalid date", errInvalidDate, "REQ002", 400},
		{"busy", export.ErrTooManyExports, "EXP001", 503},
		{"deadline", fmt.Errorf("count: %w", context.DeadlineExceeded), "EXP002", 504},
		{"encoding", fmt.Errorf("%w: row 3", export.ErrEncoding), "ENC001", 500},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: Connection refused"), "SRC002", 503},
		{"unknown", errors.New("boom"), "ERR000", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := MapError(tt.err)
			assert.Equal(t, tt.code, msg.Code)
			assert.Equal(t, tt.status, msg.Status)
			assert.NotEmpty(t, msg.Message)
			assert.NotEmpty(t, msg.Action)
		})
	}

	assert.Equal(t, UserMessage{}, MapError(nil))
}

func TestFlushWriter_CountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := newFlushWriter(rec)
	_, err := io.Copy(fw, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), fw.written)
	assert.True(t, rec.Flushed)
}

func TestWithAuthorizer(t *testing.T) {
	only := mw.AuthorizerFunc(func(r *http.Request) error {
		if r.Header.Get("X-Subject") == "" {
			return mw.ErrMissingCredentials
		}
		return nil
	})
	s := newTestServer(t, testFake(10), testConfig(), export.Options{}, WithAuthorizer(only))

	assert.Equal(t, http.StatusUnauthorized, get(s, "/api/reports").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set("X-Subject", "42")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
