package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/certexport/internal/logging"
	"github.com/JonMunkholm/certexport/internal/report"
)

// reportInfo describes one report in GET /api/reports.
type reportInfo struct {
	Key         string       `json:"key"`
	DisplayName string       `json:"displayName"`
	Version     int          `json:"version"`
	Columns     []columnInfo `json:"columns"`
}

type columnInfo struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

type reportsResponse struct {
	Reports   []reportInfo `json:"reports"`
	Threshold int64        `json:"threshold"`
}

// handleListReports returns the catalog.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	defs := s.service.Reports()
	resp := reportsResponse{
		Reports:   make([]reportInfo, 0, len(defs)),
		Threshold: s.service.Threshold(),
	}
	for _, def := range defs {
		info := reportInfo{
			Key:         def.Key,
			DisplayName: def.DisplayName,
			Version:     def.Version,
			Columns:     make([]columnInfo, 0, len(def.Columns)),
		}
		for _, col := range def.Columns {
			info.Columns = append(info.Columns, columnInfo{Label: col.Label, Key: col.Key})
		}
		resp.Reports = append(resp.Reports, info)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleExport streams one report as CSV or XLSX, whichever the row count
// selects.
//
// Query parameters: from, to (YYYY-MM-DD, to exclusive), subject.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	q.Report = chi.URLParam(r, "report")

	ctx, cancel, exportID := s.exportContext(r)
	defer cancel()
	r = r.WithContext(ctx)

	res, err := s.service.Export(ctx, q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer res.Discard()

	logger := logging.FromContext(ctx).With("report", q.Report, "format", res.Kind().String())
	deliver(w, r, res, exportID, logger)
}

// handleBundle streams several reports as one ZIP archive.
//
// Query parameters: sections (comma-separated or repeated), from, to, subject.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	keys := parseSections(r)

	ctx, cancel, exportID := s.exportContext(r)
	defer cancel()
	r = r.WithContext(ctx)

	bundle, err := s.service.Bundle(ctx, keys, q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer bundle.Discard()

	logger := logging.FromContext(ctx).With("sections", strings.Join(bundle.Sections(), ","))
	deliver(w, r, bundle, exportID, logger)
}

// exportContext bounds an export by EXPORT_TIMEOUT and tags it with a fresh
// export ID for logs and the X-Export-ID header.
func (s *Server) exportContext(r *http.Request) (context.Context, context.CancelFunc, string) {
	exportID := uuid.NewString()
	ctx := logging.WithExportID(r.Context(), exportID)
	if s.cfg.Export.Timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Export.Timeout)
		return ctx, cancel, exportID
	}
	ctx, cancel := context.WithCancel(ctx)
	return ctx, cancel, exportID
}

// parseQuery reads the shared filters. Report is left for the caller.
func parseQuery(r *http.Request) (report.Query, error) {
	v := r.URL.Query()
	var q report.Query

	from, err := parseDate("from", v.Get("from"))
	if err != nil {
		return q, err
	}
	to, err := parseDate("to", v.Get("to"))
	if err != nil {
		return q, err
	}

	q.From = from
	q.To = to
	q.SubjectID = strings.TrimSpace(v.Get("subject"))
	return q, nil
}

func parseDate(name, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q", errInvalidDate, name, value)
	}
	return t, nil
}

// parseSections accepts ?sections=a,b as well as ?sections=a&sections=b.
// Validation of the keys is left to the service.
func parseSections(r *http.Request) []string {
	var keys []string
	for _, v := range r.URL.Query()["sections"] {
		keys = append(keys, strings.Split(v, ",")...)
	}
	return keys
}
