package web

// error_messages.go maps export errors to user-facing messages with codes
// for support reference.
//
// # Error Codes Reference
//
// # Report Errors (RPT001-RPT099)
//
//	RPT001 - Unknown report: the requested report does not exist (404)
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Invalid filters: from must be before to (400)
//	REQ002 - Invalid date: dates must use YYYY-MM-DD (400)
//	REQ003 - No sections: a bundle needs at least one report (400)
//	REQ004 - Too many sections: bundle exceeds EXPORT_MAX_SECTIONS (400)
//	REQ005 - Duplicate section: a report was requested twice (400)
//
// # Export Errors (EXP001-EXP099)
//
//	EXP001 - System busy: every export slot is taken (503)
//	EXP002 - Export timed out: EXPORT_TIMEOUT elapsed (504)
//	EXP003 - Export cancelled: the client went away (503)
//
// # Encoding Errors (ENC001-ENC099)
//
//	ENC001 - Encoding error: a value cannot be written to the file (500)
//
// # Source Errors (SRC001-SRC099)
//
//	SRC001 - Database unavailable (503)
//	SRC002 - Connection refused (503)
//	SRC003 - Connection reset (503)
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests (429)
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: check the server log for the request ID (500)
//
// # Matching
//
// Sentinel errors are matched with errors.Is first, in table order. Driver
// errors that carry no sentinel fall back to case-insensitive substring
// patterns. The first match wins, so more specific entries come first.

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/certexport/internal/export"
	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

var (
	errInvalidDate = errors.New("invalid date")
	errRateLimited = errors.New("rate limit exceeded")
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
	Status  int    // HTTP status to respond with
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

// sentinelMessages is checked in order; the first errors.Is match wins.
var sentinelMessages = []sentinelMessage{
	{report.ErrUnknownReport, UserMessage{
		Message: "Report not found",
		Action:  "Check the report name against GET /api/reports",
		Code:    "RPT001",
		Status:  http.StatusNotFound,
	}},
	{report.ErrInvalidQuery, UserMessage{
		Message: "Invalid report filters",
		Action:  "Make sure 'from' is before 'to'",
		Code:    "REQ001",
		Status:  http.StatusBadRequest,
	}},
	{errInvalidDate, UserMessage{
		Message: "Invalid date",
		Action:  "Use the YYYY-MM-DD format for 'from' and 'to'",
		Code:    "REQ002",
		Status:  http.StatusBadRequest,
	}},
	{export.ErrNoSections, UserMessage{
		Message: "No reports selected",
		Action:  "Pass at least one report in 'sections'",
		Code:    "REQ003",
		Status:  http.StatusBadRequest,
	}},
	{export.ErrTooManySections, UserMessage{
		Message: "Too many reports in one bundle",
		Action:  "Split the request into smaller bundles",
		Code:    "REQ004",
		Status:  http.StatusBadRequest,
	}},
	{export.ErrDuplicateEntry, UserMessage{
		Message: "A report was selected more than once",
		Action:  "List each report only once",
		Code:    "REQ005",
		Status:  http.StatusBadRequest,
	}},
	{export.ErrTooManyExports, UserMessage{
		Message: "Too many exports in progress",
		Action:  "Please wait a moment and try again",
		Code:    "EXP001",
		Status:  http.StatusServiceUnavailable,
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Export timed out",
		Action:  "Narrow the date range or try again later",
		Code:    "EXP002",
		Status:  http.StatusGatewayTimeout,
	}},
	{context.Canceled, UserMessage{
		Message: "Export cancelled",
		Action:  "Please try again",
		Code:    "EXP003",
		Status:  http.StatusServiceUnavailable,
	}},
	{export.ErrEncoding, UserMessage{
		Message: "The report contains data that cannot be exported",
		Action:  "Contact support with the error code and request ID",
		Code:    "ENC001",
		Status:  http.StatusInternalServerError,
	}},
	{errRateLimited, UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
		Status:  http.StatusTooManyRequests,
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns covers driver errors that reach the handler unwrapped.
var errorPatterns = []errorPattern{
	{"connection refused", UserMessage{
		Message: "Unable to connect to database",
		Action:  "Please try again in a few moments",
		Code:    "SRC002",
		Status:  http.StatusServiceUnavailable,
	}},
	{"connection reset", UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Please try again",
		Code:    "SRC003",
		Status:  http.StatusServiceUnavailable,
	}},
}

// unavailableMessage is used for source.ErrUnavailable without a more
// specific pattern.
var unavailableMessage = UserMessage{
	Message: "Database unavailable",
	Action:  "Please try again in a few moments",
	Code:    "SRC001",
	Status:  http.StatusServiceUnavailable,
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
	Status:  http.StatusInternalServerError,
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	if errors.Is(err, source.ErrUnavailable) {
		return unavailableMessage
	}
	return defaultMessage
}
