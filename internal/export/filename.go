package export

import (
	"strings"
	"time"

	"github.com/JonMunkholm/certexport/internal/report"
)

var filenameReplacer = strings.NewReplacer(
	"/", "-", `\`, "-", ":", "-", "\x00", "", "\n", " ", "\r", " ", `"`, "'",
)

// Filename builds the download name of an export:
//
//	<display name>[_<from>][_<to>]<ext>
//
// Open-ended ranges use "start" or "end" for the missing bound. The name
// depends only on its inputs, so an entry inside an archive carries the same
// name as the file exported on its own.
func Filename(displayName string, q report.Query, ext string) string {
	name := strings.TrimSpace(filenameReplacer.Replace(displayName))
	if name == "" {
		name = "export"
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		name += "_" + dateOr(q.From, "start") + "_" + dateOr(q.To, "end")
	}
	return name + ext
}

// BundleFilename is the download name of a multi-report archive.
func BundleFilename(q report.Query) string {
	return Filename("Reports", q, ".zip")
}

func dateOr(t time.Time, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	return t.Format(time.DateOnly)
}
