package export

import "errors"

var (
	// ErrEncoding is returned when a row value cannot be written to the output.
	ErrEncoding = errors.New("encoding error")

	// ErrResultConsumed is returned when a result is opened a second time.
	ErrResultConsumed = errors.New("export result already consumed")

	// ErrDocumentFinalized is returned when a sheet is added after the
	// workbook has been serialized.
	ErrDocumentFinalized = errors.New("document already finalized")

	// ErrDuplicateEntry is returned when two archive entries share a name.
	ErrDuplicateEntry = errors.New("duplicate archive entry")

	// ErrNoSections is returned for a bundle request without sections.
	ErrNoSections = errors.New("no report sections requested")

	// ErrTooManySections is returned when a bundle exceeds the configured section limit.
	ErrTooManySections = errors.New("too many report sections")
)
