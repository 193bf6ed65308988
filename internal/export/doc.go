// Package export turns report rows into downloadable files.
//
// The package is independent of HTTP. The web layer and the reportctl CLI
// both drive it through [Service].
//
// # Strategy
//
// Every report goes through the [Selector] exactly once. It counts the rows
// the query would return and picks the output format before reading any row:
//
//   - count > threshold: a [StreamResult]. Rows are pulled from a database
//     cursor and encoded as CSV only as fast as the consumer reads.
//   - count <= threshold: a [DocumentResult]. Rows are fetched in full and laid
//     out in an XLSX workbook, which is serialized when the result is opened.
//
// Both implement [Result], so callers deliver them the same way.
//
// # Archives
//
// The [Composer] writes several results into one ZIP stream. Entries are
// produced strictly one after another, so at most one cursor and one
// workbook are alive at any time no matter how many sections are requested.
// [Composer.Reader] exposes the archive as an io.ReadCloser so the first
// bytes can leave the process while later sections are still being built.
//
// # Resource release
//
// A cursor is released when its encoder reaches EOF, fails, or is closed.
// Closing an archive reader aborts the composer, which closes the entry in
// flight and discards the rest.
//
// # Error Handling
//
// Data-source failures wrap source.ErrUnavailable. Values that cannot be
// represented in the output wrap [ErrEncoding]. Neither is retried here.
package export
