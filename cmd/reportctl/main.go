// reportctl exports reports from the command line using the same pipeline
// as the HTTP server.
//
// Usage:
//
//	# List the reports in the catalog
//	reportctl reports
//
//	# Export two reports into ./out, one file each
//	reportctl export users inspections --from 2024-01-01 --to 2025-01-01 -o out
//
//	# Bundle several reports into one ZIP archive
//	reportctl bundle users inspections certificates -o reports.zip
package main

func main() {
	Execute()
}
