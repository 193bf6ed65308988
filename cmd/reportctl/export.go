package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/certexport/internal/export"
)

var exportFlags struct {
	filterFlags
	outDir string
}

var bundleFlags struct {
	filterFlags
	output string
}

var exportCmd = &cobra.Command{
	Use:   "export <report>...",
	Short: "Export reports, one file per report",
	Long: `Export one or more reports into a directory.

Each report is written to its own file, named after the report and the
date range. Reports run concurrently, up to EXPORT_MAX_CONCURRENT at once.

Examples:
  reportctl export users
  reportctl export users inspections --from 2024-01-01 --to 2025-01-01 -o out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

var bundleCmd = &cobra.Command{
	Use:   "bundle <report>...",
	Short: "Export reports into one ZIP archive",
	Long: `Export several reports into a single ZIP archive, in the order given.

Use -o - to write the archive to stdout.

Examples:
  reportctl bundle users inspections -o reports.zip
  reportctl bundle users certificates --subject 42 -o - > farmer-42.zip`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBundle,
}

func init() {
	rootCmd.AddCommand(exportCmd, bundleCmd)

	exportFlags.register(exportCmd)
	exportCmd.Flags().StringVarP(&exportFlags.outDir, "output", "o", ".", "output directory")

	bundleFlags.register(bundleCmd)
	bundleCmd.Flags().StringVarP(&bundleFlags.output, "output", "o", "", "output file, or - for stdout (default: generated name)")
}

func runExport(cmd *cobra.Command, args []string) error {
	q, err := exportFlags.query()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(exportFlags.outDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, logger, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(app.Config.Export.MaxConcurrent)
	for _, key := range args {
		g.Go(func() error {
			res, err := app.Service.Export(ctx, q.ForReport(key))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			path := filepath.Join(exportFlags.outDir, res.Filename())
			n, err := writeFile(ctx, res, path)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			logger.Info("report exported", "report", key, "format", res.Kind().String(), "path", path, "bytes", n)
			return nil
		})
	}
	return g.Wait()
}

func runBundle(cmd *cobra.Command, args []string) error {
	q, err := bundleFlags.query()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, logger, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	bundle, err := app.Service.Bundle(ctx, args, q)
	if err != nil {
		return err
	}

	if bundleFlags.output == "-" {
		return copyTo(ctx, bundle, os.Stdout, logger)
	}

	path := bundleFlags.output
	if path == "" {
		path = bundle.Filename()
	}
	n, err := writeFile(ctx, bundle, path)
	if err != nil {
		return err
	}
	logger.Info("bundle exported", "sections", bundle.Sections(), "path", path, "bytes", n)
	return nil
}

// writeFile writes d next to path and renames it into place once complete,
// so an interrupted export never leaves a file that looks finished.
func writeFile(ctx context.Context, d export.Deliverable, path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		d.Discard()
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := copyDeliverable(ctx, d, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), path)
}

func copyTo(ctx context.Context, d export.Deliverable, w io.Writer, logger *slog.Logger) error {
	n, err := copyDeliverable(ctx, d, w)
	if err != nil {
		return err
	}
	logger.Info("export written", "filename", d.Filename(), "bytes", n)
	return nil
}

func copyDeliverable(ctx context.Context, d export.Deliverable, w io.Writer) (int64, error) {
	rc, err := d.Open(ctx)
	if err != nil {
		d.Discard()
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}
