package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/certexport/internal/application"
	"github.com/JonMunkholm/certexport/internal/config"
	"github.com/JonMunkholm/certexport/internal/logging"
	"github.com/JonMunkholm/certexport/internal/report"
)

var (
	// Global flags
	envFile     string
	catalogPath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "Export certification reports as CSV, XLSX or ZIP",
	Long: `reportctl runs report exports without the HTTP server.

Reports with more rows than EXPORT_ROW_THRESHOLD are streamed as CSV;
smaller ones are written as XLSX workbooks. Database and export settings
come from the same environment variables as the server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load if present")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "report catalog YAML (default: built-in)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the environment, applying the global flags on top.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if catalogPath != "" {
		cfg.Export.CatalogPath = catalogPath
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration and connects to the database.
func openApp(ctx context.Context) (*application.App, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app, logger, nil
}

// filterFlags are shared by export and bundle.
type filterFlags struct {
	from    string
	to      string
	subject string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "inclusive start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "exclusive end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.subject, "subject", "", "restrict to one farmer, auditor or user ID")
}

func (f *filterFlags) query() (report.Query, error) {
	var q report.Query
	var err error
	if q.From, err = parseDate("from", f.from); err != nil {
		return q, err
	}
	if q.To, err = parseDate("to", f.to); err != nil {
		return q, err
	}
	q.SubjectID = f.subject
	return q, nil
}

func parseDate(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: use YYYY-MM-DD", name, value)
	}
	return t, nil
}
