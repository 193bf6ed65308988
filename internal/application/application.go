// Package application wires configuration, the report catalog, the data
// source and the export service into one value shared by the server and the
// command-line tool.
package application

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JonMunkholm/certexport/internal/config"
	"github.com/JonMunkholm/certexport/internal/export"
	"github.com/JonMunkholm/certexport/internal/report"
	"github.com/JonMunkholm/certexport/internal/source"
)

// App holds the wired export pipeline.
type App struct {
	Config   *config.Config
	Catalog  *report.Catalog
	Service  *export.Service
	Registry *prometheus.Registry

	ping  func(ctx context.Context) error
	close func()
}

// New connects to the configured database and builds the export service.
// The caller must call Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	catalog, err := report.LoadCatalogFile(cfg.Export.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("report catalog loaded", "reports", catalog.Len(), "keys", catalog.Keys())

	app := &App{
		Config:   cfg,
		Catalog:  catalog,
		Registry: prometheus.NewRegistry(),
	}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	src, err := app.openSource(ctx, cfg.Database, catalog)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "driver", cfg.Database.Driver())

	app.Service = export.NewService(catalog, src, export.Options{
		Threshold:     cfg.Export.RowThreshold,
		MaxConcurrent: cfg.Export.MaxConcurrent,
		MaxWait:       cfg.Export.MaxWaitTime,
		MaxSections:   cfg.Export.MaxSections,
		CSVBOM:        cfg.Export.CSVBOM,
		Metrics:       export.NewMetrics(app.Registry),
		Logger:        logger,
	})
	return app, nil
}

// Ping checks that the database is reachable.
func (a *App) Ping(ctx context.Context) error {
	if err := a.ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", source.ErrUnavailable, err)
	}
	return nil
}

// Close releases the database connections.
func (a *App) Close() {
	if a.close != nil {
		a.close()
	}
}

func (a *App) openSource(ctx context.Context, cfg config.DatabaseConfig, catalog *report.Catalog) (source.Source, error) {
	switch cfg.Driver() {
	case config.DriverPostgres:
		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.ping, a.close = pool.Ping, pool.Close
		return source.NewPostgres(pool, catalog), nil

	case config.DriverSQLite:
		db, err := sql.Open(config.DriverSQLite, cfg.SQLiteDSN())
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetConnMaxLifetime(cfg.MaxConnLifetime)
		db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		a.ping, a.close = db.PingContext, func() { db.Close() }
		return source.NewSQL(db, catalog, report.Question), nil

	default:
		return nil, fmt.Errorf("unsupported database URL scheme")
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
