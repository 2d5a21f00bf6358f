package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mjc/reencodarr/internal/database"
	"github.com/mjc/reencodarr/internal/database/migrations"
	"github.com/mjc/reencodarr/internal/events"
	internalhttp "github.com/mjc/reencodarr/internal/http"
	"github.com/mjc/reencodarr/internal/ingest"
	"github.com/mjc/reencodarr/internal/pipeline"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/mjc/reencodarr/internal/stats"
	"github.com/mjc/reencodarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reencodarr server",
	Long: `Start the pipeline supervisor and the operator HTTP API.

The server provides:
- The three-stage encode pipeline (analyze, crf-search, encode)
- Periodic library scanning
- REST API for queue inspection and per-stage pause/resume
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	initLogging(cfg)
	logger := slog.Default()

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	videos := repository.NewVideoRepository(db.DB)
	vmafs := repository.NewVmafRepository(db.DB)
	failures := repository.NewFailureRepository(db.DB)
	libraries := repository.NewLibraryRepository(db.DB)
	services := repository.NewServiceConfigRepository(db.DB)

	bus := events.NewBus(logger)
	defer bus.Close()

	supervisor, err := pipeline.NewSupervisor(cfg, db.DB, bus, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	collector := stats.NewCollector(videos, failures, bus, logger)
	collector.Start()
	defer collector.Stop()

	scanner := ingest.NewScanner(libraries, videos, supervisor, logger).
		WithSchedule(cfg.Ingest.ScanSchedule).
		WithMinFileSize(cfg.Ingest.MinFileSize.Int64())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer supervisor.Stop()

	if err := scanner.Start(ctx); err != nil {
		return fmt.Errorf("scheduling library scans: %w", err)
	}
	defer scanner.Stop()

	if cfg.Ingest.ScanOnStart {
		go func() {
			if _, err := scanner.ScanAll(ctx); err != nil {
				logger.Error("startup scan failed", slog.String("error", err.Error()))
			}
		}()
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	internalhttp.RegisterHandlers(server, internalhttp.Dependencies{
		DB:        db.DB,
		Bus:       bus,
		Videos:    videos,
		Vmafs:     vmafs,
		Failures:  failures,
		Libraries: libraries,
		Services:  services,
		Stats:     collector,
		Pipeline:  supervisor,
		Scanner:   scanner,
		Version:   version.Version,
	})

	logger.Info("starting reencodarr server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}
