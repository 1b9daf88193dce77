// Entry point for the certmill HTTP service: spreadsheet upload, external
// worker supervision and WebSocket progress delivery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/certmill/certmill/config"
	"github.com/certmill/certmill/dbopen"
	"github.com/certmill/certmill/httpapi"
	"github.com/certmill/certmill/jobs"
	"github.com/certmill/certmill/mailer"
	"github.com/certmill/certmill/notify"
	"github.com/certmill/certmill/observability"
	"github.com/certmill/certmill/store"
)

const (
	sweepInterval    = time.Minute
	obsCleanupPeriod = 24 * time.Hour
	obsHTTPLogsDays  = 30
	obsEventLogsDays = 90
	shutdownTimeout  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "certmill.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("certmill exited", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	for _, dir := range []string{cfg.UploadsDir, cfg.OutputsDir, cfg.TemplatesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	obsDB, err := dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open observability db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	events := observability.NewEventLogger(obsDB)

	registry := notify.NewRegistry(
		notify.WithRetention(cfg.Retention.Std()),
		notify.WithLogger(logger))
	defer registry.Close()

	gateway := notify.NewGateway(registry, notify.WithGatewayLogger(logger))

	sup, err := jobs.NewSupervisor(cfg.WorkerCmd, registry,
		jobs.WithHistory(st),
		jobs.WithSupervisorLogger(logger))
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}
	defer sup.Close()

	var mail mailer.Mailer = mailer.Disabled{}
	if cfg.SMTP.Enabled() {
		mail = mailer.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	}

	api, err := httpapi.New(httpapi.Config{
		Store:        st,
		Supervisor:   sup,
		Gateway:      gateway,
		Mailer:       mail,
		Events:       events,
		JWTSecret:    []byte(cfg.JWTSecret),
		UploadsDir:   cfg.UploadsDir,
		OutputsDir:   cfg.OutputsDir,
		TemplatesDir: cfg.TemplatesDir,
		MaxUpload:    cfg.MaxUploadBytes(),
		RequestsTo:   cfg.SMTP.To,
	}, httpapi.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		registry.Run(gctx, sweepInterval)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(obsCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				err := observability.Cleanup(gctx, obsDB, observability.RetentionConfig{
					HTTPLogsDays:  obsHTTPLogsDays,
					EventLogsDays: obsEventLogsDays,
				})
				if err != nil {
					slog.Warn("observability cleanup", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
