package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payrollbridge/app"
	"payrollbridge/auth"
	"payrollbridge/config"
	"payrollbridge/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("payroll api stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("PAYROLL_CONFIG")
	if configPath == "" {
		configPath = "payroll.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tokens, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &Server{
		runService:     a.Orchestrator,
		confirmService: a.Confirmer,
		ledger:         a.Ledger,
		tokens:         tokens,
		observer:       a.Metrics,
		metricsHandler: metrics.Handler(),
		logger:         logger.With("module", "api"),
		defaultPeriod:  cfg.DefaultPeriod,
	}
	if a.Notifier != nil {
		server.reporter = a.Notifier
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payroll api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("shutting down payroll api")
	return httpServer.Shutdown(shutdownCtx)
}
