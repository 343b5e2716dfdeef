// Command icapd is the ICAP content-adaptation server: it loads
// configuration, wires the filter pipeline and audit/metrics egress, and
// serves REQMOD/RESPMOD/OPTIONS until a termination signal arrives.
//
// Grounded on ppomes-TokenShield/icap-server-go/main.go's main/Start (env-var
// defaulted config, listen-and-serve, fatal on listen failure), generalized
// with signal-driven graceful shutdown rather than letting the process be
// killed mid-transaction.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tokenshield/icap/internal/audit"
	"github.com/tokenshield/icap/internal/config"
	"github.com/tokenshield/icap/internal/filters/tokenshield"
	"github.com/tokenshield/icap/internal/metrics"
	"github.com/tokenshield/icap/internal/pipeline"
	"github.com/tokenshield/icap/internal/server"
)

func main() {
	var cfgFile string
	flag.StringVar(&cfgFile, "config", "", "path to icapd.yaml (optional; defaults and env vars apply otherwise)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(cfgFile, logger); err != nil {
		logger.Error("icapd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfgFile string, logger *slog.Logger) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sink, err := buildAuditSink(cfg)
	if err != nil {
		return fmt.Errorf("building audit sink: %w", err)
	}
	defer sink.Close()

	stages, err := buildStages(cfg, logger)
	if err != nil {
		return fmt.Errorf("building filter stages: %w", err)
	}

	reg := metrics.New()
	srv := server.New(cfg, stages, sink, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections", "grace", cfg.ShutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func buildAuditSink(cfg config.Config) (audit.Sink, error) {
	if cfg.AuditPath == "" {
		return audit.NopSink{}, nil
	}
	return audit.NewFileSink(cfg.AuditPath, 100, cfg.AuditQueueSize)
}

// buildStages assembles the ordered filter chain. tokenshield is wired only
// when a DSN is configured; an unconfigured deployment still serves a valid
// passthrough OPTIONS/REQMOD/RESPMOD pipeline.
func buildStages(cfg config.Config, logger *slog.Logger) ([]pipeline.Stage, error) {
	if cfg.TokenShieldDSN == "" {
		return nil, nil
	}
	stage, err := tokenshield.New(tokenshield.Options{
		DSN:           cfg.TokenShieldDSN,
		EncryptionKey: cfg.TokenShieldKey,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return []pipeline.Stage{stage}, nil
}
