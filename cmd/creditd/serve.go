package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/cycle"
	"github.com/MarkoPoloResearchLab/credits/internal/healthprobe"
	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/oplog"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the optional reset scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagHealthAddr, defaultHealthAddr, "gRPC health listen address")
	cmd.Flags().String(flagSweepSecret, "", "shared secret required by POST /reset-sweep")
	cmd.Flags().Duration(flagSweepInterval, 0, "in-process reset sweep interval (0 disables)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "tauth session signing key")
	cmd.Flags().String(flagJWTIssuer, "tauth", "tauth session issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "tauth session cookie name")

	return cmd
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectorSet := metrics.New(registry)

	ledger, err := openLedger(ctx, cfg, credits.MultiLogger{oplog.New(logger), collectorSet})
	if err != nil {
		return err
	}
	defer func() { _ = ledger.close() }()

	sweeper := cycle.NewSweeper(cycle.SweeperConfig{
		Lister:   ledger.store,
		Resetter: ledger.service,
		Logger:   logger,
		Recorder: collectorSet,
	})
	if cfg.SweepInterval > 0 {
		scheduler := cycle.NewScheduler(cycle.SchedulerConfig{Sweeper: sweeper, Interval: cfg.SweepInterval})
		scheduler.Start(ctx)
		defer scheduler.Stop()
		logger.Info("reset scheduler enabled", zap.Duration("interval", cfg.SweepInterval))
	}

	server, err := httpapi.NewServer(cfg.httpConfig(), httpapi.Dependencies{
		Ledger:  ledger.service,
		Sweeper: sweeper,
		Metrics: collectorSet,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	probe := healthprobe.New(healthprobe.Config{Pinger: ledger.store, Logger: logger, Timeout: 2 * time.Second})
	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("credits ledger starting",
		zap.String("store", cfg.Store),
		zap.String("cycle", string(ledger.policy.Cycle.Kind())),
		zap.Int("operations", ledger.policy.Costs.Len()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		probe.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return probe.Serve(groupCtx, healthListener)
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	err = group.Wait()
	logger.Info("shutdown complete")
	return err
}
