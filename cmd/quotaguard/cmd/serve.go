package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpapi "github.com/quotaguard/quotaguard/internal/adapter/inbound/http"
	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/service"
	"github.com/quotaguard/quotaguard/internal/telemetry"
)

var (
	serveTLSCert string
	serveTLSKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the HTTP service.

The service answers POST /v1/check and the quota, abuse, stats and admin
endpoints, exposes Prometheus metrics on /metrics and health on /health.

Admin endpoints require a bearer key when server.admin_keys is set.
SIGINT and SIGTERM shut down gracefully. SIGHUP reloads the policy file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server, cfg.DevMode, os.Stderr)
	slog.SetDefault(logger)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default handling so a second Ctrl+C kills immediately.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("quotaguard stopped")
	return nil
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     "quotaguard",
		ServiceVersion:  Version,
		Tracing:         cfg.Telemetry.Tracing,
		Metrics:         cfg.Telemetry.Metrics,
		MetricsInterval: config.Duration(cfg.Telemetry.MetricsInterval, time.Minute),
	}, telemetryWriter(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStack(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("failed to close stores", "error", err)
		}
	}()
	st.startBackground(ctx)

	sinks, err := openEventSinks(cfg.Events, st.redis, logger)
	if err != nil {
		return err
	}
	events := newEventService(cfg.Events, sinks, st.metrics, logger)
	events.Start(ctx)
	// Runs before the stores close: the redis stream shares their client.
	defer func() {
		events.Stop()
		if err := sinks.store.Close(); err != nil {
			logger.Warn("failed to close event sinks", "error", err)
		}
	}()

	if cfg.Policy.File != "" {
		if cfg.Policy.Watch {
			if err := st.policy.Watch(ctx); err != nil {
				logger.Warn("policy watch disabled", "error", err)
			}
		}
		watchReloadSignal(ctx, st.policy, logger)
	}

	stats := service.NewStatsService()
	orch := st.orchestrator(service.WithEvents(events), service.WithStats(stats))

	keys, err := adminKeyRing(cfg.Server.AdminKeys)
	if err != nil {
		return err
	}
	var verifier httpapi.KeyVerifier
	if keys != nil {
		verifier = keys
	} else {
		logger.Warn("no admin keys configured, admin endpoints are open")
	}

	trusted, err := httpapi.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	health := httpapi.NewHealthChecker(st.primary, fallbackPinger(st), st.policy, events, Version)
	opts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.HTTPAddr),
		httpapi.WithLogger(logger),
		httpapi.WithRegistry(registry),
		httpapi.WithHealthChecker(health),
		httpapi.WithTrustedProxies(trusted),
		httpapi.WithAdminMiddleware(
			httpapi.RateLimitMiddleware(orch, httpapi.AdminEndpointClass, httpapi.IdentifyByIP(cfg.Server.AdminTier)),
			httpapi.AdminAuthMiddleware(verifier),
		),
		httpapi.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second)),
	}
	if serveTLSCert != "" && serveTLSKey != "" {
		opts = append(opts, httpapi.WithTLS(serveTLSCert, serveTLSKey))
	}
	server := httpapi.NewServer(httpapi.NewAPI(orch, st.policy, sinks.ring, httpapi.WithStatsService(stats)), opts...)

	logger.Info("quotaguard starting",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"store", st.store.Name(),
		"policy", st.policy.Fingerprint(),
		"dev_mode", cfg.DevMode,
	)
	return server.Start(ctx)
}

// fallbackPinger avoids handing the health checker a typed nil.
func fallbackPinger(st *stack) httpapi.Pinger {
	if st.fallback == nil {
		return nil
	}
	return st.fallback
}

// telemetryWriter keeps exported spans off stdout when stdout carries events.
func telemetryWriter(cfg *config.Config) io.Writer {
	if cfg.Events.Output == "stdout" {
		return os.Stderr
	}
	return os.Stdout
}

// watchReloadSignal reloads the policy on SIGHUP until ctx is cancelled.
func watchReloadSignal(ctx context.Context, policySvc *service.PolicyService, logger *slog.Logger) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				logger.Info("reloading policy on signal")
				// Reload logs its own failures and keeps the previous snapshot.
				_, _ = policySvc.Reload(ctx)
			}
		}
	}()
}
