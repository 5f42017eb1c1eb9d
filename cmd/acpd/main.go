// acpd is the ACP management daemon: it accepts TCP connections on the
// protocol's well-known port, authenticates each over SRP-6a, and serves
// GET_PROPERTY/SET_PROPERTY/RPC/MONITOR/FLASH_PRIMARY exchanges.
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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nyxcore/acpd/internal/acp"
	"github.com/nyxcore/acpd/internal/config"
	acpmetrics "github.com/nyxcore/acpd/internal/metrics"
	"github.com/nyxcore/acpd/internal/server"
	appversion "github.com/nyxcore/acpd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("acpd starting",
		slog.String("version", appversion.Version),
		slog.String("acp_addr", cfg.ACP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := acpmetrics.NewCollector(reg)

	srv, err := newServer(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to build acp server", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, srv, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("acpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("acpd stopped")
	return 0
}

// newServer builds the ACP server, wiring an in-memory property store and,
// when a password is configured, a single "admin" SRP verifier (spec
// section 4.7: the protocol has exactly one administrative account).
func newServer(cfg *config.Config, collector *acpmetrics.Collector, logger *slog.Logger) (*server.Server, error) {
	var verifiers server.VerifierStore
	if cfg.ACP.Password != "" {
		verifier, err := acp.GenerateVerifier(cfg.ACP.Password)
		if err != nil {
			return nil, fmt.Errorf("generate admin verifier: %w", err)
		}
		verifiers = server.StaticVerifier{Username: "admin", Verifier: verifier}
	} else {
		logger.Warn("acp.password not configured, AUTHENTICATE will always fail")
		// A StaticVerifier with no Verifier reports every username as
		// unknown, so every AUTHENTICATE falls through to the decoy-verifier
		// path in handleAuthenticate instead of dereferencing a nil Verifier.
		verifiers = server.StaticVerifier{}
	}

	srv := server.New(cfg.ACP.Addr, server.NewMemoryStore(), verifiers, collector, logger)
	srv.MaxConnections = cfg.ACP.MaxConnections
	return srv, nil
}

// runServers runs the ACP listener and the metrics HTTP server under an
// errgroup with a signal-aware context, returning once both have stopped.
func runServers(
	cfg *config.Config,
	srv *server.Server,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g.Go(func() error {
		logger.Info("acp listener starting", slog.String("addr", cfg.ACP.Addr))
		return srv.Serve(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServeHTTP(gCtx, metricsSrv)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. Exits immediately if no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// handleSIGHUP reloads the dynamic log level on SIGHUP. The ACP listener
// and its in-progress sessions are unaffected by a reload.
func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServeHTTP(ctx context.Context, srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
