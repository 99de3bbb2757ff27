// fdshared - descriptor brokerage daemon
//
// fdshared is the long-running supervisor side of fdshare. It launches the
// privileged fdshare-helper, completes the descriptor handshake, and then
// exposes the resulting factory to local clients over a filesystem Unix
// socket: a client sends a JSON open request and receives the opened
// descriptor via SCM_RIGHTS.
//
// Lifecycle:
//  1. Load configuration from /etc/fdshare/config.yaml (or -config path)
//  2. Setup structured JSON logging (with journald forwarding)
//  3. Open the audit store and start the scheduled pruner
//  4. Launch the helper and complete the handshake (factory)
//  5. Start the broker listener for local clients
//  6. Notify systemd that the service is ready (Type=notify)
//  7. Start the watchdog goroutine if systemd provides WatchdogSec
//  8. Wait for SIGTERM/SIGINT, then coordinated shutdown with timeout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fdshare/fdshare/internal/audit"
	"github.com/fdshare/fdshare/internal/broker"
	"github.com/fdshare/fdshare/internal/config"
	"github.com/fdshare/fdshare/internal/factory"
	"github.com/fdshare/fdshare/internal/logging"
	"github.com/fdshare/fdshare/internal/shutdown"
	"github.com/fdshare/fdshare/internal/systemd"
	"github.com/fdshare/fdshare/internal/version"
)

// shutdownTimeout bounds the coordinated shutdown sequence.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	writeConfig := flag.Bool("write-config", false, "write the effective configuration to the config path and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *writeConfig {
		if err := config.Save(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: failed to write configuration to %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		fmt.Println("configuration written to", *configPath)
		os.Exit(0)
	}
	if cfg.HelperPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: helper_path is required in the configuration")
		os.Exit(1)
	}

	logger := logging.SetupLogger(cfg.LogLevel)

	logger.Info("fdshared starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", *configPath),
		slog.String("helper_path", cfg.HelperPath),
		slog.String("broker_socket", cfg.BrokerSocket),
		slog.Bool("ack_failures", cfg.AckFailures),
		slog.Bool("systemd", systemd.IsRunningUnderSystemd()),
	)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fdshared failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	coordinator := shutdown.NewCoordinator(logger)

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	coordinator.Register("audit", auditLog)

	pruner, err := audit.NewPruner(auditLog, cfg.AuditPruneSchedule, cfg.AuditRetentionDays, logger)
	if err != nil {
		return err
	}
	go pruner.Run(ctx)

	fac, err := factory.Start(factory.Options{
		SocketName:  cfg.SocketName,
		HelperPath:  cfg.HelperPath,
		Wrapper:     cfg.HelperWrapper,
		OOMProtect:  cfg.OOMProtect,
		AckFailures: cfg.AckFailures,
		Audit:       auditLog,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("starting helper factory: %w", err)
	}
	coordinator.Register("factory", fac)

	logger.Info("helper ready",
		slog.Int("helper_pid", fac.HelperPID()),
		slog.String("socket_name", fac.SocketName()),
	)

	srv := broker.NewServer(fac, logger)
	if err := srv.Listen(cfg.BrokerSocket); err != nil {
		return err
	}
	// Registered before the broker so it runs after it (LIFO): the socket
	// file must outlive the listener, not the other way around.
	coordinator.Register("broker-socket", shutdown.ShutdownFunc(func(context.Context) error {
		if err := os.Remove(cfg.BrokerSocket); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}))
	coordinator.Register("broker", srv)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	systemd.NotifyReady()
	systemd.StartWatchdog(ctx, fac.Alive)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("broker stopped", slog.String("error", err.Error()))
		}
	}

	systemd.NotifyStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("fdshared stopped")
	return nil
}
