// Package systemd integrates the fdshared daemon with systemd service
// management: sd_notify READY/STOPPING for Type=notify units, and watchdog
// pinging for WatchdogSec health monitoring. All entry points degrade to
// no-ops when the process is not running under systemd.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends sd_notify READY=1, telling systemd initialization is
// complete. Returns true if the notification was actually sent.
func NotifyReady() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	if !sent {
		slog.Debug("systemd notification not available")
	}
	return sent
}

// NotifyStopping sends sd_notify STOPPING=1 at the start of shutdown.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	return sent
}

// HealthCheckFunc reports whether the service is healthy. A false return
// suppresses the next watchdog ping, letting systemd restart the service.
type HealthCheckFunc func() bool

// StartWatchdog starts a goroutine pinging the systemd watchdog every
// half-interval, as recommended by the systemd documentation. It returns
// immediately when WatchdogSec is not configured. The goroutine exits when
// ctx is cancelled.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		slog.Debug("systemd watchdog not enabled")
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog",
		"watchdog_interval", interval,
		"ping_interval", pingInterval,
	)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !healthCheck() {
					slog.Warn("health check failed, skipping watchdog ping")
					continue
				}
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to send watchdog ping", "error", err)
				}
			}
		}
	}()
}

// IsRunningUnderSystemd reports whether the process was started by systemd,
// detected via the NOTIFY_SOCKET environment variable.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
