// Package sdnotify reports daemon lifecycle to systemd when running under
// Type=notify. Every call is a no-op outside systemd (NOTIFY_SOCKET unset).
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished.
func Ready() { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status publishes the one-line status shown by systemctl status.
func Status(msg string) { _, _ = daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is canceled. Returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context) {
	ivl, err := daemon.SdWatchdogEnabled(false)
	if err != nil || ivl <= 0 {
		return
	}
	t := time.NewTicker(ivl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
