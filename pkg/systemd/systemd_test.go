package systemd

import (
	"context"
	"testing"
	"time"

	logx "tabrotate/pkg/logx"
)

func TestUnitName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"chromium":        "chromium.service",
		" kiosk.service ": "kiosk.service",
		"browser.target":  "browser.target",
		"app.v2":          "app.v2.service",
		"":                "",
	}
	for in, want := range tests {
		if got := unitName(in); got != want {
			t.Fatalf("unitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobError(t *testing.T) {
	t.Parallel()
	if err := jobError("restart", "a.service", "done"); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := jobError("restart", "a.service", "failed"); err == nil {
		t.Fatal("failed job returned nil")
	}
}

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := NewNotifier(logx.Nop())
	n.Ready()
	n.Status("idle")
	n.Stopping()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := n.RunWatchdog(ctx, nil); err != nil {
		t.Fatalf("RunWatchdog: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("RunWatchdog blocked without a watchdog")
	}
}
