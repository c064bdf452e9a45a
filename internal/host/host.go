// Package host is the browser tab API the rotation core drives.
//
// Two drivers exist: "cdp" talks to Chrome over the DevTools protocol,
// "memory" keeps an in-process tab table (dry runs, tests).
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "tabrotate/pkg/logx"
)

var (
	// ErrUnavailable means the tab capability itself is gone (no browser
	// connection), as opposed to a single failed call.
	ErrUnavailable = errors.New("host tab api unavailable")
	ErrNotFound    = errors.New("tab not found")
)

// Events published around a Recover call.
const (
	EventRecovering    = "host.recovering"
	EventRecoverFailed = "host.recover_failed"
)

// RecoverEvent is the payload of the host recovery events.
type RecoverEvent struct {
	Unit  string `json:"unit"`
	Error string `json:"error,omitempty"`
}

// Tab is an open host tab. ID is host-assigned and > 0.
type Tab struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Tabs is the host tab capability.
type Tabs interface {
	Available() bool
	CreateTab(ctx context.Context, url string) (Tab, error)
	ActivateTab(ctx context.Context, id int64) error
	QueryAllTabs(ctx context.Context) ([]Tab, error)
	RemoveTab(ctx context.Context, id int64) error
}

// Driver is a Tabs implementation with a connection lifecycle.
// Run keeps the connection healthy until ctx is done.
type Driver interface {
	Tabs
	Run(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver        string
	Mode          string // cdp: "remote" or "launch"
	Endpoint      string
	ExecPath      string
	Headless      bool
	UserDataDir   string
	ProbeInterval time.Duration
	CallTimeout   time.Duration

	// Recover runs after RecoverAfter consecutive failed probes (cdp only),
	// e.g. restarting the browser's systemd unit. Nil disables it.
	Recover      func(ctx context.Context) error
	RecoverAfter int
}

// Open builds the configured driver. It does not connect; Run does.
func Open(cfg Config, log logx.Logger) (Driver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 3
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "host"), logx.String("driver", driver))
	switch driver {
	case "", "cdp":
		return newCDP(cfg, log), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown browser driver: %q", cfg.Driver)
	}
}
