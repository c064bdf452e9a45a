package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// SettingTabBehavior holds the "keep-tabs" / "close-others" policy.
const SettingTabBehavior = "tab_behavior"

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one handled command.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Transport string    `json:"transport"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// TabSpec is a persisted rotation entry.
type TabSpec struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	IntervalMS int64  `json:"interval_ms"`
}

// RotationSnapshot is the last known rotation position.
// Active=false means nothing should be resumed.
type RotationSnapshot struct {
	Specs   []TabSpec `json:"specs"`
	Index   int       `json:"index"`
	Paused  bool      `json:"paused"`
	Active  bool      `json:"active"`
	SavedAt time.Time `json:"saved_at"`
}
