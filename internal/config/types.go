package config

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	HTTP         HTTPConfig         `json:"http"`
	Browser      BrowserConfig      `json:"browser"`
	Rotation     RotationConfig     `json:"rotation"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
}

// TelegramConfig controls the owner-only bot transport.
// The transport stays off unless Enabled is set and Token is non-empty.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	Alerts AlertsConfig `json:"alerts"`
}

// AlertsConfig pushes rotation and browser events to chats.
//
// Example:
//
//	"alerts": { "enabled": true, "events": ["rotation.activate_failed", "host."] }
type AlertsConfig struct {
	Enabled bool    `json:"enabled"`
	ChatIDs []int64 `json:"chat_ids,omitempty"` // default: owner_user_ids
	// Events are event type prefixes; empty selects failures and stops.
	Events      []string `json:"events,omitempty"`
	DedupWindow string   `json:"dedup_window,omitempty"` // default: "5m"
	RatePerSec  int      `json:"rate_per_sec,omitempty"` // default: 1
	RetryMax    int      `json:"retry_max,omitempty"`    // 0 means 3
}

// HTTPConfig controls the JSON control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7317").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7317"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ on the same listener (token rules apply).
	Pprof bool `json:"pprof,omitempty"`
}

// BrowserConfig selects the host tab driver.
//
// driver:
//   - "cdp": Chrome DevTools Protocol (default)
//   - "memory": in-process tab table, for dry runs
//
// mode (cdp only):
//   - "remote": attach to a running browser at endpoint (http://host:port or ws://...)
//   - "launch": start a browser via exec_path (or the default lookup)
type BrowserConfig struct {
	Driver        string `json:"driver"`
	Mode          string `json:"mode,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	ExecPath      string `json:"exec_path,omitempty"`
	Headless      bool   `json:"headless,omitempty"`
	UserDataDir   string `json:"user_data_dir,omitempty"`
	ProbeInterval string `json:"probe_interval,omitempty"` // default: "10s"
	CallTimeout   string `json:"call_timeout,omitempty"`   // default: "5s"

	// Unit is a systemd unit running the browser (remote mode). After
	// RestartAfter consecutive failed probes (default 3) it is restarted.
	Unit         string `json:"unit,omitempty"`
	UnitScope    string `json:"unit_scope,omitempty"` // "system" (default) or "user"
	RestartAfter int    `json:"restart_after,omitempty"`
}

// TabSpec is a desired rotation entry. Interval is a Go duration string.
type TabSpec struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Interval string `json:"interval"`
}

type RotationConfig struct {
	// DefaultInterval applies to configured tabs without an interval.
	DefaultInterval string `json:"default_interval,omitempty"` // default: "30s"
	// ActivateTimeout bounds a single activation call. "0s" disables.
	ActivateTimeout string `json:"activate_timeout,omitempty"`

	// TabBehavior is the fallback policy when storage has none:
	// "keep-tabs" (default) or "close-others".
	TabBehavior string `json:"tab_behavior,omitempty"`

	ResumeOnRestart bool `json:"resume_on_restart,omitempty"`
	// Autostart starts the configured tabs on boot when nothing was restored.
	Autostart bool `json:"autostart,omitempty"`

	Tabs     []TabSpec      `json:"tabs,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
}

// ScheduleConfig holds optional cron triggers (5 or 6 fields, or descriptors
// like "@daily"). Empty expressions are disabled.
type ScheduleConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Start    string `json:"start,omitempty"`
	Stop     string `json:"stop,omitempty"`
}

type ProvisioningConfig struct {
	MaxParallel    int             `json:"max_parallel,omitempty"` // default: 4
	RateLimit      RateLimitConfig `json:"rate_limit,omitempty"`
	BlockedDomains []string        `json:"blocked_domains,omitempty"`
}

// RateLimitConfig allows Limit tab-creation batches per Window.
// Limit <= 0 disables the limiter.
type RateLimitConfig struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"` // default: "1m"
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tabrotate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
