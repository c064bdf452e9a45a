package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	BehaviorKeepTabs    = "keep-tabs"
	BehaviorCloseOthers = "close-others"
)

// ValidBehavior reports whether s names a known tab-behavior policy.
func ValidBehavior(s string) bool {
	switch strings.TrimSpace(s) {
	case BehaviorKeepTabs, BehaviorCloseOthers:
		return true
	}
	return false
}

// Validate checks field values that the JSON decoder cannot.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" && len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids: at least one owner is required"))
	}
	dur("telegram.alerts.dedup_window", cfg.Telegram.Alerts.DedupWindow)
	if cfg.Telegram.Alerts.RatePerSec < 0 || cfg.Telegram.Alerts.RetryMax < 0 {
		errs = append(errs, errors.New("telegram.alerts: rate_per_sec and retry_max must be >= 0"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Browser.Driver)) {
	case "", "cdp", "memory":
	default:
		errs = append(errs, fmt.Errorf("browser.driver: unknown driver %q", cfg.Browser.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Browser.Mode)) {
	case "", "remote", "launch":
	default:
		errs = append(errs, fmt.Errorf("browser.mode: unknown mode %q", cfg.Browser.Mode))
	}
	dur("browser.probe_interval", cfg.Browser.ProbeInterval)
	dur("browser.call_timeout", cfg.Browser.CallTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Browser.UnitScope)) {
	case "", "system", "user":
	default:
		errs = append(errs, fmt.Errorf("browser.unit_scope: unknown scope %q", cfg.Browser.UnitScope))
	}
	if cfg.Browser.RestartAfter < 0 {
		errs = append(errs, errors.New("browser.restart_after: must be >= 0"))
	}

	dur("rotation.default_interval", cfg.Rotation.DefaultInterval)
	dur("rotation.activate_timeout", cfg.Rotation.ActivateTimeout)
	if b := strings.TrimSpace(cfg.Rotation.TabBehavior); b != "" && !ValidBehavior(b) {
		errs = append(errs, fmt.Errorf("rotation.tab_behavior: unknown policy %q", b))
	}
	for i, t := range cfg.Rotation.Tabs {
		path := fmt.Sprintf("rotation.tabs[%d]", i)
		if strings.TrimSpace(t.URL) == "" {
			errs = append(errs, fmt.Errorf("%s.url: required", path))
		}
		dur(path+".interval", t.Interval)
	}
	if cfg.Rotation.Autostart && len(cfg.Rotation.Tabs) == 0 {
		errs = append(errs, errors.New("rotation.autostart: requires rotation.tabs"))
	}

	if cfg.Provisioning.MaxParallel < 0 {
		errs = append(errs, errors.New("provisioning.max_parallel: must be >= 0"))
	}
	dur("provisioning.rate_limit.window", cfg.Provisioning.RateLimit.Window)

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "none", "disabled":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	return errors.Join(errs...)
}

// IntervalOr returns the tab's interval, or def when unset.
// The value must already have passed Validate.
func (t TabSpec) IntervalOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("interval", t.Interval, def)
	if err != nil {
		return def
	}
	return d
}
