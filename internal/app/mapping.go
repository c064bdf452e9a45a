package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"tabrotate/internal/config"
	"tabrotate/internal/dispatch"
	"tabrotate/internal/host"
	"tabrotate/internal/notifier"
	"tabrotate/internal/schedule"
	"tabrotate/internal/storage"
	"tabrotate/internal/transport/httpapi"
	logx "tabrotate/pkg/logx"
)

const (
	defaultTabInterval  = 30 * time.Second
	defaultAlertDedup   = 5 * time.Minute
	defaultAlertRetries = 3
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "disabled":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	}
	return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
}

// mapHostConfig leaves Recover unset; build wires it when browser.unit is set.
func mapHostConfig(cfg *config.Config) (host.Config, error) {
	b := cfg.Browser
	probe, err := config.ParseDurationField("browser.probe_interval", b.ProbeInterval)
	if err != nil {
		return host.Config{}, err
	}
	call, err := config.ParseDurationField("browser.call_timeout", b.CallTimeout)
	if err != nil {
		return host.Config{}, err
	}
	return host.Config{
		Driver:        b.Driver,
		Mode:          b.Mode,
		Endpoint:      b.Endpoint,
		ExecPath:      b.ExecPath,
		Headless:      b.Headless,
		UserDataDir:   b.UserDataDir,
		ProbeInterval: probe,
		CallTimeout:   call,
		RecoverAfter:  b.RestartAfter,
	}, nil
}

// mapAlerts sends to the owners' private chats unless chat_ids is set.
func mapAlerts(cfg *config.Config) notifier.Config {
	al := cfg.Telegram.Alerts
	dedup := defaultAlertDedup
	if strings.TrimSpace(al.DedupWindow) != "" {
		// An explicit "0s" turns dedup off.
		if d, err := config.ParseDurationField("telegram.alerts.dedup_window", al.DedupWindow); err == nil {
			dedup = d
		}
	}
	chats := al.ChatIDs
	if len(chats) == 0 {
		chats = cfg.Telegram.OwnerUserIDs
	}
	retries := al.RetryMax
	if retries == 0 {
		retries = defaultAlertRetries
	}
	return notifier.Config{
		Enabled:     al.Enabled,
		ChatIDs:     slices.Clone(chats),
		Events:      slices.Clone(al.Events),
		DedupWindow: dedup,
		RatePerSec:  al.RatePerSec,
		RetryMax:    retries,
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// rotationSettings are the live-tunable rotation values.
type rotationSettings struct {
	defaultInterval time.Duration
	activateTimeout time.Duration
	behavior        string
	rateLimit       int
	rateWindow      time.Duration
	maxParallel     int
}

func mapRotation(cfg *config.Config) (rotationSettings, error) {
	var (
		rs  rotationSettings
		err error
	)
	if rs.defaultInterval, err = config.ParseDurationOrDefault("rotation.default_interval", cfg.Rotation.DefaultInterval, defaultTabInterval); err != nil {
		return rs, err
	}
	if rs.activateTimeout, err = config.ParseDurationField("rotation.activate_timeout", cfg.Rotation.ActivateTimeout); err != nil {
		return rs, err
	}
	if rs.rateWindow, err = config.ParseDurationOrDefault("provisioning.rate_limit.window", cfg.Provisioning.RateLimit.Window, time.Minute); err != nil {
		return rs, err
	}
	rs.behavior = strings.TrimSpace(cfg.Rotation.TabBehavior)
	if rs.behavior == "" {
		rs.behavior = config.BehaviorKeepTabs
	}
	rs.rateLimit = cfg.Provisioning.RateLimit.Limit
	rs.maxParallel = cfg.Provisioning.MaxParallel
	return rs, nil
}

// tabInputs converts the configured tabs into wire form, resolving each
// interval against the default.
func tabInputs(cfg *config.Config) []dispatch.TabInput {
	def, err := config.ParseDurationOrDefault("rotation.default_interval", cfg.Rotation.DefaultInterval, defaultTabInterval)
	if err != nil {
		def = defaultTabInterval
	}
	out := make([]dispatch.TabInput, 0, len(cfg.Rotation.Tabs))
	for _, t := range cfg.Rotation.Tabs {
		out = append(out, dispatch.TabInput{
			Name:     strings.TrimSpace(t.Name),
			URL:      strings.TrimSpace(t.URL),
			Interval: t.IntervalOr(def).Milliseconds(),
		})
	}
	return out
}

func mapSchedule(cfg *config.Config) schedule.Config {
	s := cfg.Rotation.Schedule
	return schedule.Config{
		Timezone: s.Timezone,
		Start:    s.Start,
		Stop:     s.Stop,
		Tabs:     tabInputs(cfg),
	}
}

// validate runs the checks that need more than the config package: cron
// syntax, timezones and the mapped values of each component.
func validate(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRotation(cfg); err != nil {
		return err
	}
	s := cfg.Rotation.Schedule
	for path, expr := range map[string]string{"rotation.schedule.start": s.Start, "rotation.schedule.stop": s.Stop} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if err := schedule.ParseExpr(expr); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("rotation.schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	if strings.TrimSpace(s.Start) != "" && len(cfg.Rotation.Tabs) == 0 {
		return fmt.Errorf("rotation.schedule.start: requires rotation.tabs")
	}
	return nil
}
