package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tabrotate/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT.Enabled != nT.Enabled ||
		strings.TrimSpace(oT.PollTimeout) != strings.TrimSpace(nT.PollTimeout) ||
		!reflect.DeepEqual(oT.OwnerUserIDs, nT.OwnerUserIDs) ||
		!reflect.DeepEqual(oT.Alerts, nT.Alerts) ||
		oT.Token != nT.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nT.PollTimeout)),
			logx.Int("telegram.owner_count", len(nT.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.Bool("telegram.alerts", nT.Alerts.Enabled),
		)
	}

	// HTTP (never log token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oH.Token != nH.Token
	oH.Token, nH.Token = "", ""
	if tokenChanged || oH != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", nH.AllowInsecure),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
		attrs = append(attrs,
			logx.String("browser.driver", newCfg.Browser.Driver),
			logx.String("browser.mode", newCfg.Browser.Mode),
			logx.String("browser.probe_interval", newCfg.Browser.ProbeInterval),
			logx.String("browser.unit", newCfg.Browser.Unit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rotation, newCfg.Rotation) {
		changed = append(changed, "rotation")
		r := newCfg.Rotation
		attrs = append(attrs,
			logx.Int("rotation.tabs", len(r.Tabs)),
			logx.String("rotation.default_interval", r.DefaultInterval),
			logx.String("rotation.tab_behavior", r.TabBehavior),
			logx.Bool("rotation.schedule_changed", oldCfg.Rotation.Schedule != r.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Provisioning, newCfg.Provisioning) {
		changed = append(changed, "provisioning")
		p := newCfg.Provisioning
		attrs = append(attrs,
			logx.Int("provisioning.max_parallel", p.MaxParallel),
			logx.Int("provisioning.rate_limit", p.RateLimit.Limit),
			logx.Int("provisioning.blocked_domains", len(p.BlockedDomains)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage (nil means disabled)
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
