package rotation

import (
	"context"

	"tabrotate/internal/host"
	logx "tabrotate/pkg/logx"
)

// Activator brings one tab to the front. Activate reports success and
// never panics past its boundary; Available reports whether the capability
// exists at all.
type Activator interface {
	Available() bool
	Activate(ctx context.Context, id int64) bool
}

// HostActivator adapts host.Tabs to Activator.
type HostActivator struct {
	tabs host.Tabs
	log  logx.Logger
}

// NewHostActivator wraps tabs; log receives recovered panics and failed activations.
func NewHostActivator(tabs host.Tabs, log logx.Logger) *HostActivator {
	return &HostActivator{tabs: tabs, log: log}
}

// Available is false for a nil activator or when the host check panics.
func (a *HostActivator) Available() (ok bool) {
	if a == nil || a.tabs == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("host availability check panicked", logx.Any("panic", r))
			ok = false
		}
	}()
	return a.tabs.Available()
}

// Activate logs failures at debug level and reports them as false.
func (a *HostActivator) Activate(ctx context.Context, id int64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("tab activation panicked", logx.Int64("tab_id", id), logx.Any("panic", r))
			ok = false
		}
	}()
	if err := a.tabs.ActivateTab(ctx, id); err != nil {
		a.log.Debug("tab activation failed", logx.Int64("tab_id", id), logx.Err(err))
		return false
	}
	return true
}
