// Package app wires the rotation core to its collaborators: config with hot
// reload, storage, the browser driver, gates, transports and the service
// manager.
package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"tabrotate/internal/config"
	"tabrotate/internal/dispatch"
	"tabrotate/internal/eventbus"
	"tabrotate/internal/gate"
	"tabrotate/internal/host"
	"tabrotate/internal/notifier"
	"tabrotate/internal/provision"
	"tabrotate/internal/rotation"
	rtsup "tabrotate/internal/runtime/supervisor"
	"tabrotate/internal/schedule"
	"tabrotate/internal/storage"
	kit "tabrotate/internal/transport"
	"tabrotate/internal/transport/httpapi"
	telegram "tabrotate/internal/transport/telegram/adapter"
	"tabrotate/internal/transport/telegram/router"
	logx "tabrotate/pkg/logx"
	"tabrotate/pkg/systemd"
)

// bootWait bounds how long boot waits for the browser before restoring or
// autostarting.
const bootWait = 30 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	reg  *rtsup.Registry

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	notify *systemd.Notifier

	host    host.Driver
	units   *systemd.UnitManager
	limiter *gate.RateLimiter
	guard   *guardHolder
	prov    *provision.Engine
	rot     *rotation.Engine
	keeper  *dispatch.Keeper
	disp    *dispatch.Dispatcher
	sched   *schedule.Service
	http    *httpapi.Server

	adapter *telegram.Adapter // nil when telegram is off
	router  *router.Router
	alerts  *notifier.Service
	updates chan kit.Update

	tabs atomic.Pointer[[]dispatch.TabInput]
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logs, log := logx.New(mapLogConfig(cfg), nil)
	a := &App{
		cfgm:    cfgm,
		reg:     rtsup.NewRegistry(),
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     eventbus.New(),
		notify:  systemd.NewNotifier(log),
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
		if err != nil {
			return err
		}
		a.adapter = ad
		a.logs.SetSink(ad)
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hc, err := mapHostConfig(cfg)
	if err != nil {
		return err
	}
	if unit := strings.TrimSpace(cfg.Browser.Unit); unit != "" {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		units, err := systemd.NewUnitManager(uctx, strings.EqualFold(cfg.Browser.UnitScope, "user"))
		cancel()
		if err != nil {
			a.log.Warn("browser unit recovery disabled", logx.String("unit", unit), logx.Err(err))
		} else {
			a.units = units
			hc.Recover = func(ctx context.Context) error {
				a.log.Info("restarting browser unit", logx.String("unit", unit))
				a.bus.Publish(eventbus.Event{Type: host.EventRecovering, Data: host.RecoverEvent{Unit: unit}})
				err := units.Restart(ctx, unit)
				if err != nil && ctx.Err() == nil {
					a.bus.Publish(eventbus.Event{Type: host.EventRecoverFailed, Data: host.RecoverEvent{Unit: unit, Error: err.Error()}})
				}
				return err
			}
		}
	}
	drv, err := host.Open(hc, log)
	if err != nil {
		return err
	}
	a.host = drv

	rs, err := mapRotation(cfg)
	if err != nil {
		return err
	}
	a.limiter = gate.NewRateLimiter(rs.rateLimit, rs.rateWindow)
	a.guard = newGuardHolder(cfg.Provisioning.BlockedDomains)
	a.prov = provision.New(drv,
		provision.WithLimiter(a.limiter),
		provision.WithURLGuard(a.guard),
		provision.WithLogger(log.With(logx.String("comp", "provision"))),
		provision.WithMaxParallel(rs.maxParallel),
	)
	rotLog := log.With(logx.String("comp", "rotation"))
	a.rot = rotation.New(rotation.NewHostActivator(drv, rotLog),
		rotation.WithLogger(rotLog),
		rotation.WithBus(a.bus),
		rotation.WithActivateTimeout(rs.activateTimeout),
	)

	opts := dispatch.Options{
		Store:           a.store,
		Log:             log.With(logx.String("comp", "dispatch")),
		TabBehavior:     rs.behavior,
		DefaultInterval: rs.defaultInterval,
	}
	if a.store != nil {
		a.keeper = dispatch.NewKeeper(a.store, a.bus, log.With(logx.String("comp", "keeper")))
		opts.Tracker = a.keeper
	}
	a.disp = dispatch.New(a.rot, a.prov, opts)

	tabs := tabInputs(cfg)
	a.tabs.Store(&tabs)
	a.sched = schedule.New(mapSchedule(cfg), a.disp, log.With(logx.String("comp", "schedule")))
	a.http = httpapi.New(a.disp, a.health, log)
	if a.adapter != nil {
		a.router = router.New(a.adapter, a.disp, a.configTabs, cfg.Telegram.OwnerUserIDs, log, a.reg)
		a.alerts = notifier.New(mapAlerts(cfg), a.adapter, log)
	}
	return nil
}

// closeEarly releases what build opened before failing.
func (a *App) closeEarly() {
	if a.keeper != nil {
		a.keeper.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.units != nil {
		_ = a.units.Close()
	}
	_ = a.logs.Close()
}

func (a *App) configTabs() []dispatch.TabInput {
	if p := a.tabs.Load(); p != nil {
		return *p
	}
	return nil
}

// Dispatcher is the command entry point shared by every transport.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// HTTPAddr is the control API's bound address, or "" when it is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.reg.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.http.Apply(a.sup.Context(), hc); err != nil {
		return err
	}

	a.sup.GoRestart("host.run", a.host.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
	if a.keeper != nil {
		a.sup.Go("rotation.keeper", a.keeper.Run)
	}
	a.sup.Go0("rotation.boot", func(c context.Context) { a.boot(c, cfg) })
	if a.keeper != nil {
		a.sup.Go0("rotation.reconnect", func(c context.Context) {
			watchReconnect(c, a.host.Available, reconnectPoll, func(c context.Context) {
				if a.cfgm.Get().Rotation.ResumeOnRestart {
					a.resume(c)
				}
			})
		})
	}
	a.sched.Start(a.sup.Context())

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.reg.Set("telegram.adapter", a.adapter.Supervisor())
		a.sup.Go("telegram.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
		alerts, unsubAlerts := a.bus.Subscribe(64, "rotation.", "host.")
		a.sup.Go("telegram.alerts", func(c context.Context) error {
			defer unsubAlerts()
			return a.alerts.Run(c, alerts)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.RunWatchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.notify.Ready()
	a.notify.Status("running")
	a.log.Info("app started", logx.String("http", a.http.Addr()), logx.Bool("telegram", a.adapter != nil))
	return nil
}

// boot waits for the browser, then resumes the saved rotation or starts the
// configured tabs.
func (a *App) boot(ctx context.Context, cfg *config.Config) {
	if !cfg.Rotation.ResumeOnRestart && !cfg.Rotation.Autostart {
		return
	}
	if !a.waitHost(ctx, bootWait) {
		if ctx.Err() == nil {
			a.log.Warn("browser not available; skipping boot rotation", logx.Duration("waited", bootWait))
		}
		return
	}

	if cfg.Rotation.ResumeOnRestart && a.keeper != nil {
		if a.resume(ctx) {
			return
		}
	} else if cfg.Rotation.ResumeOnRestart {
		a.log.Warn("rotation.resume_on_restart needs storage; ignoring")
	}

	// The reconnect watcher may have restored while boot waited.
	if !cfg.Rotation.Autostart || a.rot.State().IsActive() {
		return
	}
	resp := a.disp.Handle(ctx, dispatch.Origin{Transport: "boot", Actor: "autostart"}, dispatch.StartCommand(a.configTabs()))
	if !resp.Success {
		a.log.Warn("autostart failed", logx.String("message", resp.Message))
		return
	}
	a.log.Info("rotation autostarted", logx.Int("tabs", len(a.configTabs())), logx.Int("failed", len(resp.Errors)))
}

func (a *App) waitHost(ctx context.Context, max time.Duration) bool {
	if a.host.Available() {
		return true
	}
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	deadline := time.NewTimer(max)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-t.C:
			if a.host.Available() {
				return true
			}
		}
	}
}

// health is the /healthz payload.
func (a *App) health() any {
	st := a.rot.State()
	out := map[string]any{
		"browser":     a.host.Available(),
		"supervisors": a.reg.Snapshots(),
		"rotation": map[string]any{
			"active": st.IsActive(),
			"paused": st.IsPaused,
			"tabs":   len(st.Tabs),
			"index":  st.CurrentIndex,
		},
		"events_dropped": a.bus.Dropped(),
	}
	if start, stop := a.sched.Next(); !start.IsZero() || !stop.IsZero() {
		next := map[string]time.Time{}
		if !start.IsZero() {
			next["start"] = start
		}
		if !stop.IsZero() {
			next["stop"] = stop
		}
		out["schedule"] = next
	}
	return out
}

// guardHolder lets hot reload swap the blocked-domain list.
type guardHolder struct {
	p atomic.Pointer[gate.URLGuard]
}

func newGuardHolder(blocked []string) *guardHolder {
	g := &guardHolder{}
	g.set(blocked)
	return g
}

func (g *guardHolder) set(blocked []string) { g.p.Store(gate.NewURLGuard(blocked...)) }

func (g *guardHolder) Check(raw string) error {
	gd := g.p.Load()
	if gd == nil {
		return errors.New("url guard not configured")
	}
	return gd.Check(raw)
}
