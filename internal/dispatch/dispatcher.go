// Package dispatch maps control commands onto the rotation and
// provisioning engines. Dispatcher.Handle is the single error boundary:
// nothing past it panics or returns an error, every outcome is a Response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tabrotate/internal/config"
	"tabrotate/internal/provision"
	"tabrotate/internal/rotation"
	"tabrotate/internal/storage"
	logx "tabrotate/pkg/logx"
)

const (
	defaultTabInterval = 30 * time.Second
	forgetTimeout      = 3 * time.Second
)

// Wire messages; these reach operators verbatim.
const (
	msgNothingToResume = "No rotation to resume"
	msgNoTabs          = "No tabs provided"
)

type Rotator interface {
	Start(tabs []rotation.TabRef)
	Restore(tabs []rotation.TabRef, index int, paused bool)
	Pause()
	Resume() bool
	Stop()
	State() rotation.State
}

type Provisioner interface {
	CreateOrReuse(ctx context.Context, specs []provision.Spec) provision.Result
	RemoveOtherTabs(ctx context.Context, keep []int64) int
}

// Tracker learns which specs back the rotation about to start, and is told
// to forget them when an operator stops it.
type Tracker interface {
	Track(specs []provision.Spec)
	Forget(ctx context.Context) error
}

type Options struct {
	Store   storage.Store // nil: no audit, in-memory policy only
	Tracker Tracker
	Log     logx.Logger

	// TabBehavior applies when storage holds no policy.
	TabBehavior     string
	DefaultInterval time.Duration
}

type Dispatcher struct {
	rot   Rotator
	prov  Provisioner
	store storage.Store
	track Tracker
	log   logx.Logger

	fallback        atomic.Value // string
	defaultInterval atomic.Int64

	// lifecycle serializes start, stop and restore so provisioning and the
	// engine hand-off of one are not interleaved with another.
	lifecycle sync.Mutex
}

func New(rot Rotator, prov Provisioner, opts Options) *Dispatcher {
	d := &Dispatcher{rot: rot, prov: prov, store: opts.Store, track: opts.Tracker, log: opts.Log}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.SetDefaults(opts.TabBehavior, opts.DefaultInterval)
	return d
}

// SetDefaults updates the config-derived fallbacks (hot reload).
func (d *Dispatcher) SetDefaults(behavior string, interval time.Duration) {
	if !config.ValidBehavior(behavior) {
		behavior = config.BehaviorKeepTabs
	}
	if interval <= 0 {
		interval = defaultTabInterval
	}
	d.fallback.Store(behavior)
	d.defaultInterval.Store(int64(interval))
}

// Handle executes one command. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, origin Origin, cmd Command) (resp Response) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command panicked",
				logx.String("action", cmd.Action),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			resp = errorResponse(fmt.Sprint(r))
		}
		d.audit(origin, cmd, resp, time.Since(started))
	}()

	r, err := d.handle(ctx, cmd)
	if err != nil {
		d.log.Warn("command failed", logx.String("action", cmd.Action), logx.String("transport", origin.Transport), logx.Err(err))
		return errorResponse(err.Error())
	}
	return r
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) (Response, error) {
	switch strings.TrimSpace(cmd.Action) {
	case ActionGetState:
		return d.getState(), nil
	case ActionPause:
		d.rot.Pause()
		return Response{Status: StatusPaused, Success: true}, nil
	case ActionResume:
		if !d.rot.Resume() {
			return errorResponse(msgNothingToResume), nil
		}
		return Response{Status: StatusResumed, Success: true}, nil
	case ActionStart:
		return d.start(ctx, cmd.Tabs)
	case ActionStop:
		return d.stop(ctx), nil
	case ActionUpdateRotation:
		if cmd.Status == nil {
			return Response{}, errors.New("updateRotation requires status")
		}
		if *cmd.Status {
			return d.start(ctx, cmd.Tabs)
		}
		return d.stop(ctx), nil
	case ActionSetTabBehavior:
		return d.setBehavior(ctx, cmd.Behavior)
	case "":
		return Response{}, errors.New("missing action")
	default:
		return Response{}, fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (d *Dispatcher) getState() Response {
	st := d.rot.State()
	active := st.IsActive()
	paused := st.IsPaused
	count := len(st.Tabs)
	idx := st.CurrentIndex
	return Response{
		Status:       StatusOK,
		Success:      true,
		IsActive:     &active,
		IsPaused:     &paused,
		TabsCount:    &count,
		CurrentIndex: &idx,
	}
}

// stop ends the rotation and drops its saved snapshot. The engine stopping
// itself (browser gone) keeps the snapshot so the rotation can be restored.
func (d *Dispatcher) stop(ctx context.Context) Response {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.rot.Stop()
	if d.track != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
		defer cancel()
		if err := d.track.Forget(fctx); err != nil {
			d.log.Warn("clear saved rotation failed", logx.Err(err))
		}
	}
	return Response{Status: StatusStopped, Success: true}
}

func (d *Dispatcher) start(ctx context.Context, in []TabInput) (Response, error) {
	if len(in) == 0 {
		return errorResponse(msgNoTabs), nil
	}
	specs := d.specs(in)

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	// Creation and removal run to completion once begun; the host's
	// per-call timeout still bounds each request.
	ctx = context.WithoutCancel(ctx)

	res := d.prov.CreateOrReuse(ctx, specs)
	if len(res.Tabs) == 0 {
		resp := errorResponse("Failed to create any tabs: " + joinFailures(res.Errors))
		resp.Errors = res.Errors
		return resp, nil
	}

	if d.Behavior(ctx) == config.BehaviorCloseOthers {
		keep := make([]int64, 0, len(res.Tabs))
		for _, t := range res.Tabs {
			keep = append(keep, t.ID)
		}
		d.prov.RemoveOtherTabs(ctx, keep)
	}

	if d.track != nil {
		d.track.Track(res.Kept)
	}
	d.rot.Start(res.Tabs)
	return Response{Status: StatusStarted, Success: true, Errors: res.Errors}, nil
}

func (d *Dispatcher) specs(in []TabInput) []provision.Spec {
	def := time.Duration(d.defaultInterval.Load())
	out := make([]provision.Spec, 0, len(in))
	for _, t := range in {
		iv := time.Duration(t.Interval) * time.Millisecond
		if iv <= 0 {
			iv = def
		}
		out = append(out, provision.Spec{Name: strings.TrimSpace(t.Name), URL: strings.TrimSpace(t.URL), Interval: iv})
	}
	return out
}

// Restore resumes the rotation k saved, at its saved position and pause
// state. It does nothing when a rotation is already running, so a start
// that won the race is never replaced. It reports whether it restored.
func (d *Dispatcher) Restore(ctx context.Context, k *Keeper) (restored bool, err error) {
	if k == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("rotation restore panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			restored, err = false, fmt.Errorf("restore panicked: %v", r)
		}
	}()

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.rot.State().IsActive() {
		d.log.Debug("rotation running; saved rotation left alone")
		return false, nil
	}
	specs, index, paused, ok, err := k.saved(ctx)
	if err != nil || !ok {
		return false, err
	}
	res := d.prov.CreateOrReuse(ctx, specs)
	if len(res.Tabs) == 0 {
		d.log.Warn("saved rotation could not be provisioned", logx.String("errors", joinFailures(res.Errors)))
		return false, nil
	}
	index = keptIndex(specs, res.Kept, index)
	k.Track(res.Kept)
	d.rot.Restore(res.Tabs, index, paused)
	d.log.Info("rotation restored from storage",
		logx.Int("tabs", len(res.Tabs)),
		logx.Int("failed", len(res.Errors)),
		logx.Int("index", index),
		logx.Bool("paused", paused),
	)
	return true, nil
}

// Behavior returns the tab policy: storage first, then the config fallback.
func (d *Dispatcher) Behavior(ctx context.Context) string {
	if d.store != nil {
		v, ok, err := d.store.GetSetting(ctx, storage.SettingTabBehavior)
		switch {
		case err != nil:
			d.log.Warn("read tab behavior failed; using default", logx.Err(err))
		case ok && config.ValidBehavior(v):
			return v
		}
	}
	b, _ := d.fallback.Load().(string)
	return b
}

func (d *Dispatcher) setBehavior(ctx context.Context, behavior string) (Response, error) {
	behavior = strings.TrimSpace(behavior)
	if !config.ValidBehavior(behavior) {
		return Response{}, fmt.Errorf("unknown tab behavior %q (want %s or %s)", behavior, config.BehaviorKeepTabs, config.BehaviorCloseOthers)
	}
	if d.store == nil {
		d.fallback.Store(behavior)
		return Response{Status: StatusOK, Success: true}, nil
	}
	if err := d.store.PutSetting(ctx, storage.SettingTabBehavior, behavior); err != nil {
		return Response{}, fmt.Errorf("save tab behavior: %w", err)
	}
	return Response{Status: StatusOK, Success: true}, nil
}

// audit records state-changing commands; getState polling is not audited.
func (d *Dispatcher) audit(origin Origin, cmd Command, resp Response, took time.Duration) {
	if d.store == nil || cmd.Action == ActionGetState {
		return
	}
	meta := map[string]any{}
	if len(cmd.Tabs) > 0 {
		meta["tabs"] = len(cmd.Tabs)
	}
	if cmd.Status != nil {
		meta["status"] = *cmd.Status
	}
	if len(resp.Errors) > 0 {
		meta["failed"] = len(resp.Errors)
	}
	var metaJSON string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metaJSON = string(b)
		}
	}
	e := storage.AuditEntry{
		At:        time.Now(),
		Transport: origin.Transport,
		Actor:     origin.Actor,
		Action:    cmd.Action,
		OK:        resp.Success,
		TookMS:    took.Milliseconds(),
		MetaJSON:  metaJSON,
	}
	if !resp.Success {
		e.Error = resp.Message
	}
	actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.AppendAudit(actx, e); err != nil {
		d.log.Debug("audit append failed", logx.Err(err))
	}
}
