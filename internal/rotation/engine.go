// Package rotation cycles the host's active tab through an ordered list,
// each tab shown for its own interval.
//
// State machine: Idle -> Running (Start) <-> Paused (Pause/Resume) -> Idle (Stop).
// Idle is both initial and restartable.
package rotation

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"tabrotate/internal/eventbus"
	logx "tabrotate/pkg/logx"
)

const (
	EventStarted        = "rotation.started"
	EventPaused         = "rotation.paused"
	EventResumed        = "rotation.resumed"
	EventStopped        = "rotation.stopped"
	EventAdvanced       = "rotation.advanced"
	EventActivateFailed = "rotation.activate_failed"
)

// Progress is the Data of every rotation.* event.
type Progress struct {
	Index    int   `json:"index"`
	Paused   bool  `json:"paused"`
	Active   bool  `json:"active"`
	Tabs     int   `json:"tabs"`
	TabID    int64 `json:"tab_id,omitempty"`
	Skipped  bool  `json:"skipped,omitempty"`
	Restored bool  `json:"restored,omitempty"`
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithAfterFunc replaces time.AfterFunc.
func WithAfterFunc(fn AfterFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.after = fn
		}
	}
}

// WithActivateTimeout bounds each activation call. Zero disables.
func WithActivateTimeout(d time.Duration) Option {
	return func(e *Engine) { e.activateTimeout.Store(int64(d)) }
}

// Engine owns the rotation state. All mutation goes through Start, Pause,
// Resume, Stop, Restore and the tick; the activation call runs outside the
// lock and its outcome only lands if nothing else changed the state first.
type Engine struct {
	act   Activator
	log   logx.Logger
	bus   eventbus.Bus
	after AfterFunc

	activateTimeout atomic.Int64

	mu sync.Mutex
	st state
}

// New returns an idle engine that activates tabs through act.
func New(act Activator, opts ...Option) *Engine {
	e := &Engine{act: act, after: realAfterFunc}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

// SetActivateTimeout changes the per-activation bound at runtime. Zero disables.
func (e *Engine) SetActivateTimeout(d time.Duration) { e.activateTimeout.Store(int64(d)) }

// Start replaces any current rotation with tabs and runs the first tick
// before returning. An empty list stops the engine.
func (e *Engine) Start(tabs []TabRef) {
	if len(tabs) == 0 {
		e.Stop()
		return
	}
	e.mu.Lock()
	e.st.cancel()
	e.st.paused = false
	e.st.index = 0
	e.st.tabs = slices.Clone(tabs)
	e.st.stopRequested = false
	gen := e.st.gen
	p := e.progressLocked()
	e.mu.Unlock()

	e.log.Info("rotation started", logx.Int("tabs", len(tabs)))
	e.publish(EventStarted, p)
	e.rotate(gen)
}

// Restore re-enters a saved position. A paused restore schedules nothing.
func (e *Engine) Restore(tabs []TabRef, index int, paused bool) {
	if len(tabs) == 0 {
		e.Stop()
		return
	}
	if index < 0 || index >= len(tabs) {
		index = 0
	}
	e.mu.Lock()
	e.st.cancel()
	e.st.tabs = slices.Clone(tabs)
	e.st.index = index
	e.st.paused = paused
	e.st.stopRequested = false
	gen := e.st.gen
	p := e.progressLocked()
	p.Restored = true
	e.mu.Unlock()

	e.log.Info("rotation restored", logx.Int("tabs", len(tabs)), logx.Int("index", index), logx.Bool("paused", paused))
	e.publish(EventStarted, p)
	if !paused {
		e.rotate(gen)
	}
}

// Pause cancels the pending tick and keeps tabs and index.
// No-op when idle or already paused.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.st.tabs == nil || e.st.paused {
		e.mu.Unlock()
		return
	}
	e.st.paused = true
	e.st.cancel()
	p := e.progressLocked()
	e.mu.Unlock()

	e.log.Info("rotation paused", logx.Int("index", p.Index))
	e.publish(EventPaused, p)
}

// Resume continues a paused rotation at the preserved index. It returns
// false and changes nothing when there is no paused rotation.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	if e.st.tabs == nil || !e.st.paused {
		e.mu.Unlock()
		return false
	}
	e.st.paused = false
	e.st.cancel()
	gen := e.st.gen
	p := e.progressLocked()
	e.mu.Unlock()

	e.log.Info("rotation resumed", logx.Int("index", p.Index))
	e.publish(EventResumed, p)
	e.rotate(gen)
	return true
}

// Stop returns the engine to Idle. Stopping an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	wasActive := e.st.tabs != nil
	e.st.stopRequested = true
	e.st.clear()
	e.mu.Unlock()

	if wasActive {
		e.log.Info("rotation stopped")
		e.publish(EventStopped, Progress{})
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.view()
}

// rotate is one tick. gen identifies the schedule that triggered it; a
// mismatch means the tick is stale and does nothing.
func (e *Engine) rotate(gen uint64) {
	e.mu.Lock()
	if gen != e.st.gen {
		e.mu.Unlock()
		return
	}
	e.st.pending = nil
	if e.st.stopRequested {
		e.st.clear()
		e.mu.Unlock()
		return
	}
	if e.st.paused || e.st.tabs == nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if e.act == nil || !e.act.Available() {
		e.log.Warn("tab activation unavailable; stopping rotation")
		e.Stop()
		return
	}

	e.mu.Lock()
	if gen != e.st.gen {
		e.mu.Unlock()
		return
	}
	n := len(e.st.tabs)
	if e.st.index < 0 || e.st.index >= n {
		e.log.Warn("rotation index out of range; reset", logx.Int("index", e.st.index), logx.Int("tabs", n))
		e.st.index = 0
	}
	idx := e.st.index
	tab := e.st.tabs[idx]

	if !tab.Usable() {
		// The slot is skipped and the wait uses the following tab's interval.
		e.st.index = (idx + 1) % n
		e.scheduleLocked(intervalOr(e.st.tabs[e.st.index].Interval))
		p := e.progressLocked()
		p.Skipped = true
		e.mu.Unlock()
		e.log.Warn("rotation slot has no tab id; skipped", logx.Int("index", idx))
		e.publish(EventAdvanced, p)
		return
	}
	e.mu.Unlock()

	ok := e.activate(tab.ID)

	e.mu.Lock()
	if gen != e.st.gen {
		// Paused, stopped or restarted while activating.
		e.mu.Unlock()
		return
	}
	e.st.index = (idx + 1) % n
	e.scheduleLocked(intervalOr(tab.Interval))
	p := e.progressLocked()
	p.TabID = tab.ID
	e.mu.Unlock()

	if !ok {
		e.log.Warn("tab activation failed; continuing", logx.Int64("tab_id", tab.ID), logx.Int("index", idx))
		e.publish(EventActivateFailed, p)
	}
	e.publish(EventAdvanced, p)
}

func (e *Engine) activate(id int64) bool {
	ctx := context.Background()
	if d := time.Duration(e.activateTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return e.act.Activate(ctx, id)
}

// scheduleLocked replaces the pending tick.
func (e *Engine) scheduleLocked(d time.Duration) {
	e.st.cancel()
	gen := e.st.gen
	e.st.pending = e.after(d, func() { e.rotate(gen) })
}

func (e *Engine) progressLocked() Progress {
	return Progress{
		Index:  e.st.index,
		Paused: e.st.paused,
		Active: e.st.tabs != nil,
		Tabs:   len(e.st.tabs),
	}
}

func (e *Engine) publish(typ string, p Progress) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: p})
}
