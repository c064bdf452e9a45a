package rotation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"tabrotate/internal/eventbus"
	"tabrotate/internal/host"
	logx "tabrotate/pkg/logx"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock records timers instead of running them.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) live() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the only live timer and returns its delay.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	live := c.live()
	if len(live) != 1 {
		t.Fatalf("live timers = %d, want 1", len(live))
	}
	tm := live[0]
	tm.stopped = true
	tm.f()
	return tm.d
}

func (c *fakeClock) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	live := c.live()
	if len(live) != 1 {
		t.Fatalf("live timers = %d, want 1", len(live))
	}
	return live[0].d
}

type fakeActivator struct {
	mu        sync.Mutex
	available bool
	fail      map[int64]bool
	calls     []int64
	during    func(id int64)
}

func newFakeActivator() *fakeActivator {
	return &fakeActivator{available: true, fail: map[int64]bool{}}
}

func (a *fakeActivator) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

func (a *fakeActivator) Activate(ctx context.Context, id int64) bool {
	a.mu.Lock()
	a.calls = append(a.calls, id)
	during := a.during
	fail := a.fail[id]
	a.mu.Unlock()
	if during != nil {
		during(id)
	}
	return !fail
}

func (a *fakeActivator) Calls() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

func newTestEngine(act Activator, opts ...Option) (*Engine, *fakeClock) {
	clk := &fakeClock{}
	opts = append([]Option{WithAfterFunc(clk.AfterFunc)}, opts...)
	return New(act, opts...), clk
}

func TestStartTwoTabsScenario(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)

	e.Start([]TabRef{{ID: 1, Interval: 5 * time.Second}, {ID: 2, Interval: 10 * time.Second}})
	if got := act.Calls(); !slices.Equal(got, []int64{1}) {
		t.Fatalf("calls after Start = %v, want [1]", got)
	}
	if d := clk.nextDelay(t); d != 5*time.Second {
		t.Fatalf("first delay = %v, want 5s", d)
	}
	clk.fire(t)
	if got := act.Calls(); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("calls = %v, want [1 2]", got)
	}
	if d := clk.nextDelay(t); d != 10*time.Second {
		t.Fatalf("second delay = %v, want 10s", d)
	}
	clk.fire(t)
	if got := act.Calls(); !slices.Equal(got, []int64{1, 2, 1}) {
		t.Fatalf("calls = %v, want wrap to 1", got)
	}
}

func TestCircularity(t *testing.T) {
	t.Parallel()
	for _, k := range []int{1, 2, 3, 4, 7, 10} {
		act := newFakeActivator()
		e, clk := newTestEngine(act)
		e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}, {ID: 3, Interval: time.Second}})
		for i := 1; i < k; i++ {
			clk.fire(t)
		}
		if got := e.State().CurrentIndex; got != k%3 {
			t.Fatalf("after %d ticks index = %d, want %d", k, got, k%3)
		}
	}
}

func TestPauseResumePreservesPosition(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	tabs := []TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: 2 * time.Second}, {ID: 3, Interval: 3 * time.Second}}
	e.Start(tabs)
	clk.fire(t)

	before := e.State()
	e.Pause()
	paused := e.State()
	if !paused.IsPaused {
		t.Fatal("not paused")
	}
	if len(clk.live()) != 0 {
		t.Fatal("pause left a pending tick")
	}
	if paused.CurrentIndex != before.CurrentIndex || !slices.Equal(paused.Tabs, before.Tabs) {
		t.Fatalf("pause changed position: %+v -> %+v", before, paused)
	}

	e.Pause()
	if len(clk.live()) != 0 {
		t.Fatal("second pause scheduled something")
	}

	if !e.Resume() {
		t.Fatal("Resume returned false")
	}
	calls := act.Calls()
	if last := calls[len(calls)-1]; last != tabs[before.CurrentIndex].ID {
		t.Fatalf("resume activated %d, want %d", last, tabs[before.CurrentIndex].ID)
	}
	if e.Resume() {
		t.Fatal("Resume on a running rotation returned true")
	}
}

func TestResumeIdle(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	before := e.State()
	if e.Resume() {
		t.Fatal("Resume on idle engine returned true")
	}
	after := e.State()
	if after.IsActive() || after.IsPaused != before.IsPaused || after.CurrentIndex != before.CurrentIndex {
		t.Fatalf("state changed: %+v", after)
	}
	if len(act.Calls()) != 0 || len(clk.live()) != 0 {
		t.Fatal("idle resume had side effects")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}})
	e.Pause()

	for i := 0; i < 2; i++ {
		e.Stop()
		st := e.State()
		if st.Tabs != nil || st.CurrentIndex != 0 || st.IsPaused {
			t.Fatalf("stop #%d state = %+v", i+1, st)
		}
		if len(clk.live()) != 0 {
			t.Fatalf("stop #%d left a pending tick", i+1)
		}
	}
}

func TestBrokenSlotUsesNextInterval(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 0, Interval: time.Second}, {ID: 2, Interval: 7 * time.Second}})

	if len(act.Calls()) != 0 {
		t.Fatalf("broken slot was activated: %v", act.Calls())
	}
	if got := e.State().CurrentIndex; got != 1 {
		t.Fatalf("index = %d, want 1", got)
	}
	if d := clk.nextDelay(t); d != 7*time.Second {
		t.Fatalf("delay = %v, want next tab's 7s", d)
	}
	clk.fire(t)
	if got := act.Calls(); !slices.Equal(got, []int64{2}) {
		t.Fatalf("calls = %v, want [2]", got)
	}
}

func TestFallbackInterval(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1}, {ID: 0}})
	if d := clk.nextDelay(t); d != FallbackInterval {
		t.Fatalf("delay = %v, want fallback", d)
	}
	clk.fire(t)
	if d := clk.nextDelay(t); d != FallbackInterval {
		t.Fatalf("broken slot delay = %v, want fallback", d)
	}
}

func TestActivationFailureSkipsAndContinues(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	act.fail[1] = true
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "rotation.")
	defer unsub()

	e, clk := newTestEngine(act, WithBus(bus))
	e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: 2 * time.Second}})

	if !e.State().IsActive() {
		t.Fatal("activation failure stopped the rotation")
	}
	if got := e.State().CurrentIndex; got != 1 {
		t.Fatalf("index = %d, want 1", got)
	}
	if d := clk.nextDelay(t); d != time.Second {
		t.Fatalf("delay = %v, want 1s", d)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{EventStarted, EventActivateFailed, EventAdvanced}
	if !slices.Equal(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestCapabilityLossStops(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1, Interval: time.Second}})

	act.mu.Lock()
	act.available = false
	act.mu.Unlock()
	clk.fire(t)

	if e.State().IsActive() {
		t.Fatal("rotation still active after capability loss")
	}
	if len(clk.live()) != 0 {
		t.Fatal("pending tick after stop")
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}})
	stale := clk.live()[0]

	e.Stop()
	e.Start([]TabRef{{ID: 5, Interval: time.Second}})
	calls := len(act.Calls())

	stale.f()
	if got := len(act.Calls()); got != calls {
		t.Fatalf("stale tick activated a tab: %v", act.Calls())
	}
	if len(clk.live()) != 1 {
		t.Fatalf("live timers = %d, want 1", len(clk.live()))
	}
}

func TestPauseDuringActivationKeepsIndex(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}, {ID: 3, Interval: time.Second}})

	act.mu.Lock()
	act.during = func(id int64) { e.Pause() }
	act.mu.Unlock()
	clk.fire(t)

	st := e.State()
	if !st.IsPaused || st.CurrentIndex != 1 {
		t.Fatalf("state = %+v, want paused at index 1", st)
	}
	if len(clk.live()) != 0 {
		t.Fatal("paused engine has a pending tick")
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	tabs := []TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}, {ID: 3, Interval: time.Second}}

	e.Restore(tabs, 2, true)
	if len(act.Calls()) != 0 || len(clk.live()) != 0 {
		t.Fatal("paused restore ran a tick")
	}
	if !e.Resume() {
		t.Fatal("Resume after paused restore returned false")
	}
	if got := act.Calls(); !slices.Equal(got, []int64{3}) {
		t.Fatalf("calls = %v, want [3]", got)
	}

	e.Restore(tabs, 9, false)
	if got := act.Calls(); got[len(got)-1] != 1 {
		t.Fatalf("out-of-range restore activated %d, want 1", got[len(got)-1])
	}
}

func TestIndexSelfHeal(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, clk := newTestEngine(act)
	e.Start([]TabRef{{ID: 1, Interval: time.Second}, {ID: 2, Interval: time.Second}})

	e.mu.Lock()
	e.st.index = 42
	e.mu.Unlock()
	clk.fire(t)

	calls := act.Calls()
	if last := calls[len(calls)-1]; last != 1 {
		t.Fatalf("activated %d, want 1 after reset", last)
	}
	if got := e.State().CurrentIndex; got != 1 {
		t.Fatalf("index = %d, want 1", got)
	}
}

func TestIdleHasNoPendingTick(t *testing.T) {
	t.Parallel()
	act := newFakeActivator()
	e, _ := newTestEngine(act)
	ops := []func(){
		func() { e.Start([]TabRef{{ID: 1, Interval: time.Second}}) },
		e.Pause,
		func() { e.Resume() },
		e.Stop,
		func() { e.Start(nil) },
		e.Stop,
	}
	for i, op := range ops {
		op()
		e.mu.Lock()
		bad := (e.st.tabs == nil && e.st.pending != nil) || (e.st.paused && e.st.pending != nil)
		e.mu.Unlock()
		if bad {
			t.Fatalf("invariant broken after op %d", i)
		}
	}
}

func TestActivateTimeout(t *testing.T) {
	t.Parallel()
	var deadline bool
	act := &ctxActivator{check: func(ctx context.Context) { _, deadline = ctx.Deadline() }}
	e, _ := newTestEngine(act, WithActivateTimeout(time.Second))
	e.Start([]TabRef{{ID: 1, Interval: time.Second}})
	if !deadline {
		t.Fatal("activation context has no deadline")
	}
}

type ctxActivator struct{ check func(ctx context.Context) }

func (a *ctxActivator) Available() bool { return true }
func (a *ctxActivator) Activate(ctx context.Context, id int64) bool {
	a.check(ctx)
	return true
}

type panicTabs struct{ host.Tabs }

func (panicTabs) Available() bool { return true }
func (panicTabs) ActivateTab(ctx context.Context, id int64) error {
	panic("driver bug")
}

func TestHostActivator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := host.NewMemory(host.Tab{URL: "https://a.example"})
	a := NewHostActivator(mem, logx.Nop())
	if !a.Available() || !a.Activate(ctx, 1) {
		t.Fatal("activation of a live tab failed")
	}
	if a.Activate(ctx, 99) {
		t.Fatal("activation of a missing tab succeeded")
	}
	mem.SetHooks(host.MemoryHooks{Activate: func(int64) error { return errors.New("flaky") }})
	if a.Activate(ctx, 1) {
		t.Fatal("host error reported as success")
	}
	mem.SetAvailable(false)
	if a.Available() {
		t.Fatal("unavailable host reported available")
	}

	p := NewHostActivator(panicTabs{}, logx.Nop())
	if p.Activate(ctx, 1) {
		t.Fatal("panicking host reported success")
	}
	var nilAct *HostActivator
	if nilAct.Available() {
		t.Fatal("nil activator reported available")
	}
}
