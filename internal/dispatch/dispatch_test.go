package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tabrotate/internal/config"
	"tabrotate/internal/eventbus"
	"tabrotate/internal/gate"
	"tabrotate/internal/host"
	"tabrotate/internal/provision"
	"tabrotate/internal/rotation"
	"tabrotate/internal/storage"
	logx "tabrotate/pkg/logx"
)

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

// manualAfter never fires; ticks are driven by Start/Resume only.
func manualAfter(time.Duration, func()) rotation.Timer { return nopTimer{} }

type memStore struct {
	mu       sync.Mutex
	audit    []storage.AuditEntry
	settings map[string]string
	snap     *storage.RotationSnapshot
	getErr   error
}

func newMemStore() *memStore { return &memStore{settings: map[string]string{}} }

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) SaveRotation(_ context.Context, snap storage.RotationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
	return nil
}

func (s *memStore) LoadRotation(context.Context) (storage.RotationSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return storage.RotationSnapshot{}, false, nil
	}
	return *s.snap, true, nil
}

func (s *memStore) ClearRotation(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() (storage.RotationSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return storage.RotationSnapshot{}, false
	}
	return *s.snap, true
}

func (s *memStore) audits() []storage.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEntry(nil), s.audit...)
}

type fixture struct {
	mem   *host.Memory
	rot   *rotation.Engine
	prov  *provision.Engine
	store *memStore
	d     *Dispatcher
}

func newFixture(t *testing.T, initial ...host.Tab) *fixture {
	t.Helper()
	mem := host.NewMemory(initial...)
	rot := rotation.New(rotation.NewHostActivator(mem, logx.Nop()), rotation.WithAfterFunc(manualAfter))
	prov := provision.New(mem, provision.WithURLGuard(gate.NewURLGuard()))
	store := newMemStore()
	d := New(rot, prov, Options{Store: store, DefaultInterval: 7 * time.Second})
	t.Cleanup(rot.Stop)
	return &fixture{mem: mem, rot: rot, prov: prov, store: store, d: d}
}

var testOrigin = Origin{Transport: "test", Actor: "t"}

func TestGetStateIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp := f.d.Handle(context.Background(), testOrigin, Command{Action: ActionGetState})
	if !resp.Success || resp.IsActive == nil || *resp.IsActive || *resp.IsPaused || *resp.TabsCount != 0 || *resp.CurrentIndex != 0 {
		t.Fatalf("idle state = %+v", resp)
	}
	if len(f.store.audits()) != 0 {
		t.Fatal("getState must not be audited")
	}
}

func TestStartPauseResumeStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp := f.d.Handle(ctx, testOrigin, StartCommand([]TabInput{
		{Name: "a", URL: "https://a.example", Interval: 1000},
		{Name: "b", URL: "https://b.example"},
	}))
	if !resp.Success || resp.Status != StatusStarted {
		t.Fatalf("start = %+v", resp)
	}
	st := f.rot.State()
	if len(st.Tabs) != 2 || st.CurrentIndex != 1 {
		t.Fatalf("state after start = %+v", st)
	}
	if st.Tabs[0].Interval != time.Second || st.Tabs[1].Interval != 7*time.Second {
		t.Fatalf("intervals = %+v, want 1s and default 7s", st.Tabs)
	}
	if got := f.mem.Activations(); len(got) != 1 || got[0] != st.Tabs[0].ID {
		t.Fatalf("activations = %v", got)
	}

	if resp := f.d.Handle(ctx, testOrigin, Command{Action: ActionPause}); resp.Status != StatusPaused {
		t.Fatalf("pause = %+v", resp)
	}
	state := f.d.Handle(ctx, testOrigin, Command{Action: ActionGetState})
	if !*state.IsActive || !*state.IsPaused || *state.TabsCount != 2 || *state.CurrentIndex != 1 {
		t.Fatalf("paused state = %+v", state)
	}

	if resp := f.d.Handle(ctx, testOrigin, Command{Action: ActionResume}); resp.Status != StatusResumed {
		t.Fatalf("resume = %+v", resp)
	}
	if st := f.rot.State(); st.IsPaused || st.CurrentIndex != 0 {
		t.Fatalf("state after resume = %+v", st)
	}

	if resp := f.d.Handle(ctx, testOrigin, StopCommand()); resp.Status != StatusStopped {
		t.Fatalf("stop = %+v", resp)
	}
	if f.rot.State().IsActive() {
		t.Fatal("still active after stop")
	}

	audits := f.store.audits()
	if len(audits) != 4 {
		t.Fatalf("audits = %d, want 4", len(audits))
	}
	if audits[0].Action != ActionUpdateRotation || !audits[0].OK || audits[0].Transport != "test" {
		t.Fatalf("audit[0] = %+v", audits[0])
	}
}

func TestResumeWithoutRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp := f.d.Handle(context.Background(), testOrigin, Command{Action: ActionResume})
	if resp.Success || resp.Message != "No rotation to resume" {
		t.Fatalf("resume idle = %+v", resp)
	}
	audits := f.store.audits()
	if len(audits) != 1 || audits[0].OK || audits[0].Error != "No rotation to resume" {
		t.Fatalf("audits = %+v", audits)
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp := f.d.Handle(ctx, testOrigin, StartCommand(nil))
	if resp.Success || resp.Message != "No tabs provided" {
		t.Fatalf("empty start = %+v", resp)
	}

	resp = f.d.Handle(ctx, testOrigin, StartCommand([]TabInput{{Name: "bad", URL: "javascript:alert(1)"}}))
	if resp.Success || !strings.HasPrefix(resp.Message, "Failed to create any tabs: bad: ") {
		t.Fatalf("all-bad start = %+v", resp)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("errors = %+v", resp.Errors)
	}
	if f.rot.State().IsActive() {
		t.Fatal("rotation started with no tabs")
	}

	resp = f.d.Handle(ctx, testOrigin, Command{Action: ActionUpdateRotation})
	if resp.Success {
		t.Fatalf("updateRotation without status = %+v", resp)
	}
	resp = f.d.Handle(ctx, testOrigin, Command{Action: "reboot"})
	if resp.Success || !strings.Contains(resp.Message, "unknown action") {
		t.Fatalf("unknown action = %+v", resp)
	}
}

func TestStartPartialFailureKeepsGoodTabs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp := f.d.Handle(context.Background(), testOrigin, StartCommand([]TabInput{
		{Name: "good", URL: "https://good.example"},
		{Name: "bad", URL: "file:///etc/passwd"},
	}))
	if !resp.Success || len(resp.Errors) != 1 || resp.Errors[0].Tab != "bad" {
		t.Fatalf("partial start = %+v", resp)
	}
	if n := len(f.rot.State().Tabs); n != 1 {
		t.Fatalf("rotation tabs = %d, want 1", n)
	}
}

func TestTabBehaviorCloseOthers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, host.Tab{ID: 50, URL: "https://stale.example"})
	ctx := context.Background()

	resp := f.d.Handle(ctx, testOrigin, Command{Action: ActionSetTabBehavior, Behavior: "bogus"})
	if resp.Success {
		t.Fatalf("bogus behavior accepted: %+v", resp)
	}
	resp = f.d.Handle(ctx, testOrigin, Command{Action: ActionSetTabBehavior, Behavior: config.BehaviorCloseOthers})
	if !resp.Success {
		t.Fatalf("set behavior = %+v", resp)
	}
	if got := f.d.Behavior(ctx); got != config.BehaviorCloseOthers {
		t.Fatalf("behavior = %q", got)
	}

	f.d.Handle(ctx, testOrigin, StartCommand([]TabInput{{URL: "https://a.example"}}))
	if got := f.mem.Removals(); len(got) != 1 || got[0] != 50 {
		t.Fatalf("removals = %v, want [50]", got)
	}
}

func TestBehaviorFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := New(nil, nil, Options{TabBehavior: "nonsense"})
	if got := d.Behavior(ctx); got != config.BehaviorKeepTabs {
		t.Fatalf("default behavior = %q", got)
	}
	d.Handle(ctx, testOrigin, Command{Action: ActionSetTabBehavior, Behavior: config.BehaviorCloseOthers})
	if got := d.Behavior(ctx); got != config.BehaviorCloseOthers {
		t.Fatalf("in-memory behavior = %q", got)
	}

	store := newMemStore()
	store.getErr = errors.New("disk gone")
	d = New(nil, nil, Options{Store: store, TabBehavior: config.BehaviorCloseOthers})
	if got := d.Behavior(ctx); got != config.BehaviorCloseOthers {
		t.Fatalf("behavior on read error = %q", got)
	}
}

type panicRotator struct{ Rotator }

func (panicRotator) Pause() { panic("boom") }

func TestHandleRecoversPanics(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	d := New(panicRotator{}, nil, Options{Store: store})
	resp := d.Handle(context.Background(), testOrigin, Command{Action: ActionPause})
	if resp.Success || resp.Status != StatusError || resp.Message != "boom" {
		t.Fatalf("panic response = %+v", resp)
	}
	if a := store.audits(); len(a) != 1 || a[0].OK {
		t.Fatalf("audits = %+v", a)
	}
}

func TestKeeperPersistsAndRestores(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	mem := host.NewMemory()
	store := newMemStore()
	rot := rotation.New(rotation.NewHostActivator(mem, logx.Nop()), rotation.WithAfterFunc(manualAfter), rotation.WithBus(bus))
	prov := provision.New(mem)
	keeper := NewKeeper(store, bus, logx.Nop())
	defer keeper.Close()
	done := make(chan struct{})
	go func() {
		_ = keeper.Run(ctx)
		close(done)
	}()

	d := New(rot, prov, Options{Store: store, Tracker: keeper})
	d.Handle(ctx, testOrigin, StartCommand([]TabInput{
		{Name: "a", URL: "https://a.example", Interval: 1000},
		{Name: "b", URL: "https://b.example", Interval: 2000},
	}))
	d.Handle(ctx, testOrigin, Command{Action: ActionPause})

	waitFor(t, func() bool {
		s, ok := store.snapshot()
		return ok && s.Paused && s.Index == 1 && len(s.Specs) == 2
	})
	snap, _ := store.snapshot()
	if snap.Specs[1].URL != "https://b.example" || snap.Specs[1].IntervalMS != 2000 {
		t.Fatalf("snapshot specs = %+v", snap.Specs)
	}

	// A fresh process: new host, new engine, same store.
	mem2 := host.NewMemory()
	rot2 := rotation.New(rotation.NewHostActivator(mem2, logx.Nop()), rotation.WithAfterFunc(manualAfter))
	defer rot2.Stop()
	ok, err := New(rot2, provision.New(mem2), Options{}).Restore(ctx, keeper)
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	st := rot2.State()
	if !st.IsPaused || st.CurrentIndex != 1 || len(st.Tabs) != 2 {
		t.Fatalf("restored state = %+v", st)
	}
	if len(mem2.Activations()) != 0 {
		t.Fatal("paused restore activated a tab")
	}

	d.Handle(ctx, testOrigin, StopCommand())
	waitFor(t, func() bool {
		_, ok := store.snapshot()
		return !ok
	})

	cancel()
	<-done
}

func TestKeeperRestoreNothingSaved(t *testing.T) {
	t.Parallel()
	keeper := NewKeeper(newMemStore(), eventbus.New(), logx.Nop())
	defer keeper.Close()
	rot := rotation.New(nil, rotation.WithAfterFunc(manualAfter))
	ok, err := New(rot, provision.New(host.NewMemory()), Options{}).Restore(context.Background(), keeper)
	if err != nil || ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
}

// drainKeeper persists every event already queued for k.
func drainKeeper(ctx context.Context, k *Keeper) {
	for len(k.events) > 0 {
		k.persist(ctx, <-k.events)
	}
}

func TestKeeperSnapshotSurvivesHostLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bus := eventbus.New()
	mem := host.NewMemory()
	store := newMemStore()
	rot := rotation.New(rotation.NewHostActivator(mem, logx.Nop()), rotation.WithAfterFunc(manualAfter), rotation.WithBus(bus))
	defer rot.Stop()
	keeper := NewKeeper(store, bus, logx.Nop())
	defer keeper.Close()
	d := New(rot, provision.New(mem), Options{Store: store, Tracker: keeper})

	d.Handle(ctx, testOrigin, StartCommand([]TabInput{
		{Name: "a", URL: "https://a.example", Interval: 1000},
		{Name: "b", URL: "https://b.example", Interval: 1000},
	}))
	d.Handle(ctx, testOrigin, Command{Action: ActionPause})
	drainKeeper(ctx, keeper)

	// The resumed tick finds no browser and the engine stops itself.
	mem.SetAvailable(false)
	d.Handle(ctx, testOrigin, Command{Action: ActionResume})
	if rot.State().IsActive() {
		t.Fatal("engine still active without a browser")
	}
	drainKeeper(ctx, keeper)
	snap, ok := store.snapshot()
	if !ok || !snap.Active || len(snap.Specs) != 2 || snap.Index != 1 {
		t.Fatalf("snapshot after self-stop = %+v, %v", snap, ok)
	}

	mem.SetAvailable(true)
	restored, err := d.Restore(ctx, keeper)
	if err != nil || !restored {
		t.Fatalf("Restore = %v, %v", restored, err)
	}
	if st := rot.State(); !st.IsActive() || st.IsPaused || len(st.Tabs) != 2 {
		t.Fatalf("state after reconnect = %+v", st)
	}

	d.Handle(ctx, testOrigin, StopCommand())
	drainKeeper(ctx, keeper)
	if _, ok := store.snapshot(); ok {
		t.Fatal("operator stop left the snapshot behind")
	}
}

func TestStartOutlivesCallerCancel(t *testing.T) {
	t.Parallel()
	for _, cancelAfter := range []int64{1, 2} {
		mem := host.NewMemory()
		rot := rotation.New(rotation.NewHostActivator(mem, logx.Nop()), rotation.WithAfterFunc(manualAfter))
		t.Cleanup(rot.Stop)
		d := New(rot, provision.New(mem, provision.WithMaxParallel(1)), Options{})

		ctx, cancel := context.WithCancel(context.Background())
		var created int64
		mem.SetHooks(host.MemoryHooks{Create: func(string) (int64, error) {
			created++
			if created == cancelAfter {
				cancel()
			}
			return created, nil
		}})

		resp := d.Handle(ctx, testOrigin, StartCommand([]TabInput{
			{Name: "a", URL: "https://a.example"},
			{Name: "b", URL: "https://b.example"},
			{Name: "c", URL: "https://c.example"},
		}))
		cancel()
		if !resp.Success || len(resp.Errors) != 0 {
			t.Fatalf("cancel after %d: start = %+v", cancelAfter, resp)
		}
		if n := len(rot.State().Tabs); n != 3 {
			t.Fatalf("cancel after %d: rotating %d tabs, want 3", cancelAfter, n)
		}
		if n := mem.Creates(); n != 3 {
			t.Fatalf("cancel after %d: created %d tabs, want 3", cancelAfter, n)
		}
	}
}

func TestRestoreNeverReplacesStartedRotation(t *testing.T) {
	t.Parallel()
	userTabs := []TabInput{
		{Name: "a", URL: "https://a.example", Interval: 1000},
		{Name: "b", URL: "https://b.example", Interval: 1000},
	}
	tests := []struct {
		name       string
		concurrent bool
	}{
		{"start first", false},
		{"racing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			bus := eventbus.New()
			mem := host.NewMemory()
			store := newMemStore()
			_ = store.SaveRotation(ctx, storage.RotationSnapshot{
				Specs:  []storage.TabSpec{{Name: "saved", URL: "https://saved.example", IntervalMS: 1000}},
				Active: true,
			})
			rot := rotation.New(rotation.NewHostActivator(mem, logx.Nop()), rotation.WithAfterFunc(manualAfter))
			defer rot.Stop()
			keeper := NewKeeper(store, bus, logx.Nop())
			defer keeper.Close()
			d := New(rot, provision.New(mem), Options{Tracker: keeper})

			if tt.concurrent {
				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					d.Handle(ctx, testOrigin, StartCommand(userTabs))
				}()
				go func() {
					defer wg.Done()
					_, _ = d.Restore(ctx, keeper)
				}()
				wg.Wait()
			} else {
				d.Handle(ctx, testOrigin, StartCommand(userTabs))
				restored, err := d.Restore(ctx, keeper)
				if err != nil || restored {
					t.Fatalf("Restore over a running rotation = %v, %v", restored, err)
				}
			}

			st := rot.State()
			if len(st.Tabs) != 2 {
				t.Fatalf("rotating %d tabs, want the 2 started ones", len(st.Tabs))
			}
			tracked := keeper.tracked()
			if len(tracked) != 2 || tracked[0].URL != "https://a.example" || tracked[1].URL != "https://b.example" {
				t.Fatalf("tracked specs = %+v", tracked)
			}
		})
	}
}

func TestRestoreRecoversPanics(t *testing.T) {
	t.Parallel()
	keeper := NewKeeper(newMemStore(), eventbus.New(), logx.Nop())
	defer keeper.Close()
	restored, err := New(panicRotator{}, nil, Options{}).Restore(context.Background(), keeper)
	if err == nil || restored {
		t.Fatalf("Restore = %v, %v; want a recovered panic", restored, err)
	}
}

func TestKeptIndex(t *testing.T) {
	t.Parallel()
	a := provision.Spec{URL: "https://a"}
	b := provision.Spec{URL: "https://b"}
	c := provision.Spec{URL: "https://c"}
	all := []provision.Spec{a, b, c}
	tests := []struct {
		kept  []provision.Spec
		saved int
		want  int
	}{
		{[]provision.Spec{a, b, c}, 2, 2},
		{[]provision.Spec{a, c}, 1, 1},
		{[]provision.Spec{a, b}, 2, 0},
		{[]provision.Spec{b, c}, 0, 0},
		{[]provision.Spec{a, b, c}, 9, 0},
	}
	for _, tt := range tests {
		if got := keptIndex(all, tt.kept, tt.saved); got != tt.want {
			t.Fatalf("keptIndex(%v, %d) = %d, want %d", tt.kept, tt.saved, got, tt.want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
