package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"tabrotate/internal/eventbus"
	"tabrotate/internal/provision"
	"tabrotate/internal/rotation"
	"tabrotate/internal/storage"
	logx "tabrotate/pkg/logx"
)

// Keeper persists the rotation position so a restart can resume it.
// It follows rotation.* events and writes one snapshot per event. The
// snapshot survives the engine stopping on its own; only Forget, called for
// an operator stop, removes it.
type Keeper struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	mu    sync.Mutex
	specs []provision.Spec
}

// NewKeeper subscribes immediately so no event published after it returns
// is missed. store must be non-nil.
func NewKeeper(store storage.Store, bus eventbus.Bus, log logx.Logger) *Keeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(64, "rotation.")
	return &Keeper{store: store, log: log, events: ch, unsub: unsub}
}

// Track records the specs behind the next rotation, in slot order.
func (k *Keeper) Track(specs []provision.Spec) {
	k.mu.Lock()
	k.specs = slices.Clone(specs)
	k.mu.Unlock()
}

func (k *Keeper) tracked() []provision.Spec {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.specs)
}

// Run drains events until ctx ends or Close is called.
func (k *Keeper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-k.events:
			if !ok {
				return nil
			}
			k.persist(ctx, ev)
		}
	}
}

func (k *Keeper) persist(ctx context.Context, ev eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	p, ok := ev.Data.(rotation.Progress)
	if !ok || !p.Active {
		return
	}
	specs := k.tracked()
	if len(specs) != p.Tabs {
		// Event belongs to a rotation we do not know the specs of.
		k.log.Debug("rotation snapshot skipped", logx.Int("tracked", len(specs)), logx.Int("tabs", p.Tabs))
		return
	}
	snap := storage.RotationSnapshot{
		Specs:   toStored(specs),
		Index:   p.Index,
		Paused:  p.Paused,
		Active:  true,
		SavedAt: ev.Time,
	}
	if err := k.store.SaveRotation(wctx, snap); err != nil {
		k.log.Warn("save rotation snapshot failed", logx.Err(err))
	}
}

// Forget drops the tracked specs, so events still queued for the stopped
// rotation are not saved, then clears the stored snapshot.
func (k *Keeper) Forget(ctx context.Context) error {
	k.Track(nil)
	return k.store.ClearRotation(ctx)
}

// saved loads the stored rotation. ok is false when nothing resumable is
// stored.
func (k *Keeper) saved(ctx context.Context) (specs []provision.Spec, index int, paused, ok bool, err error) {
	snap, found, err := k.store.LoadRotation(ctx)
	if err != nil || !found || !snap.Active || len(snap.Specs) == 0 {
		return nil, 0, false, false, err
	}
	return fromStored(snap.Specs), snap.Index, snap.Paused, true, nil
}

func (k *Keeper) Close() {
	if k.unsub != nil {
		k.unsub()
	}
}

// keptIndex maps a saved index into the kept subsequence: the first kept
// slot at or after the saved one, wrapping to 0.
func keptIndex(all, kept []provision.Spec, saved int) int {
	if saved < 0 || saved >= len(all) {
		return 0
	}
	j := 0
	for i := range all {
		if j < len(kept) && all[i] == kept[j] {
			if i >= saved {
				return j
			}
			j++
		}
	}
	return 0
}

func toStored(specs []provision.Spec) []storage.TabSpec {
	out := make([]storage.TabSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, storage.TabSpec{Name: s.Name, URL: s.URL, IntervalMS: s.Interval.Milliseconds()})
	}
	return out
}

func fromStored(specs []storage.TabSpec) []provision.Spec {
	out := make([]provision.Spec, 0, len(specs))
	for _, s := range specs {
		out = append(out, provision.Spec{Name: s.Name, URL: s.URL, Interval: time.Duration(s.IntervalMS) * time.Millisecond})
	}
	return out
}
