package rotation

import (
	"slices"
	"time"
)

// FallbackInterval replaces a missing or non-positive tab interval.
const FallbackInterval = 5 * time.Second

// TabRef is one rotation slot. ID is host-assigned; a slot with ID <= 0
// is kept in place but skipped by the tick.
type TabRef struct {
	ID       int64
	Interval time.Duration
}

// Usable reports whether the slot has a host tab to activate.
func (t TabRef) Usable() bool { return t.ID > 0 }

func intervalOr(d time.Duration) time.Duration {
	if d <= 0 {
		return FallbackInterval
	}
	return d
}

// State is a read-only view of the engine.
type State struct {
	IsPaused     bool
	Tabs         []TabRef // nil when idle
	CurrentIndex int
}

func (s State) IsActive() bool { return s.Tabs != nil }

// state is the engine's mutable record, guarded by Engine.mu.
//
// Invariants:
//   - tabs == nil means idle; pending is nil then.
//   - paused implies pending == nil.
//   - at most one pending timer; gen changes whenever it is replaced or
//     cancelled, so a stale callback can tell it lost the race.
type state struct {
	stopRequested bool
	paused        bool
	tabs          []TabRef
	index         int
	pending       Timer
	gen           uint64
}

func (s *state) view() State {
	return State{IsPaused: s.paused, Tabs: slices.Clone(s.tabs), CurrentIndex: s.index}
}

// cancel drops the pending tick and invalidates any in-flight one.
func (s *state) cancel() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.gen++
}

func (s *state) clear() {
	s.cancel()
	s.tabs = nil
	s.index = 0
	s.paused = false
	s.stopRequested = false
}
