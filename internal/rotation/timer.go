package rotation

import "time"

// Timer is a cancellable single-shot tick.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests swap in a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
