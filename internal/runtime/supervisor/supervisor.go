// Package supervisor runs the long-lived goroutines of tabrotate's
// subsystems under one cancelable context, recovering panics, counting
// restarts and keeping the first failure for health reporting.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	logx "tabrotate/pkg/logx"
)

// healthyRun is how long a restarted goroutine must stay up before its
// backoff starts over from the minimum.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	started atomic.Uint64
	active  atomic.Int64
	drained func() <-chan struct{}

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*Stats
}

type Option func(*Supervisor)

// Stats describes the goroutines started under one name.
type Stats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

// Snapshot is served on /healthz and /health.
type Snapshot struct {
	Active     int64   `json:"active"`
	Started    uint64  `json:"started"`
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first goroutine
// error or panic.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{tasks: make(map[string]*Stats)}
	s.ctx, s.cancel = context.WithCancel(parent)
	s.drained = sync.OnceValue(func() <-chan struct{} {
		ch := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(ch)
		}()
		return ch
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel does not wait; pair it with Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, name := range slices.Sorted(maps.Keys(s.tasks)) {
		snap.Goroutines = append(snap.Goroutines, *s.tasks[name])
	}
	s.mu.Unlock()
	return snap
}

// update applies fn to name's stats under the lock.
func (s *Supervisor) update(name string, fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &Stats{Name: name}
		s.tasks[name] = st
	}
	fn(st)
}

// record notes err against name and, when publish is set, as the
// supervisor's first error.
func (s *Supervisor) record(name string, err error, publish bool) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	if !ok {
		st = &Stats{Name: name}
		s.tasks[name] = st
	}
	st.LastErr, st.LastErrAt = err.Error(), time.Now()
	if publish && s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if publish && s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) spawn(fn func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		fn()
	}()
}

// call runs fn once under name's stats, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(context.Context) error) (err error) {
	s.update(name, func(st *Stats) { st.Active++ })
	defer s.update(name, func(st *Stats) { st.Active-- })
	defer func() {
		if p := recover(); p != nil {
			s.update(name, func(st *Stats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(s.ctx)
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded
// as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(name, fmt.Errorf("%s: %w", name, err), true)
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
	stopOnClean bool
	publish     bool
}

// WithRestartBackoff bounds the jittered exponential wait between runs.
// Non-positive values keep the defaults (250ms, 30s).
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		p.min = cmp.Or(max0(lo), p.min)
		p.max = cmp.Or(max0(hi), p.max)
	}
}

// WithMaxRestarts gives up after n restarts; the first run does not count.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithPublishFirstError makes run failures count as supervisor errors.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// WithStopOnCleanExit decides whether a nil return ends the loop (the
// default) or is treated as an unexpected exit and restarted.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// healthAwareBackOff restarts the exponential sequence once a run has
// lasted healthyRun.
type healthAwareBackOff struct {
	*backoff.ExponentialBackOff
	lastStart time.Time
}

func (b *healthAwareBackOff) NextBackOff() time.Duration {
	if time.Since(b.lastStart) >= healthyRun {
		b.Reset()
	}
	return b.ExponentialBackOff.NextBackOff()
}

var errExited = errors.New("exited")

// GoRestart keeps fn running: after an error or panic it is restarted with
// backoff until the supervisor is canceled or the restart limit is hit.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true}
	for _, opt := range opts {
		opt(&pol)
	}
	pol.max = max(pol.max, pol.min)

	bo := &healthAwareBackOff{ExponentialBackOff: backoff.NewExponentialBackOff()}
	bo.InitialInterval = pol.min
	bo.MaxInterval = pol.max
	bo.RandomizationFactor = 0.2

	run := func() (struct{}, error) {
		if err := s.ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		bo.lastStart = time.Now()
		err := s.call(name, fn)
		switch {
		case s.ctx.Err() != nil || errors.Is(err, context.Canceled):
			return struct{}{}, backoff.Permanent(context.Canceled)
		case err == nil && pol.stopOnClean:
			return struct{}{}, nil
		case err == nil:
			err = errExited
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.record(name, err, pol.publish)
		return struct{}{}, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.update(name, func(st *Stats) { st.Restarts++ })
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		}),
	}
	if pol.maxRestarts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(uint(pol.maxRestarts+1)))
	}

	s.spawn(func() {
		_, err := backoff.Retry(s.ctx, run, retryOpts...)
		if err != nil && !errors.Is(err, context.Canceled) && s.ctx.Err() == nil {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Err(err))
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drained():
		return s.Err()
	}
}
