// Package notifier turns selected bus events into short chat alerts.
//
// Events pass a prefix filter, are formatted, deduplicated per chat within
// a window and queued. One worker drains the queue under a token bucket,
// retrying failed sends with exponential backoff.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tabrotate/internal/eventbus"
	"tabrotate/internal/host"
	"tabrotate/internal/rotation"
	kit "tabrotate/internal/transport"
	logx "tabrotate/pkg/logx"
)

var ErrQueueFull = errors.New("alert queue full")

// DefaultEvents is used when Config.Events is empty.
var DefaultEvents = []string{
	rotation.EventActivateFailed,
	rotation.EventStopped,
	"host.",
}

// Sender is the part of a chat adapter alerts need.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Enabled     bool
	ChatIDs     []int64
	Events      []string
	DedupWindow time.Duration
	RatePerSec  int
	RetryMax    int
	// RetryBase is the first backoff step (default 500ms).
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

type job struct {
	to   kit.ChatTarget
	text string
}

// Service is safe for concurrent use. Apply may be called while Run is
// active.
type Service struct {
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time
	now   func() time.Time

	queue chan job
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "alerts")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
		now:     time.Now,
		queue:   make(chan job, 64),
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run consumes events until ctx is done or events is closed, then stops
// the send worker.
func (s *Service) Run(ctx context.Context, events <-chan eventbus.Event) error {
	ictx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	g, gctx := errgroup.WithContext(ictx)
	g.Go(func() error {
		defer stopIntake()
		s.intake(gctx, events)
		return nil
	})
	g.Go(func() error {
		s.work(gctx)
		return nil
	})
	return g.Wait()
}

func (s *Service) intake(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.Notify(e); err != nil {
				s.log.Warn("alert dropped", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// Notify queues e for every configured chat. Filtered or duplicate events
// are ignored without error.
func (s *Service) Notify(e eventbus.Event) error {
	cfg := s.config()
	if !cfg.Enabled || len(cfg.ChatIDs) == 0 || !wants(cfg.Events, e.Type) {
		return nil
	}
	text := Format(e)
	if text == "" {
		return nil
	}
	var errs []error
	for _, id := range cfg.ChatIDs {
		if !s.allow(fmt.Sprintf("%d|%s", id, text), cfg.DedupWindow) {
			continue
		}
		select {
		case s.queue <- job{to: kit.ChatTarget{ChatID: id}, text: text}:
		default:
			errs = append(errs, fmt.Errorf("chat %d: %w", id, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

func wants(prefixes []string, typ string) bool {
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" && strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// allow records key and reports whether it was not seen within window.
func (s *Service) allow(key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if err := s.send(ctx, j); err != nil && ctx.Err() == nil {
				s.log.Warn("alert not delivered", logx.Int64("chat_id", j.to.ChatID), logx.Err(err))
			}
		}
	}
}

func (s *Service) send(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = 10 * time.Second

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := s.sender.SendText(cctx, j.to, j.text, &kit.SendOptions{DisablePreview: true})
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(cfg.RetryMax+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Debug("alert send failed; retrying", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		}),
	)
	return err
}

// Format renders e as alert text, or "" for events without a rendering.
func Format(e eventbus.Event) string {
	switch e.Type {
	case rotation.EventStarted:
		if p, ok := e.Data.(rotation.Progress); ok && p.Restored {
			return fmt.Sprintf("▶️ Rotation restored with %d tabs", p.Tabs)
		} else if ok {
			return fmt.Sprintf("▶️ Rotation started with %d tabs", p.Tabs)
		}
		return "▶️ Rotation started"
	case rotation.EventStopped:
		return "⏹ Rotation stopped"
	case rotation.EventPaused:
		return "⏸ Rotation paused"
	case rotation.EventResumed:
		return "▶️ Rotation resumed"
	case rotation.EventActivateFailed:
		if p, ok := e.Data.(rotation.Progress); ok {
			return fmt.Sprintf("⚠️ Tab %d failed to activate (%d tabs in rotation)", p.TabID, p.Tabs)
		}
		return "⚠️ Tab failed to activate"
	case host.EventRecovering:
		if r, ok := e.Data.(host.RecoverEvent); ok {
			return fmt.Sprintf("🔄 Browser unreachable; restarting %s", r.Unit)
		}
		return "🔄 Browser unreachable; restarting"
	case host.EventRecoverFailed:
		if r, ok := e.Data.(host.RecoverEvent); ok {
			return fmt.Sprintf("🚨 Browser restart of %s failed: %s", r.Unit, r.Error)
		}
		return "🚨 Browser restart failed"
	}
	return ""
}
