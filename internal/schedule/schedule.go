// Package schedule turns cron expressions into rotation start/stop
// commands. It only triggers; the dispatcher does the work.
package schedule

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tabrotate/internal/dispatch"
	logx "tabrotate/pkg/logx"
)

// Handler is the dispatcher entry point.
type Handler interface {
	Handle(ctx context.Context, origin dispatch.Origin, cmd dispatch.Command) dispatch.Response
}

// Config holds the triggers. An empty expression disables that trigger.
type Config struct {
	Timezone string
	Start    string
	Stop     string
	Tabs     []dispatch.TabInput
}

func (c Config) enabled() bool {
	return strings.TrimSpace(c.Start) != "" || strings.TrimSpace(c.Stop) != ""
}

func (c Config) equal(o Config) bool {
	return strings.TrimSpace(c.Timezone) == strings.TrimSpace(o.Timezone) &&
		strings.TrimSpace(c.Start) == strings.TrimSpace(o.Start) &&
		strings.TrimSpace(c.Stop) == strings.TrimSpace(o.Stop) &&
		slices.Equal(c.Tabs, o.Tabs)
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseExpr validates one cron expression.
func ParseExpr(expr string) error {
	if _, err := parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("cron %q: %w", expr, err)
	}
	return nil
}

type Service struct {
	h   Handler
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	ctx context.Context
	c   *cron.Cron
	loc *time.Location
}

func New(cfg Config, h Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, h: h, log: log}
}

// Start begins triggering. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

// Apply swaps the config; a running cron is rebuilt when anything changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.equal(cfg) {
		return
	}
	s.cfg = cfg
	if s.ctx == nil {
		return
	}
	s.stopLocked()
	s.startLocked()
	s.log.Info("schedule reloaded", logx.String("start", cfg.Start), logx.String("stop", cfg.Stop))
}

// Stop halts triggering and waits for a running job up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

// Next reports the next start and stop fire times; zero when unscheduled.
func (s *Service) Next() (start, stop time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	if sch, err := parser.Parse(strings.TrimSpace(s.cfg.Start)); err == nil {
		start = sch.Next(now.In(loc))
	}
	if sch, err := parser.Parse(strings.TrimSpace(s.cfg.Stop)); err == nil {
		stop = sch.Next(now.In(loc))
	}
	return start, stop
}

func (s *Service) startLocked() {
	if !s.cfg.enabled() {
		return
	}
	s.loc = s.loadLocationLocked()
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	n := 0
	if expr := strings.TrimSpace(s.cfg.Start); expr != "" {
		if len(s.cfg.Tabs) == 0 {
			s.log.Warn("schedule start has no tabs; ignored", logx.String("expr", expr))
		} else if _, err := c.AddFunc(expr, s.fireStart); err != nil {
			s.log.Warn("invalid schedule start; ignored", logx.String("expr", expr), logx.Err(err))
		} else {
			n++
		}
	}
	if expr := strings.TrimSpace(s.cfg.Stop); expr != "" {
		if _, err := c.AddFunc(expr, s.fireStop); err != nil {
			s.log.Warn("invalid schedule stop; ignored", logx.String("expr", expr), logx.Err(err))
		} else {
			n++
		}
	}
	if n == 0 {
		return
	}
	c.Start()
	s.c = c
	s.log.Info("schedule started", logx.String("tz", s.loc.String()), logx.Int("triggers", n))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fireStart() {
	s.mu.Lock()
	ctx, tabs := s.ctx, slices.Clone(s.cfg.Tabs)
	s.mu.Unlock()
	s.fire(ctx, dispatch.StartCommand(tabs))
}

func (s *Service) fireStop() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.fire(ctx, dispatch.StopCommand())
}

func (s *Service) fire(ctx context.Context, cmd dispatch.Command) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	resp := s.h.Handle(ctx, dispatch.Origin{Transport: "schedule", Actor: "cron"}, cmd)
	if !resp.Success {
		s.log.Warn("scheduled command failed", logx.Bool("start", cmd.Status != nil && *cmd.Status), logx.String("message", resp.Message))
		return
	}
	s.log.Info("scheduled command done", logx.String("status", resp.Status))
}

// cronLogger feeds cron's internal messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
