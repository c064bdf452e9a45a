// Package adapter connects the command router to the Telegram Bot API
// through telebot long polling.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tabrotate/internal/transport"
	rtsup "tabrotate/internal/runtime/supervisor"
	logx "tabrotate/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements kit.Adapter, kit.CommandMenuUpdater and
// logx.ChatSink on one bot.
type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	mu  sync.Mutex
	out chan<- kit.Update // nil while stopped
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	lastMenu []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{bot: bot, log: log.With(logx.String("comp", "telegram.adapter"))}
	bot.Handle(tele.OnText, a.onText)
	bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

// Supervisor is nil until Start.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		FromID:   m.Sender.ID,
		Username: m.Sender.Username,
		Text:     m.Text,
	}})
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb, m := c.Callback(), c.Message()
	if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
		return nil
	}
	a.forward(kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        cb.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		FromID:    cb.Sender.ID,
		Data:      cb.Data,
	}})
	return nil
}

// forward never blocks telebot's handler goroutine; overflow is counted
// and reported by the drop reporter.
func (a *Adapter) forward(up kit.Update) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling. Calling it on a running adapter is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	// Poll failures are reported on /healthz but never cancel the app.
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup, a.out = sup, out
	a.mu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) { a.reportDrops(c, cap(out)) })
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns on transient poller failures too; keep it running.
	sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		defer a.log.Info("polling stopped")
		a.bot.Start()
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	for {
		done := false
		select {
		case <-ctx.Done():
			done = true
		case <-t.C:
		}
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
		if done {
			return
		}
	}
}

// Stop waits at most stopGrace (or ctx's remaining time) for a pending
// long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	go a.bot.Stop()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
