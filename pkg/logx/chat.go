package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatConfig forwards log lines at or above MinLevel (default warn) to an
// operator chat, at most RatePerSec per second. Excess lines are dropped.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// ChatSink is implemented by the Telegram adapter.
type ChatSink interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

const (
	chatQueueLen  = 256
	chatMaxText   = 3500
	chatMaxValue  = 600
	chatSendLimit = 10 * time.Second
)

type chatLine struct {
	chatID int64
	text   string
}

// chatForwarder is a zerolog.LevelWriter that never blocks the caller.
type chatForwarder struct {
	mu      sync.Mutex
	sink    ChatSink
	chatID  int64
	floor   zerolog.Level
	limiter *rate.Limiter

	queue  chan chatLine
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatForwarder(sink ChatSink) *chatForwarder {
	return &chatForwarder{
		sink:    sink,
		floor:   zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan chatLine, chatQueueLen),
	}
}

func (c *chatForwarder) setSink(sink ChatSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *chatForwarder) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.chatID = cfg.ChatID
	c.floor = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter.SetLimit(rate.Limit(rps))
	c.limiter.SetBurst(rps)
	c.mu.Unlock()
	if cfg.Enabled {
		c.once.Do(c.start)
	}
}

func (c *chatForwarder) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-c.queue:
				c.deliver(ctx, l)
			}
		}
	}()
}

func (c *chatForwarder) deliver(ctx context.Context, l chatLine) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, chatSendLimit)
	defer cancel()
	_ = sink.SendLog(ctx, l.chatID, l.text)
}

func (c *chatForwarder) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatForwarder) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.NoLevel, p)
}

func (c *chatForwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, floor, lim := c.chatID, c.floor, c.limiter
	c.mu.Unlock()
	if chatID == 0 || level == zerolog.NoLevel || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if text := chatText(p); text != "" {
		select {
		case c.queue <- chatLine{chatID: chatID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// chatText renders one JSON log line as "WARN message" followed by one
// "key: value" line per field, sorted by key.
func chatText(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxText)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(rec[k]), chatMaxValue))
	}
	return clip(b.String(), chatMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
