package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tabrotate/internal/dispatch"
	rtsup "tabrotate/internal/runtime/supervisor"
	kit "tabrotate/internal/transport"
	logx "tabrotate/pkg/logx"
)

type sent struct {
	to     kit.ChatTarget
	text   string
	markup any
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	edited   []kit.MessageRef
	answered []string
	menu     []kit.BotCommand
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var markup any
	if opt != nil {
		markup = opt.ReplyMarkup
	}
	a.sent = append(a.sent, sent{to: to, text: text, markup: markup})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, _ string, _ *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edited = append(a.edited, ref)
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = append(a.answered, id)
	return nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menu = cmds
	return nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sent))
	for _, s := range a.sent {
		out = append(out, s.text)
	}
	return out
}

type fakeHandler struct {
	mu   sync.Mutex
	cmds []dispatch.Command
	from []dispatch.Origin
}

func (h *fakeHandler) Handle(_ context.Context, o dispatch.Origin, c dispatch.Command) dispatch.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, c)
	h.from = append(h.from, o)
	switch c.Action {
	case dispatch.ActionGetState:
		active, paused, n, idx := true, false, 2, 1
		return dispatch.Response{Status: dispatch.StatusOK, Success: true, IsActive: &active, IsPaused: &paused, TabsCount: &n, CurrentIndex: &idx}
	case dispatch.ActionResume:
		return dispatch.Response{Status: dispatch.StatusError, Message: "No rotation to resume"}
	}
	return dispatch.Response{Status: "Rotation started", Success: true}
}

func (h *fakeHandler) commands() []dispatch.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dispatch.Command(nil), h.cmds...)
}

const owner = int64(42)

func startRouter(t *testing.T, tabs TabSource) (*fakeAdapter, *fakeHandler, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	h := &fakeHandler{}
	r := New(ad, h, tabs, []int64{owner}, logx.Nop(), rtsup.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, h, updates
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: from, Text: text}}
}

func waitSent(t *testing.T, ad *fakeAdapter, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ad.texts(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sent %d messages, want %d: %q", len(ad.texts()), n, ad.texts())
	return nil
}

func TestRotateStartWithTabs(t *testing.T) {
	t.Parallel()
	ad, h, updates := startRouter(t, nil)
	updates <- message(owner, `/rotate start https://a.example "news|https://b.example|30"`)
	got := waitSent(t, ad, 1)
	if !strings.Contains(got[0], "Rotation started") {
		t.Fatalf("reply = %q", got[0])
	}
	cmds := h.commands()
	if len(cmds) != 1 || cmds[0].Action != dispatch.ActionUpdateRotation || !*cmds[0].Status {
		t.Fatalf("commands = %+v", cmds)
	}
	tabs := cmds[0].Tabs
	if len(tabs) != 2 || tabs[1].Name != "news" || tabs[1].Interval != 30000 || tabs[0].Interval != 0 {
		t.Fatalf("tabs = %+v", tabs)
	}
	if h.from[0].Transport != "telegram" || h.from[0].Actor != "42" {
		t.Fatalf("origin = %+v", h.from[0])
	}
}

func TestRotateStartFromConfig(t *testing.T) {
	t.Parallel()
	cfgTabs := []dispatch.TabInput{{URL: "https://cfg.example", Interval: 5000}}
	ad, h, updates := startRouter(t, func() []dispatch.TabInput { return cfgTabs })
	updates <- message(owner, "/rot start")
	waitSent(t, ad, 1)
	if cmds := h.commands(); len(cmds) != 1 || cmds[0].Tabs[0].URL != "https://cfg.example" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestOwnerOnly(t *testing.T) {
	t.Parallel()
	ad, h, updates := startRouter(t, nil)
	updates <- message(7, "/pause")
	got := waitSent(t, ad, 1)
	if got[0] != "unauthorized" || len(h.commands()) != 0 {
		t.Fatalf("reply = %q, commands = %d", got[0], len(h.commands()))
	}

	updates <- message(7, "/help")
	got = waitSent(t, ad, 2)
	if !strings.Contains(got[1], "/rotate") {
		t.Fatalf("help = %q", got[1])
	}
}

func TestErrorsAreReported(t *testing.T) {
	t.Parallel()
	ad, _, updates := startRouter(t, nil)
	updates <- message(owner, "/resume")
	got := waitSent(t, ad, 1)
	if !strings.HasPrefix(got[0], "❌") || !strings.Contains(got[0], "No rotation to resume") {
		t.Fatalf("reply = %q", got[0])
	}
	updates <- message(owner, "/rotate start bad|x|-3")
	got = waitSent(t, ad, 2)
	if !strings.HasPrefix(got[1], "❌") {
		t.Fatalf("reply = %q", got[1])
	}
	updates <- message(owner, "/nope")
	got = waitSent(t, ad, 3)
	if !strings.Contains(got[2], "unknown command") {
		t.Fatalf("reply = %q", got[2])
	}
}

func TestStateAndButtons(t *testing.T) {
	t.Parallel()
	ad, h, updates := startRouter(t, nil)
	updates <- message(owner, "/state@tabrotate_bot")
	got := waitSent(t, ad, 1)
	if !strings.Contains(got[0], "running") || !strings.Contains(got[0], "Tabs: 2") {
		t.Fatalf("state = %q", got[0])
	}
	ad.mu.Lock()
	markup := ad.sent[0].markup
	ad.mu.Unlock()
	if markup == nil {
		t.Fatal("state reply has no keyboard")
	}

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 7, FromID: owner, Data: "rot:pause"}}
	waitSent(t, ad, 2)
	cmds := h.commands()
	if cmds[1].Action != dispatch.ActionPause {
		t.Fatalf("button command = %+v", cmds[1])
	}

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb2", ChatID: 7, FromID: 9, Data: "rot:stop"}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ad.mu.Lock()
		n := len(ad.answered)
		ad.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.commands()) != 3 {
		t.Fatalf("non-owner button ran a command: %+v", h.commands())
	}
}

func TestButtonEditsStatePanel(t *testing.T) {
	t.Parallel()
	ad, h, updates := startRouter(t, nil)
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 7, MessageID: 42, FromID: owner, Data: "rot:state"}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ad.mu.Lock()
		n := len(ad.edited)
		ad.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.edited) != 1 || ad.edited[0].MessageID != 42 || ad.edited[0].ChatID != 7 {
		t.Fatalf("edited = %+v", ad.edited)
	}
	if len(ad.sent) != 0 {
		t.Fatalf("refresh sent a new message: %+v", ad.sent)
	}
	if cmds := h.commands(); len(cmds) != 1 || cmds[0].Action != dispatch.ActionGetState {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestParseTabToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want dispatch.TabInput
		fail bool
	}{
		{in: "https://a.example", want: dispatch.TabInput{URL: "https://a.example"}},
		{in: "https://a.example|15", want: dispatch.TabInput{URL: "https://a.example", Interval: 15000}},
		{in: "docs|https://a.example", want: dispatch.TabInput{Name: "docs", URL: "https://a.example"}},
		{in: "docs|https://a.example|2m", want: dispatch.TabInput{Name: "docs", URL: "https://a.example", Interval: 120000}},
		{in: "docs|https://a.example|0.5", want: dispatch.TabInput{Name: "docs", URL: "https://a.example", Interval: 500}},
		{in: "docs||10", fail: true},
		{in: "a|b|c|d", fail: true},
		{in: "docs|https://a.example|soon", fail: true},
	}
	for _, tt := range tests {
		got, err := parseTabToken(tt.in)
		if (err != nil) != tt.fail {
			t.Fatalf("parseTabToken(%q) err = %v", tt.in, err)
		}
		if !tt.fail && got != tt.want {
			t.Fatalf("parseTabToken(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	toks := tokenizeCommandLine(`/rotate start "a b" c\ d --x=1 --dry`)
	want := []string{"/rotate", "start", "a b", "c d", "--x=1", "--dry"}
	if strings.Join(toks, ",") != strings.Join(want, ",") {
		t.Fatalf("tokens = %q", toks)
	}
	pos, flags, bools := parseFlags(toks[1:])
	if len(pos) != 3 || flags["x"] != "1" || !bools["dry"] {
		t.Fatalf("pos=%q flags=%v bools=%v", pos, flags, bools)
	}
}

func TestTokenizeEdgeCases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{`/a ""`, []string{"/a", ""}},
		{`/a 'x "y"'`, []string{"/a", `x "y"`}},
		{`/a "open`, []string{"/a", "open"}},
		{"/a\tb\nc", []string{"/a", "b", "c"}},
	}
	for _, tt := range tests {
		got := tokenizeCommandLine(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		}
	}
	if id := newReqID(); !strings.HasPrefix(id, "r") || !strings.Contains(id, "-") {
		t.Fatalf("req id = %q", id)
	}
}
