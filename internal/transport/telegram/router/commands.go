package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tabrotate/internal/config"
	"tabrotate/internal/dispatch"
	kit "tabrotate/internal/transport"
	logx "tabrotate/pkg/logx"
	"tabrotate/pkg/tgui"
)

const commandTimeout = 60 * time.Second

func (r *Router) commands() []Command {
	return []Command{
		{
			Name:        "rotate",
			Aliases:     []string{"rot"},
			Description: "start or stop the rotation",
			Usage:       "start [url | name|url | name|url|seconds ...] | stop",
			Timeout:     commandTimeout,
			Handle:      r.cmdRotate,
		},
		{Name: "pause", Description: "pause at the current tab", Handle: r.simple(dispatch.ActionPause)},
		{Name: "resume", Description: "resume a paused rotation", Handle: r.simple(dispatch.ActionResume)},
		{Name: "state", Aliases: []string{"status"}, Description: "show rotation state", Handle: r.cmdState},
		{
			Name:        "behavior",
			Description: "set the tab policy on start",
			Usage:       config.BehaviorKeepTabs + " | " + config.BehaviorCloseOthers,
			Handle:      r.cmdBehavior,
		},
		{Name: "help", Aliases: []string{"start", "h"}, Description: "show commands", Access: AccessEveryone, Handle: r.cmdHelp},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, r.helpText(), nil)
	return nil
}

func (r *Router) cmdRotate(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errors.New("usage: /rotate start [tabs...] | /rotate stop")
	}
	switch strings.ToLower(req.Args[0]) {
	case "stop", "off":
		r.run(ctx, req, dispatch.StopCommand())
		return nil
	case "start", "on":
	default:
		return fmt.Errorf("unknown subcommand %q", req.Args[0])
	}

	rest := req.Args[1:]
	var tabs []dispatch.TabInput
	if len(rest) == 0 || (len(rest) == 1 && strings.EqualFold(rest[0], "config")) {
		if r.tabs != nil {
			tabs = r.tabs()
		}
		if len(tabs) == 0 {
			return errors.New("no tabs given and none configured")
		}
	} else {
		for _, tok := range rest {
			t, err := parseTabToken(tok)
			if err != nil {
				return err
			}
			tabs = append(tabs, t)
		}
	}
	r.run(ctx, req, dispatch.StartCommand(tabs))
	return nil
}

func (r *Router) simple(action string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		r.run(ctx, req, dispatch.Command{Action: action})
		return nil
	}
}

func (r *Router) cmdBehavior(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("usage: /behavior %s|%s", config.BehaviorKeepTabs, config.BehaviorCloseOthers)
	}
	r.run(ctx, req, dispatch.Command{Action: dispatch.ActionSetTabBehavior, Behavior: req.Args[0]})
	return nil
}

func (r *Router) cmdState(ctx context.Context, req *Request) error {
	resp := r.h.Handle(ctx, req.origin(), dispatch.Command{Action: dispatch.ActionGetState})
	text, markup := renderState(resp)
	if req.Panel.MessageID != 0 {
		opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup}
		err := r.adapter.EditText(ctx, req.Panel, text, opt)
		if err == nil {
			return nil
		}
		r.log.Debug("state panel edit failed; sending a new one", logx.Err(err))
	}
	r.reply(ctx, req.Chat, text, markup)
	return nil
}

// handleButton runs an inline-button action, then shows the fresh state.
func (r *Router) handleButton(ctx context.Context, req *Request) error {
	var cmd dispatch.Command
	switch req.Payload {
	case "pause":
		cmd = dispatch.Command{Action: dispatch.ActionPause}
	case "resume":
		cmd = dispatch.Command{Action: dispatch.ActionResume}
	case "stop":
		cmd = dispatch.StopCommand()
	case "state":
		return r.cmdState(ctx, req)
	default:
		return fmt.Errorf("unknown button %q", req.Payload)
	}
	resp := r.h.Handle(ctx, req.origin(), cmd)
	if !resp.Success {
		r.reply(ctx, req.Chat, renderResponse(resp), nil)
		return nil
	}
	return r.cmdState(ctx, req)
}

func (r *Router) run(ctx context.Context, req *Request, cmd dispatch.Command) {
	resp := r.h.Handle(ctx, req.origin(), cmd)
	r.reply(ctx, req.Chat, renderResponse(resp), nil)
}

// parseTabToken accepts "url", "url|seconds", "name|url" and
// "name|url|seconds". seconds may also be a Go duration ("90s", "2m").
func parseTabToken(tok string) (dispatch.TabInput, error) {
	parts := strings.Split(strings.TrimSpace(tok), "|")
	var t dispatch.TabInput
	var iv string
	switch len(parts) {
	case 1:
		t.URL = parts[0]
	case 2:
		if _, err := parseSeconds(parts[1]); err == nil {
			t.URL, iv = parts[0], parts[1]
		} else {
			t.Name, t.URL = parts[0], parts[1]
		}
	case 3:
		t.Name, t.URL, iv = parts[0], parts[1], parts[2]
	default:
		return t, fmt.Errorf("bad tab %q", tok)
	}
	t.Name = strings.TrimSpace(t.Name)
	t.URL = strings.TrimSpace(t.URL)
	if t.URL == "" {
		return t, fmt.Errorf("tab %q has no url", tok)
	}
	if iv != "" {
		d, err := parseSeconds(iv)
		if err != nil {
			return t, fmt.Errorf("tab %q: %w", tok, err)
		}
		t.Interval = d.Milliseconds()
	}
	return t, nil
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval %q must be positive", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad interval %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}
	return d, nil
}

func renderResponse(resp dispatch.Response) string {
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = resp.Status
		}
		return "❌ " + tgui.Esc(tgui.TruncRunes(msg, 1500)).String()
	}
	lines := []tgui.H{"✅ " + tgui.Esc(resp.Status)}
	for _, f := range resp.Errors {
		lines = append(lines, "⚠️ "+tgui.Code(f.Tab)+": "+tgui.Esc(tgui.TruncRunes(f.Error, 300)))
	}
	return tgui.JoinH("\n", lines...).String()
}

func renderState(resp dispatch.Response) (string, *tele.ReplyMarkup) {
	if !resp.Success || resp.IsActive == nil {
		return renderResponse(resp), nil
	}
	btn := func(label, action string) tele.InlineButton {
		return tgui.Btn(label, tgui.Data(callbackPrefix, action, ""))
	}
	var kb tgui.Keyboard
	var status string
	switch {
	case !*resp.IsActive:
		status = "idle"
	case *resp.IsPaused:
		status = "paused"
		kb = kb.Row(btn("▶️ Resume", "resume"), btn("⏹ Stop", "stop"))
	default:
		status = "running"
		kb = kb.Row(btn("⏸ Pause", "pause"), btn("⏹ Stop", "stop"))
	}
	kb = kb.Row(btn("🔄 Refresh", "state"))

	lines := []tgui.H{tgui.B("Rotation: " + status)}
	if *resp.IsActive {
		lines = append(lines,
			tgui.Esc(fmt.Sprintf("Tabs: %d", *resp.TabsCount)),
			tgui.Esc(fmt.Sprintf("Next index: %d", *resp.CurrentIndex)),
		)
	}
	return tgui.JoinH("\n", lines...).String(), kb.Markup()
}
