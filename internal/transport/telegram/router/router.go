// Package router turns chat updates into dispatcher commands. Commands
// run on a bounded worker pool; every update except /help is owner-only.
package router

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"tabrotate/internal/dispatch"
	rtsup "tabrotate/internal/runtime/supervisor"
	kit "tabrotate/internal/transport"
	logx "tabrotate/pkg/logx"
)

const (
	callbackPrefix = "rot"
	buttonTimeout  = 10 * time.Second
)

// Handler is the dispatcher entry point.
type Handler interface {
	Handle(ctx context.Context, origin dispatch.Origin, cmd dispatch.Command) dispatch.Response
}

// TabSource yields the configured rotation tabs for "/rotate start".
type TabSource func() []dispatch.TabInput

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string
	Command  string
	Args     []string
	Flags    map[string]string
	Bools    map[string]bool
	Payload  string         // callback payload
	Panel    kit.MessageRef // message carrying the pressed button
	ReqID    string
	Logger   logx.Logger
}

func (r *Request) origin() dispatch.Origin {
	actor := strconv.FormatInt(r.FromID, 10)
	if r.Username != "" {
		actor += "@" + r.Username
	}
	return dispatch.Origin{Transport: "telegram", Actor: actor}
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	h       Handler
	tabs    TabSource
	reg     *rtsup.Registry

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]*Command // name and aliases
	order  []*Command

	jobs chan func()
}

func New(adapter kit.Adapter, h Handler, tabs TabSource, owners []int64, log logx.Logger, reg *rtsup.Registry) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		h:       h,
		tabs:    tabs,
		reg:     reg,
		owners:  slices.Clone(owners),
		cmds:    map[string]*Command{},
		jobs:    make(chan func(), 64),
	}
	for _, c := range r.commands() {
		r.register(c)
	}
	return r
}

func (r *Router) register(c Command) {
	cp := c
	r.order = append(r.order, &cp)
	r.cmds[c.Name] = &cp
	for _, a := range c.Aliases {
		r.cmds[a] = &cp
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// MenuCommands lists the commands for the client menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, c := range r.order {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.reg.Set("telegram.router", sup)

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		sup.Go("telegram.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, r.MenuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.reg.Delete("telegram.router")
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		Username: msg.Username,
		Command:  cmd.Name,
		Args:     pos,
		Flags:    flags,
		Bools:    bools,
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := r.guarded(cmd.Handle, cmd.Timeout)
	if !r.enqueue(func() {
		if err := final(ctx, req); err != nil {
			r.reply(ctx, req.Chat, "❌ "+html.EscapeString(err.Error()), nil)
		}
	}) {
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

// routeCallback handles inline buttons, data "rot:<action>".
func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	prefix, action, ok := strings.Cut(strings.TrimSpace(cb.Data), ":")
	if !ok || prefix != callbackPrefix {
		return
	}
	if !r.isOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + action,
		Payload: action,
		Panel:   kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID},
		ReqID:   rid,
		Logger:  r.log.With(logx.String("rid", rid), logx.Int64("from_id", cb.FromID), logx.String("cmd", "cb:"+action)),
	}
	final := r.guarded(r.handleButton, buttonTimeout)
	if !r.enqueue(func() {
		_ = final(ctx, req)
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string, markup any) {
	if _, err := r.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: markup}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("<b>Tab rotation</b>\n")
	for _, c := range r.order {
		fmt.Fprintf(&b, "\n<code>/%s</code>", c.Name)
		if c.Usage != "" {
			fmt.Fprintf(&b, " <code>%s</code>", html.EscapeString(c.Usage))
		}
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" 🔒")
		}
	}
	return b.String()
}
