package adapter

import (
	"context"
	"slices"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "tabrotate/internal/transport"
	logx "tabrotate/pkg/logx"
)

const (
	menuMaxCommands   = 100
	menuMaxDescRunes  = 256
	errNotModifiedMsg = "message is not modified"
)

func sendOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: threadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if rm, ok := opt.ReplyMarkup.(*tele.ReplyMarkup); ok && withMarkup {
		so.ReplyMarkup = rm
	}
	return so
}

// SendText splits long text into several messages. The reply markup is
// attached to the first one, whose ref is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, part := range splitText(text, textLimit, mode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, part, sendOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces ref's text. Overflow beyond one message is sent as
// follow-up messages. Editing to identical content is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	mode := ""
	if opt != nil {
		mode = opt.ParseMode
	}
	parts := splitText(text, textLimit, mode)
	target := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(target, parts[0], sendOptions(opt, 0, true)); err != nil {
		if strings.Contains(err.Error(), errNotModifiedMsg) {
			return nil
		}
		return err
	}
	if len(parts) == 1 {
		return nil
	}
	var rest *kit.SendOptions
	if opt != nil {
		rest = &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview}
	}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, strings.Join(parts[1:], "\n"), rest)
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// SendLog implements logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// menuFor converts router commands to Telegram's menu form, dropping
// unnamed entries and applying the API's size limits.
func menuFor(cmds []kit.BotCommand) []tele.Command {
	menu := make([]tele.Command, 0, min(len(cmds), menuMaxCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := []rune(c.Description)
		if len(desc) == 0 {
			desc = []rune(c.Command)
		}
		if len(desc) > menuMaxDescRunes {
			desc = desc[:menuMaxDescRunes]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: string(desc)})
		if len(menu) == menuMaxCommands {
			break
		}
	}
	return menu
}

// UpdateMenuCommands publishes the command menu, skipping the API call
// when it equals the last one published.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := menuFor(cmds)
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.lastMenu != nil && slices.Equal(a.lastMenu, menu) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.lastMenu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
