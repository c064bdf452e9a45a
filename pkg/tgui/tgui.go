package tgui

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]tele.InlineButton

// Row appends a row; an empty row is ignored.
func (k Keyboard) Row(btns ...tele.InlineButton) Keyboard {
	if len(btns) == 0 {
		return k
	}
	return append(k, btns)
}

// Markup is nil for a keyboard without rows.
func (k Keyboard) Markup() *tele.ReplyMarkup {
	if len(k) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: k}
}

// Btn is a callback button carrying data verbatim. Without Unique, telebot
// delivers presses to the OnCallback handler.
func Btn(text, data string) tele.InlineButton {
	return tele.InlineButton{Text: text, Data: data}
}

// Data joins callback fields with ':' and omits an empty payload, giving
// "rot:pause" or "rot:open:3".
func Data(prefix, action, payload string) string {
	parts := []string{strings.TrimSpace(prefix), strings.TrimSpace(action)}
	if payload != "" {
		parts = append(parts, payload)
	}
	return strings.Join(parts, ":")
}
