package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "tabrotate/internal/transport"
)

func TestMenuForLimits(t *testing.T) {
	t.Parallel()
	cmds := []kit.BotCommand{
		{Command: "rotate", Description: "Start or stop rotation"},
		{Command: ""},
		{Command: "state"},
		{Command: "long", Description: strings.Repeat("ü", 300)},
	}
	menu := menuFor(cmds)
	if len(menu) != 3 {
		t.Fatalf("menu = %v", menu)
	}
	if menu[1].Description != "state" {
		t.Fatalf("empty description should fall back to the command, got %q", menu[1].Description)
	}
	if n := len([]rune(menu[2].Description)); n != menuMaxDescRunes {
		t.Fatalf("description runes = %d", n)
	}

	many := make([]kit.BotCommand, menuMaxCommands+5)
	for i := range many {
		many[i] = kit.BotCommand{Command: "c"}
	}
	if got := len(menuFor(many)); got != menuMaxCommands {
		t.Fatalf("menu size = %d", got)
	}
}

func TestSendOptionsMarkupOnlyWhenAsked(t *testing.T) {
	t.Parallel()
	rm := &tele.ReplyMarkup{}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: rm}

	first := sendOptions(opt, 3, true)
	if first.ReplyMarkup != rm || first.ThreadID != 3 || first.ParseMode != "HTML" || !first.DisableWebPagePreview {
		t.Fatalf("first = %+v", first)
	}
	if rest := sendOptions(opt, 3, false); rest.ReplyMarkup != nil {
		t.Fatal("markup attached to a follow-up message")
	}
	if bare := sendOptions(nil, 0, true); bare.ParseMode != "" || bare.ReplyMarkup != nil {
		t.Fatalf("bare = %+v", bare)
	}
}
