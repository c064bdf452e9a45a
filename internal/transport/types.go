// Package transport holds the chat types shared by the Telegram adapter,
// the command router and the alerts service, so neither side imports
// telebot types directly.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event; exactly one of Message and Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a text message. Only commands ("/...") are routed.
type Message struct {
	ChatID   int64
	ThreadID int // forum topic, 0 outside topics
	FromID   int64
	Username string // sender's @name without the @, may be empty
	Text     string
}

// Callback is an inline-button press on a message the bot sent.
type Callback struct {
	ID        string
	ChatID    int64
	ThreadID  int
	MessageID int
	FromID    int64
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef addresses a sent message for later edits.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyMarkup    any // *telebot.ReplyMarkup for the Telegram adapter
}

// Adapter is a chat connection. Start feeds out until Stop or ctx ends.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is optional; the router publishes its command list
// through it at startup.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
