// Package telegram connects joi to a Telegram bot: it delivers replies,
// status lines and approval prompts, and feeds incoming messages, replies
// and button presses to the session runner and the task scheduler.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// botAPI is the part of the Bot API joi uses. *telego.Bot implements it.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
}

// Channel sends messages to Telegram chats. Recipients and message ids are
// the decimal forms of Telegram's integer ids.
type Channel struct {
	api botAPI
	bot *telego.Bot // nil in tests
}

// NewBot creates a bot client, optionally through an HTTP proxy.
func NewBot(token, proxy string) (*telego.Bot, error) {
	var opts []telego.BotOption
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// NewChannel wraps bot.
func NewChannel(bot *telego.Bot) *Channel {
	return &Channel{api: bot, bot: bot}
}

func parseChatID(recipient string) (int64, error) {
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", recipient, err)
	}
	return id, nil
}

func formatID[T int | int64](id T) string {
	return strconv.FormatInt(int64(id), 10)
}

// Send delivers text, split into as many messages as needed, and returns
// the id of the last one.
func (c *Channel) Send(ctx context.Context, recipient, text string) (string, error) {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return "", err
	}
	msg, err := c.send(ctx, chatID, text, nil)
	if err != nil {
		return "", err
	}
	return formatID(msg.MessageID), nil
}

// SendConfirm delivers text with Yes/No buttons carrying callback+":1" and
// callback+":0".
func (c *Channel) SendConfirm(ctx context.Context, recipient, text, callback string) (string, error) {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return "", err
	}
	msg, err := c.send(ctx, chatID, text, confirmKeyboard(callback))
	if err != nil {
		return "", err
	}
	return formatID(msg.MessageID), nil
}

// Edit replaces the text of a message and drops its buttons.
func (c *Channel) Edit(ctx context.Context, recipient, messageID, text string) error {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return c.edit(ctx, chatID, id, text)
}

// send delivers text in chunks. The keyboard goes on the last chunk.
func (c *Channel) send(ctx context.Context, chatID int64, text string, kb *telego.InlineKeyboardMarkup) (*telego.Message, error) {
	if text == "" {
		text = "(empty response)"
	}
	chunks := SplitMessage(text, MessageLimit)
	var last *telego.Message
	for i, chunk := range chunks {
		params := tu.Message(tu.ID(chatID), chunk)
		if kb != nil && i == len(chunks)-1 {
			params = params.WithReplyMarkup(kb)
		}
		msg, err := c.api.SendMessage(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("telegram send: %w", err)
		}
		last = msg
	}
	return last, nil
}

func (c *Channel) edit(ctx context.Context, chatID int64, messageID int, text string) error {
	chunks := SplitMessage(text, MessageLimit)
	if _, err := c.api.EditMessageText(ctx, tu.EditMessageText(tu.ID(chatID), messageID, chunks[0])); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (c *Channel) typing(ctx context.Context, chatID int64) error {
	return c.api.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func confirmKeyboard(callback string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("Yes").WithCallbackData(callback+":1"),
		tu.InlineKeyboardButton("No").WithCallbackData(callback+":0"),
	))
}
