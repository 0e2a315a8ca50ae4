package delivery

import (
	"context"
	"strconv"

	tele "gopkg.in/telebot.v4"

	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// TelegramDriver sends outbound messages via gopkg.in/telebot.v4, the
// library the teacher's own Telegram channel adapter is built on.
// Inbound handling is the channel adapter's concern, not the engine's —
// this driver only implements the ChannelDriver Send half and registers
// no inbound handler.
type TelegramDriver struct {
	bot *tele.Bot
}

// NewTelegramDriver wraps an already-constructed telebot.Bot.
func NewTelegramDriver(bot *tele.Bot) *TelegramDriver {
	return &TelegramDriver{bot: bot}
}

func (d *TelegramDriver) Name() string { return "telegram" }

func (d *TelegramDriver) Send(ctx context.Context, target string, text string, meta Metadata) SendResult {
	parsed, err := ParseTelegramTarget(target)
	if err != nil {
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}

	chatID, err := strconv.ParseInt(parsed.ChatID, 10, 64)
	if err != nil {
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}
	recipient := &tele.Chat{ID: chatID}

	opts := &tele.SendOptions{}
	if parsed.TopicID != "" {
		if threadID, err := strconv.Atoi(parsed.TopicID); err == nil {
			opts.ThreadID = threadID
		}
	}
	if meta.ReplyTo != "" {
		if replyID, err := strconv.Atoi(meta.ReplyTo); err == nil {
			opts.ReplyTo = &tele.Message{ID: replyID}
		}
	}

	if _, err := d.bot.Send(recipient, text, opts); err != nil {
		L_warn("telegram: send failed", "target", target, "error", err)
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}
	return SendResult{OK: true}
}
