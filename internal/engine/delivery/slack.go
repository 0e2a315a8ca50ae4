package delivery

import (
	"context"

	"github.com/slack-go/slack"

	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// SlackDriver sends via github.com/slack-go/slack, another dependency
// itsddvn-goclaw declares but never wires into a working driver; this
// exercises it as a real Channel Driver implementation.
type SlackDriver struct {
	client *slack.Client
}

// NewSlackDriver wraps an already-authenticated slack.Client.
func NewSlackDriver(client *slack.Client) *SlackDriver {
	return &SlackDriver{client: client}
}

func (d *SlackDriver) Name() string { return "slack" }

func (d *SlackDriver) Send(ctx context.Context, target string, text string, meta Metadata) SendResult {
	parsed, err := ParseDisambiguatedTarget(target)
	if err != nil {
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}

	channelID := parsed.ID
	if parsed.Kind == "user" {
		_, _, channel, err := d.client.OpenConversation(&slack.OpenConversationParameters{Users: []string{parsed.ID}})
		if err != nil {
			L_warn("slack: failed to open DM", "user", parsed.ID, "error", err)
			return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
		}
		channelID = channel.ID
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if meta.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(meta.ReplyTo))
	}

	if _, _, err := d.client.PostMessage(channelID, opts...); err != nil {
		L_warn("slack: send failed", "target", target, "error", err)
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}
	return SendResult{OK: true}
}
