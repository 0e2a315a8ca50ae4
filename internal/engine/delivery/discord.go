package delivery

import (
	"context"

	"github.com/bwmarrin/discordgo"

	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// DiscordDriver sends via github.com/bwmarrin/discordgo. itsddvn-goclaw's
// go.mod declares this dependency but never imports it; this driver gives
// it a real, exercised home rather than leaving it a dead require.
type DiscordDriver struct {
	session *discordgo.Session
}

// NewDiscordDriver wraps an already-authenticated discordgo Session.
func NewDiscordDriver(session *discordgo.Session) *DiscordDriver {
	return &DiscordDriver{session: session}
}

func (d *DiscordDriver) Name() string { return "discord" }

func (d *DiscordDriver) Send(ctx context.Context, target string, text string, meta Metadata) SendResult {
	parsed, err := ParseDisambiguatedTarget(target)
	if err != nil {
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}

	channelID := parsed.ID
	if parsed.Kind == "user" {
		ch, err := d.session.UserChannelCreate(parsed.ID)
		if err != nil {
			L_warn("discord: failed to open DM channel", "user", parsed.ID, "error", err)
			return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
		}
		channelID = ch.ID
	}

	if _, err := d.session.ChannelMessageSend(channelID, text); err != nil {
		L_warn("discord: send failed", "target", target, "error", err)
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}
	return SendResult{OK: true}
}
