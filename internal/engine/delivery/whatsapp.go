package delivery

import (
	"context"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	. "github.com/roelfdiedericks/goclaw-cron/internal/logging"
)

// WhatsAppDriver is a thin Send-only wrapper over go.mau.fi/whatsmeow, the
// library the teacher's own WhatsApp bridge uses for session/pairing.
// Login and pairing are out of the engine's scope — the driver assumes an
// already-paired *whatsmeow.Client is injected.
type WhatsAppDriver struct {
	client *whatsmeow.Client
}

// NewWhatsAppDriver wraps an already-paired whatsmeow Client.
func NewWhatsAppDriver(client *whatsmeow.Client) *WhatsAppDriver {
	return &WhatsAppDriver{client: client}
}

func (d *WhatsAppDriver) Name() string { return "whatsapp" }

func (d *WhatsAppDriver) Send(ctx context.Context, target string, text string, meta Metadata) SendResult {
	jid, err := types.ParseJID(target)
	if err != nil {
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}

	msg := &waE2E.Message{Conversation: &text}
	if _, err := d.client.SendMessage(ctx, jid, msg); err != nil {
		L_warn("whatsapp: send failed", "target", target, "error", err)
		return SendResult{OK: false, ErrorKind: "delivery_error", Err: err}
	}
	return SendResult{OK: true}
}
