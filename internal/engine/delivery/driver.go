// Package delivery implements the Delivery Router: resolution of the
// effective (channel, target) for a job's output, LastRoute fallback and
// persistence, and channel-specific target normalisation (most notably
// Telegram's topic-id encodings). Concrete Channel Driver implementations
// for Telegram, Discord, Slack and WhatsApp live in sibling files; the
// Router itself only depends on the ChannelDriver interface.
package delivery

import "context"

// Metadata carries optional per-send hints (reply-to, attachments, …)
// that the Router passes through to a driver unmodified.
type Metadata struct {
	ReplyTo     string
	Attachments []string
}

// SendResult is a driver's outcome for one Send call.
type SendResult struct {
	OK        bool
	ErrorKind string
	Err       error
}

// ChannelDriver is the engine's external boundary to a messaging surface.
// The engine never knows how a driver authenticates or transports —
// only that Send either succeeds or reports a typed failure.
type ChannelDriver interface {
	// Name is the channel identifier used in routing ("telegram",
	// "discord", "slack", "whatsapp", "mattermost").
	Name() string

	// Send delivers text to target, returning ok/error. Bounded by a
	// driver-specific timeout; the Executor waits for this to complete or
	// fail before writing the RunRecord.
	Send(ctx context.Context, target string, text string, meta Metadata) SendResult
}

// InboundMessage is what a driver's push callback delivers to the engine
// for inbound routing — a bare shape, since message formatting is a
// driver/channel concern, not the engine's.
type InboundMessage struct {
	Channel   string
	From      string
	Text      string
	ReplyTo   string
	Timestamp int64
}

// InboundHandler is the shape of a driver's inbound push callback.
// ChannelDriver has no method to register one, and no driver in this
// package calls one.
type InboundHandler func(InboundMessage)
