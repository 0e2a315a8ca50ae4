package delivery

import (
	"fmt"
	"strconv"
	"strings"
)

// TelegramTarget is the normalised form of every Telegram target spelling
// the engine accepts, per §4.7.
type TelegramTarget struct {
	ChatID  string
	TopicID string // empty when the target has no topic/thread
}

// String canonicalises back to "<chat_id>:topic:<id>" form when a topic is
// present, or bare "<chat_id>" otherwise — the round-trip §8 requires.
func (t TelegramTarget) String() string {
	if t.TopicID == "" {
		return t.ChatID
	}
	return fmt.Sprintf("%s:topic:%s", t.ChatID, t.TopicID)
}

// ParseTelegramTarget normalises every accepted Telegram target spelling
// to (chat_id, topic_id?):
//
//	"<chat_id>"                              -> no topic
//	"<chat_id>:topic:<id>"                   -> explicit topic
//	"<chat_id>:<id>"                         -> shorthand, numeric suffix is a topic id
//	"telegram:group:<chat_id>:topic:<id>"    -> prefixed, explicit topic
//
// grounded on itsddvn-goclaw's internal/channels/telegram thread-id
// handling (messageThreadID / resolveThreadIDForSend / the ":topic:N"
// composite local key).
func ParseTelegramTarget(raw string) (TelegramTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TelegramTarget{}, fmt.Errorf("delivery: empty telegram target")
	}

	s = strings.TrimPrefix(s, "telegram:group:")
	s = strings.TrimPrefix(s, "telegram:")

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if !isNumeric(parts[0]) {
			return TelegramTarget{}, fmt.Errorf("delivery: invalid telegram chat id %q", parts[0])
		}
		return TelegramTarget{ChatID: parts[0]}, nil
	case 2:
		if !isNumeric(parts[0]) || !isNumeric(parts[1]) {
			return TelegramTarget{}, fmt.Errorf("delivery: invalid telegram target %q", raw)
		}
		// shorthand "<chat_id>:<id>" - numeric suffix is a topic id
		return TelegramTarget{ChatID: parts[0], TopicID: parts[1]}, nil
	case 3:
		if parts[1] != "topic" || !isNumeric(parts[0]) || !isNumeric(parts[2]) {
			return TelegramTarget{}, fmt.Errorf("delivery: invalid telegram target %q", raw)
		}
		return TelegramTarget{ChatID: parts[0], TopicID: parts[2]}, nil
	default:
		return TelegramTarget{}, fmt.Errorf("delivery: invalid telegram target %q", raw)
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// DisambiguatedTarget is the resolved (kind, id) pair for channels that
// require an explicit "channel:" or "user:" prefix on bare numeric ids —
// Slack, Discord and Mattermost per §4.7.
type DisambiguatedTarget struct {
	Kind string // "channel" | "user"
	ID   string
}

// ParseDisambiguatedTarget rejects bare numeric ids (ambiguous between a
// channel and a user) unless prefixed with "channel:" or "user:".
// Non-numeric ids (e.g. Slack's C.../U... ids) are accepted unprefixed
// since they are self-disambiguating.
func ParseDisambiguatedTarget(raw string) (DisambiguatedTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DisambiguatedTarget{}, fmt.Errorf("delivery: empty target")
	}
	if rest, ok := strings.CutPrefix(s, "channel:"); ok {
		return DisambiguatedTarget{Kind: "channel", ID: rest}, nil
	}
	if rest, ok := strings.CutPrefix(s, "user:"); ok {
		return DisambiguatedTarget{Kind: "user", ID: rest}, nil
	}
	if isNumeric(s) {
		return DisambiguatedTarget{}, fmt.Errorf("delivery: ambiguous numeric target %q requires channel: or user: prefix", s)
	}
	return DisambiguatedTarget{Kind: "channel", ID: s}, nil
}
