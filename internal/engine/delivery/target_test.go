package delivery

import "testing"

func TestParseTelegramTarget(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantChat  string
		wantTopic string
		wantErr   bool
	}{
		{"bare chat id", "12345", "12345", "", false},
		{"explicit topic", "12345:topic:7", "12345", "7", false},
		{"shorthand topic", "12345:7", "12345", "7", false},
		{"group prefix", "telegram:group:12345:topic:7", "12345", "7", false},
		{"bare prefix", "telegram:12345", "12345", "", false},
		{"non-numeric chat id", "abc", "", "", true},
		{"malformed middle segment", "12345:threads:7", "", "", true},
		{"empty", "", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTelegramTarget(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseTelegramTarget(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got.ChatID != tc.wantChat || got.TopicID != tc.wantTopic {
				t.Fatalf("ParseTelegramTarget(%q) = %+v, want chat=%q topic=%q", tc.raw, got, tc.wantChat, tc.wantTopic)
			}
		})
	}
}

func TestTelegramTargetRoundTrip(t *testing.T) {
	for _, raw := range []string{"12345", "12345:topic:7"} {
		parsed, err := ParseTelegramTarget(raw)
		if err != nil {
			t.Fatalf("ParseTelegramTarget(%q) error = %v", raw, err)
		}
		if parsed.String() != raw {
			t.Fatalf("round trip %q -> %q", raw, parsed.String())
		}
	}
}

func TestParseDisambiguatedTarget(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantID   string
		wantErr  bool
	}{
		{"channel prefix", "channel:C123", "channel", "C123", false},
		{"user prefix", "user:U123", "user", "U123", false},
		{"bare numeric rejected", "123456", "", "", true},
		{"bare non-numeric accepted", "C0ABC123", "channel", "C0ABC123", false},
		{"empty", "", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDisambiguatedTarget(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseDisambiguatedTarget(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got.Kind != tc.wantKind || got.ID != tc.wantID {
				t.Fatalf("ParseDisambiguatedTarget(%q) = %+v", tc.raw, got)
			}
		})
	}
}
