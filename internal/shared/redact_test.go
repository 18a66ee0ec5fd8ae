package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_BotToken(t *testing.T) {
	input := "connecting with 123456789:AAEhBOweik6ad9r_QXMENQjcrGbqCr4K-pc"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key   string
		value string
		want  string
	}{
		{"BOT_TOKEN", "secretvalue", "[REDACTED]"},
		{"API_KEY", "abc", "[REDACTED]"},
		{"DB_PASSWORD", "hunter2", "[REDACTED]"},
		{"HOME", "/home/op", "/home/op"},
		{"TZ", "Europe/Berlin", "Europe/Berlin"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q): got %q, want %q", tc.key, got, tc.want)
		}
	}
}
