package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeField(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{
			name:  "bot token is masked",
			key:   "bot_token",
			value: "123456789abcdefg",
			want:  "1234********defg",
		},
		{
			name:  "webhook url keeps host only",
			key:   "webhook_url",
			value: "https://hooks.slack.com/services/T000/B000/secretsecret",
			want:  "https://hooks.slack.com/***",
		},
		{
			name:  "dsn is masked",
			key:   "mysql_dsn",
			value: "user:pass@tcp(db:3306)/opsmender",
			want:  "user" + strings.Repeat("*", 24) + "nder",
		},
		{
			name:  "email masks local part",
			key:   "operator_email",
			value: "alice.admin@example.com",
			want:  "ali***@example.com",
		},
		{
			name:  "plain field untouched",
			key:   "target",
			value: "db-01",
			want:  "db-01",
		},
		{
			name:  "empty value untouched",
			key:   "token",
			value: "",
			want:  "",
		},
		{
			name:  "short secret fully masked",
			key:   "secret",
			value: "ab",
			want:  "**",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeField(tt.key, tt.value))
		})
	}
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.Len(t, id, 10)
		assert.False(t, seen[id], "request IDs should be unique in practice")
		seen[id] = true
	}
}
