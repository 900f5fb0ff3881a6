package log

import (
	"net/url"
	"strings"
)

// sensitiveKeywords are key substrings whose values are masked before
// logging. Notification channel credentials (bot tokens, webhook secrets)
// are the most common offenders in this codebase.
var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key",
	"token", "bot_token",
	"secret", "auth", "authorization",
	"credential", "dsn",
}

// SanitizeField checks if the key contains sensitive keywords and sanitizes
// the value.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	// Webhook and channel URLs may embed tokens in the path or query.
	if strings.Contains(lowerKey, "webhook") || strings.Contains(lowerKey, "channel_url") {
		return sanitizeURL(value)
	}

	if strings.Contains(lowerKey, "email") || strings.Contains(lowerKey, "mail") {
		return sanitizeEmail(value)
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeToken(value)
		}
	}

	return value
}

// sanitizeToken masks values showing only the first 4 and last 4 characters.
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeURL keeps scheme and host but masks path and query, which is where
// Slack/Telegram-style webhook URLs carry their secrets.
func sanitizeURL(value string) string {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return sanitizeToken(value)
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// sanitizeEmail masks the local part showing the first 3 characters.
func sanitizeEmail(value string) string {
	parts := strings.Split(value, "@")
	if len(parts) != 2 {
		return strings.Repeat("*", len(value))
	}

	localPart := parts[0]
	domain := parts[1]

	if len(localPart) <= 3 {
		if len(localPart) == 0 {
			return "@" + domain
		}
		return string(localPart[0]) + strings.Repeat("*", len(localPart)-1) + "@" + domain
	}

	return localPart[:3] + "***@" + domain
}
