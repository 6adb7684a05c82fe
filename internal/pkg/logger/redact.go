// Package logger holds PII redaction helpers for log lines. Messaging
// payloads carry phone numbers and emails, so anything sender-derived
// goes through these before logging.
package logger

import (
	"regexp"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" becomes "jo***@example.com". Short local parts
// (2 chars or fewer) are fully masked.
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone masks a phone number for safe logging, keeping the country
// prefix and the last two digits: "+12065550123" becomes "+12*******23".
func RedactPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 5 {
		return "***"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+[0-9][0-9 ().-]{6,}[0-9]`)
)

// Redact masks any emails or phone numbers embedded in free text. Used
// for identifiers whose shape is not known up front, like provider
// sender IDs that may be either.
func Redact(s string) string {
	s = emailRegex.ReplaceAllStringFunc(s, RedactEmail)
	return phoneRegex.ReplaceAllStringFunc(s, RedactPhone)
}
