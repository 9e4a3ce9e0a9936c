package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// MaxMessageLength is the longest message body accepted, in runes.
const MaxMessageLength = 4000

var (
	policy  = bluemonday.UGCPolicy()
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing message bodies before they are stored.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown message body to HTML and sanitizes the result.
func Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return Sanitize(buf.String()), nil
}

// ValidateID checks room and identity identifiers: 1-64 characters of
// alphanumerics, dot, dash and underscore.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateMessage checks that a message body is non-blank and not too long.
func ValidateMessage(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	return nil
}
