package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxTextChars    = 500  // max character count after trimming
	MaxURLBytes     = 2048 // max length of a GIF or image URL
	MinImageTimer   = 1    // seconds
	MaxImageTimer   = 300  // seconds
	maxTextBytesRaw = 4096 // matches the inbound frame limit
)

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// ValidateText checks that a chat message meets content requirements and
// returns it trimmed of surrounding whitespace.
func ValidateText(text string) (string, error) {
	if len(text) > maxTextBytesRaw {
		return "", fmt.Errorf("chat: message exceeds %d byte limit: %w", maxTextBytesRaw, ErrInvalidInput)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("chat: message contains invalid UTF-8: %w", ErrInvalidInput)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("chat: message text is empty: %w", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("chat: message exceeds %d character limit: %w", MaxTextChars, ErrInvalidInput)
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", fmt.Errorf("chat: message contains control character %U: %w", r, ErrInvalidInput)
		}
	}
	return text, nil
}

// ValidateMediaURL accepts absolute http(s) URLs only. Media is never fetched.
func ValidateMediaURL(raw string) error {
	if raw == "" || len(raw) > MaxURLBytes {
		return fmt.Errorf("chat: media url length out of range: %w", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("chat: media url: %v: %w", err, ErrInvalidInput)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("chat: media url must be absolute http(s): %w", ErrInvalidInput)
	}
	return nil
}

// ValidateImageTimer checks the self-destruct timer of an image.
func ValidateImageTimer(seconds int) error {
	if seconds < MinImageTimer || seconds > MaxImageTimer {
		return fmt.Errorf("chat: image timer %ds outside %d..%d: %w", seconds, MinImageTimer, MaxImageTimer, ErrInvalidInput)
	}
	return nil
}
