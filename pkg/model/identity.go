package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength bounds usernames, display names, and group names in bytes.
const MaxNameLength = 64

var (
	ErrUsernameEmpty        = errors.New("username must not be empty")
	ErrUsernameTooLong      = fmt.Errorf("username must not exceed %d bytes", MaxNameLength)
	ErrUsernameInvalidChars = errors.New("username must be valid UTF-8 without control characters")
	ErrGroupNameEmpty       = errors.New("group name must not be empty")
	ErrGroupNameTooLong     = fmt.Errorf("group name must not exceed %d bytes", MaxNameLength)
	ErrGroupNameInvalid     = errors.New("group name must be valid UTF-8 without control characters")
)

// ValidateUsername checks a self-declared username. Identity is not
// authenticated, so only shape is enforced: non-empty, bounded, printable.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	if len(name) > MaxNameLength {
		return ErrUsernameTooLong
	}
	if !printable(name) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidateGroupName applies the username rules to group names.
func ValidateGroupName(name string) error {
	if name == "" {
		return ErrGroupNameEmpty
	}
	if len(name) > MaxNameLength {
		return ErrGroupNameTooLong
	}
	if !printable(name) {
		return ErrGroupNameInvalid
	}
	return nil
}

// NormalizeDisplayName strips control characters, trims, truncates to
// MaxNameLength and falls back to the username when nothing is left.
func NormalizeDisplayName(display, username string) string {
	display = strings.TrimSpace(SanitizeText(display))
	for len(display) > MaxNameLength {
		_, size := utf8.DecodeLastRuneInString(display)
		display = display[:len(display)-size]
	}
	if display == "" {
		return username
	}
	return display
}

// SanitizeText strips control characters and collapses newlines to spaces.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
