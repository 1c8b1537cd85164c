package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input limits
const (
	MinRoomNameLength    = 2
	MaxRoomNameLength    = 100
	MinPasswordLength    = 3
	MaxPasswordLength    = 50
	MaxContentLength     = 1000
	MinDisplayNameLength = 3
	MaxDisplayNameLength = 30
	MinHandleLength      = 3
	MaxHandleLength      = 50
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	roomNameRegex    = regexp.MustCompile(`^[a-zA-Z0-9\s_-]+$`)
	displayNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID rejects non-positive room ids
func ValidateRoomID(roomID int64) error {
	if roomID <= 0 {
		return ErrInvalidRoomID
	}
	return nil
}

// ValidateRoomName checks length and allowed characters of a room name
func ValidateRoomName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinRoomNameLength || n > MaxRoomNameLength || strings.TrimSpace(name) == "" {
		return ErrInvalidRoomName
	}
	if !roomNameRegex.MatchString(name) {
		return ErrInvalidRoomName
	}
	return nil
}

// ValidatePassword checks the room password bounds in bytes; bcrypt accepts at most 72
func ValidatePassword(password string) error {
	n := len(password)
	if n < MinPasswordLength || n > MaxPasswordLength || strings.TrimSpace(password) == "" {
		return ErrInvalidPassword
	}
	return nil
}

// ValidateContent checks a message body before any store or crypto call
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrInvalidContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrInvalidContent
	}
	return nil
}

// ValidateDisplayName checks a display name
func ValidateDisplayName(name string) error {
	n := len(name)
	if n < MinDisplayNameLength || n > MaxDisplayNameLength {
		return ErrInvalidDisplayName
	}
	if !displayNameRegex.MatchString(name) {
		return ErrInvalidDisplayName
	}
	return nil
}

// ValidateHandle checks an identity handle presented for token issuance
func ValidateHandle(handle string) error {
	n := len(handle)
	if n < MinHandleLength || n > MaxHandleLength || strings.TrimSpace(handle) != handle {
		return ErrInvalidHandle
	}
	return nil
}
