// Package validation checks user-supplied identifiers before they reach
// the wire.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinNameLength = 1
	MaxNameLength = 20

	RoomCodeLength = 4
)

// roomCodeRegex matches the relay's code alphabet, which drops the
// characters that read ambiguously (0/O, 1/I).
var roomCodeRegex = regexp.MustCompile(`^[A-HJ-NP-Z2-9]+$`)

// ValidateDisplayName checks the name a participant joins under.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	length := utf8.RuneCountInString(name)
	if length < MinNameLength {
		return fmt.Errorf("name is required")
	}
	if length > MaxNameLength {
		return fmt.Errorf("name is too long (max %d characters)", MaxNameLength)
	}
	return nil
}

// ValidateRoomCode checks the shape of a room code before dialling.
func ValidateRoomCode(code string) error {
	if len(code) != RoomCodeLength {
		return fmt.Errorf("room code must be %d characters", RoomCodeLength)
	}
	if !roomCodeRegex.MatchString(code) {
		return fmt.Errorf("room code contains invalid characters")
	}
	return nil
}
