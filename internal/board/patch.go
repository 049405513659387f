package board

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty, too long or malformed.
	ErrInvalidSessionID = errors.New("board: invalid session id")
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("board: invalid group id")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// SessionID represents a validated learning-session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	if !sessionIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: unsupported characters", ErrInvalidSessionID)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// GroupID identifies a set of primitives manipulated as one unit.
type GroupID string

// NewGroupID validates raw input and returns a GroupID.
func NewGroupID(rawInput string) (GroupID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxIdentifierLength)
	}
	return GroupID(trimmed), nil
}

// String returns the underlying string identifier.
func (id GroupID) String() string {
	return string(id)
}

// Principal is the caller an external auth collaborator has already authorized.
type Principal struct {
	Subject string
	Roles   []string
}

// IsZero reports whether no principal was supplied.
func (p Principal) IsZero() bool {
	return strings.TrimSpace(p.Subject) == ""
}

// Update is a partial change to one existing object.
type Update struct {
	ID   string `json:"id"`
	Diff Fields `json:"diff"`
}

// Patch is a semantic delta applied atomically to a board.
type Patch struct {
	Creates []Fields `json:"creates,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
	Updates []Update `json:"updates,omitempty"`
}

// IsEmpty reports whether the patch carries no operations.
func (p Patch) IsEmpty() bool {
	return len(p.Creates) == 0 && len(p.Deletes) == 0 && len(p.Updates) == 0
}
