package ids

import (
	"strings"

	"github.com/google/uuid"
)

const maxLength = 128

// New returns a time-ordered opaque identifier.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether a caller-supplied id can be stored as-is.
func Valid(id string) bool {
	if id == "" || len(id) > maxLength || strings.TrimSpace(id) != id {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}
