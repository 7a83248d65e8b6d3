package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewThreadID returns a fresh story thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// SanitizeIdentifier makes a caller-supplied identifier safe as a single
// filesystem path segment.
func SanitizeIdentifier(id string) string {
	replacer := strings.NewReplacer(":", "-", " ", "-", "/", "-", "\\", "-", "..", "-")
	return replacer.Replace(id)
}
