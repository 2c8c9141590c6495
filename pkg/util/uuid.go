package util

import "github.com/google/uuid"

// NewInstanceUID generates a time-ordered 128-bit instance UID.
func NewInstanceUID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
