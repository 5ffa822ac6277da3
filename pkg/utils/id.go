package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns the mid used to correlate chunks of one message
func NewMessageID() string {
	return uuid.NewString()
}

// NewSyntheticID returns an id for inbound messages that carried none
func NewSyntheticID() string {
	return GenerateID("msg")
}

// NewRequestID returns an id for control API requests
func NewRequestID() string {
	return GenerateID("req")
}

// NewTraceID returns a 32 character hex trace id
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateID returns prefix_<12 hex chars>
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id[:12]
}
