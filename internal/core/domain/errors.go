package domain

import "errors"

var (
	ErrNotConnected      = errors.New("transport not connected")
	ErrNoActiveProvider  = errors.New("no active provider")
	ErrProviderClosed    = errors.New("provider closed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionActive     = errors.New("session already active")
	ErrSettingNotFound   = errors.New("setting not found")
	ErrParticipantExists = errors.New("participant already registered")
)
