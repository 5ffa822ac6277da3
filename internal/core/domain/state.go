package domain

import (
	"slices"

	"avatarlink/pkg/errors"
)

// StreamingState is a per-provider snapshot. Values handed to subscribers
// are copies; mutate only through StateChange functions.
type StreamingState struct {
	IsJoined         bool                   `json:"is_joined"`
	IsConnecting     bool                   `json:"is_connecting"`
	IsSpeaking       bool                   `json:"is_speaking"`
	Participants     []Participant          `json:"participants"`
	LocalParticipant *Participant           `json:"local_participant,omitempty"`
	NetworkQuality   *ConnectionQuality     `json:"network_quality,omitempty"`
	DetailedStats    *NetworkStats          `json:"detailed_stats,omitempty"`
	Error            *errors.StreamingError `json:"error,omitempty"`
}

// Phase is the coarse lifecycle position derived from a state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseJoined     Phase = "joined"
	PhaseError      Phase = "error"
)

// Phase reports where the state sits in the provider lifecycle.
func (s StreamingState) Phase() Phase {
	switch {
	case s.IsConnecting:
		return PhaseConnecting
	case s.IsJoined:
		return PhaseJoined
	case s.Error != nil:
		return PhaseError
	default:
		return PhaseIdle
	}
}

// Clone returns a copy that shares nothing mutable with s.
func (s StreamingState) Clone() StreamingState {
	cp := s
	cp.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		cp.Participants[i] = p.Clone()
	}
	if s.LocalParticipant != nil {
		lp := s.LocalParticipant.Clone()
		cp.LocalParticipant = &lp
	}
	if s.NetworkQuality != nil {
		q := *s.NetworkQuality
		cp.NetworkQuality = &q
	}
	if s.DetailedStats != nil {
		st := *s.DetailedStats
		cp.DetailedStats = &st
	}
	return cp
}

// StateChange patches one or more fields of a state copy.
type StateChange func(*StreamingState)

func SetJoined(v bool) StateChange     { return func(s *StreamingState) { s.IsJoined = v } }
func SetConnecting(v bool) StateChange { return func(s *StreamingState) { s.IsConnecting = v } }
func SetSpeaking(v bool) StateChange   { return func(s *StreamingState) { s.IsSpeaking = v } }

func SetParticipants(ps []Participant) StateChange {
	return func(s *StreamingState) { s.Participants = slices.Clone(ps) }
}

func SetLocalParticipant(p *Participant) StateChange {
	return func(s *StreamingState) {
		if p == nil {
			s.LocalParticipant = nil
			return
		}
		cp := p.Clone()
		s.LocalParticipant = &cp
	}
}

func SetNetworkQuality(q *ConnectionQuality) StateChange {
	return func(s *StreamingState) { s.NetworkQuality = q }
}

func SetDetailedStats(st *NetworkStats) StateChange {
	return func(s *StreamingState) { s.DetailedStats = st }
}

func SetError(err *errors.StreamingError) StateChange {
	return func(s *StreamingState) { s.Error = err }
}

// ResetState returns every field to its default.
func ResetState() StateChange {
	return func(s *StreamingState) { *s = StreamingState{Participants: []Participant{}} }
}

// DefaultState is the state of a newly constructed provider.
func DefaultState() StreamingState {
	return StreamingState{Participants: []Participant{}}
}
