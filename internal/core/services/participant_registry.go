package services

import (
	"slices"
	"sync"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"

	"go.uber.org/zap"
)

// ParticipantRegistry is the live participant map for one provider. Join,
// leave and update events are published on the bus after the lock is
// released.
type ParticipantRegistry struct {
	mu       sync.RWMutex
	byID     map[string]domain.Participant
	order    []string
	localID  string
	provider string
	bus      *eventbus.Bus

	logger *zap.SugaredLogger
}

func NewParticipantRegistry(provider string, bus *eventbus.Bus, logger *zap.SugaredLogger) *ParticipantRegistry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ParticipantRegistry{
		byID:     make(map[string]domain.Participant),
		provider: provider,
		bus:      bus,
		logger:   logger,
	}
}

// Upsert adds p or replaces the entry with the same ID. A second local
// participant is rejected.
func (r *ParticipantRegistry) Upsert(p domain.Participant) error {
	if p.ID == "" {
		return errors.New(errors.ErrCodeParticipantError, "participant id is empty").WithProvider(r.provider)
	}

	r.mu.Lock()
	if p.IsLocal && r.localID != "" && r.localID != p.ID {
		r.mu.Unlock()
		return errors.Wrap(domain.ErrParticipantExists, errors.ErrCodeParticipantError, "a local participant is already registered").
			WithProvider(r.provider).
			WithDetail("participantId", p.ID).
			WithDetail("localId", r.localID)
	}

	_, exists := r.byID[p.ID]
	r.byID[p.ID] = p.Clone()
	if !exists {
		r.order = append(r.order, p.ID)
	}
	if p.IsLocal {
		r.localID = p.ID
	} else if r.localID == p.ID {
		r.localID = ""
	}
	r.mu.Unlock()

	if exists {
		eventbus.Emit(r.bus, TopicParticipantUpdated, p.Clone())
		return nil
	}
	r.logger.Debugw("participant joined", "provider", r.provider, "participant_id", p.ID, "local", p.IsLocal)
	eventbus.Emit(r.bus, TopicParticipantJoined, p.Clone())
	return nil
}

// Update mutates the participant in place. It reports false for unknown IDs.
func (r *ParticipantRegistry) Update(id string, fn func(*domain.Participant)) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	p = p.Clone()
	fn(&p)
	p.ID = id
	p.IsLocal = id == r.localID
	r.byID[id] = p
	r.mu.Unlock()

	eventbus.Emit(r.bus, TopicParticipantUpdated, p.Clone())
	return true
}

// Remove deletes the participant and publishes a leave event.
func (r *ParticipantRegistry) Remove(id string) (domain.Participant, bool) {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return domain.Participant{}, false
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	if r.localID == id {
		r.localID = ""
	}
	r.mu.Unlock()

	r.logger.Debugw("participant left", "provider", r.provider, "participant_id", id)
	eventbus.Emit(r.bus, TopicParticipantLeft, p.Clone())
	return p.Clone(), true
}

func (r *ParticipantRegistry) Get(id string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	return p.Clone(), true
}

// List returns participants in join order.
func (r *ParticipantRegistry) List() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Local returns the local participant or nil.
func (r *ParticipantRegistry) Local() *domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.localID == "" {
		return nil
	}
	p := r.byID[r.localID].Clone()
	return &p
}

// Clear forgets every participant without publishing leave events.
func (r *ParticipantRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]domain.Participant)
	r.order = nil
	r.localID = ""
}

func (r *ParticipantRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
