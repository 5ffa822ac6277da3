package services

import (
	"slices"
	"sync"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StateStore holds a provider's StreamingState. Every Update replaces the
// state with a patched copy and notifies subscribers once. Notifications are
// delivered in update order; an Update issued from inside a subscriber is
// queued and delivered after the current round.
type StateStore struct {
	mu       sync.Mutex
	state    domain.StreamingState
	subs     []subscriber
	nextID   uint64
	pending  []domain.StreamingState
	draining bool

	logger *zap.SugaredLogger
}

type subscriber struct {
	id uint64
	fn func(domain.StreamingState)
}

var stateDiffOpts = cmp.Options{
	cmp.Comparer(func(a, b *errors.StreamingError) bool {
		if a == nil || b == nil {
			return a == b
		}
		return a.Code == b.Code && a.Message == b.Message
	}),
}

func NewStateStore(logger *zap.SugaredLogger) *StateStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StateStore{
		state:  domain.DefaultState(),
		logger: logger,
	}
}

// State returns a copy of the current state.
func (s *StateStore) State() domain.StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Update applies changes to a copy of the state and swaps it in. The
// goroutine that finds no delivery in progress delivers every queued state.
// An Update racing that delivery from another goroutine returns at once and
// its state reaches subscribers later, on the delivering goroutine. State
// always reflects the update immediately.
func (s *StateStore) Update(changes ...domain.StateChange) {
	s.mu.Lock()
	prev := s.state
	next := prev.Clone()
	for _, change := range changes {
		if change != nil {
			change(&next)
		}
	}
	s.state = next

	if s.logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		if diff := cmp.Diff(prev, next, stateDiffOpts); diff != "" {
			s.logger.Debugw("state updated", "diff", diff)
		}
	}

	s.pending = append(s.pending, next)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for len(s.pending) > 0 {
		st := s.pending[0]
		s.pending = s.pending[1:]
		subs := slices.Clone(s.subs)
		s.mu.Unlock()

		for _, sub := range subs {
			s.deliver(sub, st.Clone())
		}

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *StateStore) deliver(sub subscriber, st domain.StreamingState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("state subscriber panicked", "subscriber_id", sub.id, "panic", r)
		}
	}()
	sub.fn(st)
}

// Subscribe registers fn for every future update. The returned function
// removes exactly this subscription.
func (s *StateStore) Subscribe(fn func(domain.StreamingState)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(slices.Clone(s.subs), func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// SubscriberCount reports the number of live subscriptions.
func (s *StateStore) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
