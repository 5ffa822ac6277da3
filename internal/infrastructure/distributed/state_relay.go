package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStateChannel is the pub/sub channel provider state is relayed on.
const DefaultStateChannel = "avatarlink:provider-state"

// StateEvent is the JSON envelope published for every state change.
type StateEvent struct {
	InstanceID string                `json:"instance_id"`
	Provider   domain.ProviderType   `json:"provider"`
	Timestamp  time.Time             `json:"timestamp"`
	State      domain.StreamingState `json:"state"`
}

// StateRelay publishes provider state to Redis for external observers.
type StateRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
}

var _ ports.StatePublisher = (*StateRelay)(nil)

// NewStateRelay creates a relay on channel, or DefaultStateChannel when empty.
func NewStateRelay(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *StateRelay {
	if channel == "" {
		channel = DefaultStateChannel
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StateRelay{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Encode builds the wire payload for one state change.
func (r *StateRelay) Encode(provider domain.ProviderType, state domain.StreamingState, now time.Time) ([]byte, error) {
	data, err := json.Marshal(StateEvent{
		InstanceID: r.instanceID,
		Provider:   provider,
		Timestamp:  now,
		State:      state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state event: %w", err)
	}
	return data, nil
}

func (r *StateRelay) PublishState(ctx context.Context, provider domain.ProviderType, state domain.StreamingState) error {
	data, err := r.Encode(provider, state, time.Now())
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish state event: %w", err)
	}

	r.logger.Debugw("published provider state",
		"provider", provider,
		"joined", state.IsJoined,
		"participants", len(state.Participants),
	)
	return nil
}

// Watch delivers state events from every instance until ctx is done.
func (r *StateRelay) Watch(ctx context.Context, handler func(StateEvent)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := DecodeStateEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warnw("failed to unmarshal state event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(event)
		}
	}
}

// DecodeStateEvent parses one relayed payload.
func DecodeStateEvent(data []byte) (StateEvent, error) {
	var event StateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return StateEvent{}, err
	}
	return event, nil
}

// Close is a no-op; the Redis client is owned by the repository factory.
func (r *StateRelay) Close() error { return nil }
