package distributed

import (
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRelay_EncodeRoundTrip(t *testing.T) {
	r := NewStateRelay(nil, "", "instance-1", nil)
	assert.Equal(t, DefaultStateChannel, r.channel)

	state := domain.DefaultState()
	state.IsJoined = true
	state.Participants = []domain.Participant{{ID: "avatar", DisplayName: "avatar"}}
	state.Error = errors.New(errors.ErrCodeConnectionLost, "connection lost").WithProvider("trtc")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := r.Encode(domain.ProviderTRTC, state, now)
	require.NoError(t, err)

	event, err := DecodeStateEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", event.InstanceID)
	assert.Equal(t, domain.ProviderTRTC, event.Provider)
	assert.True(t, event.Timestamp.Equal(now))
	assert.True(t, event.State.IsJoined)
	require.Len(t, event.State.Participants, 1)
	require.NotNil(t, event.State.Error)
	assert.Equal(t, errors.ErrCodeConnectionLost, event.State.Error.Code)
}

func TestDecodeStateEvent_Garbage(t *testing.T) {
	_, err := DecodeStateEvent([]byte("not json"))
	assert.Error(t, err)
}
