package services

import (
	"testing"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantRegistry_JoinUpdateLeave(t *testing.T) {
	bus := eventbus.New(nil)
	r := NewParticipantRegistry("livekit", bus, nil)

	var joined, left, updated []string
	eventbus.On(bus, TopicParticipantJoined, func(p domain.Participant) { joined = append(joined, p.ID) })
	eventbus.On(bus, TopicParticipantLeft, func(p domain.Participant) { left = append(left, p.ID) })
	eventbus.On(bus, TopicParticipantUpdated, func(p domain.Participant) { updated = append(updated, p.ID) })

	require.NoError(t, r.Upsert(domain.Participant{ID: "avatar"}))
	require.NoError(t, r.Upsert(domain.Participant{ID: "me", IsLocal: true}))
	require.NoError(t, r.Upsert(domain.Participant{ID: "avatar", DisplayName: "Ava"}))

	assert.True(t, r.Update("avatar", func(p *domain.Participant) { p.IsSpeaking = true }))
	assert.False(t, r.Update("ghost", func(*domain.Participant) {}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "avatar", list[0].ID)
	assert.True(t, list[0].IsSpeaking)
	assert.Equal(t, "Ava", list[0].DisplayName)
	require.NotNil(t, r.Local())
	assert.Equal(t, "me", r.Local().ID)

	p, ok := r.Remove("avatar")
	assert.True(t, ok)
	assert.Equal(t, "avatar", p.ID)
	_, ok = r.Remove("avatar")
	assert.False(t, ok)

	assert.Equal(t, []string{"avatar", "me"}, joined)
	assert.Equal(t, []string{"avatar", "avatar"}, updated)
	assert.Equal(t, []string{"avatar"}, left)
}

func TestParticipantRegistry_SingleLocal(t *testing.T) {
	r := NewParticipantRegistry("trtc", eventbus.New(nil), nil)

	require.NoError(t, r.Upsert(domain.Participant{ID: "me", IsLocal: true}))
	err := r.Upsert(domain.Participant{ID: "other", IsLocal: true})
	assert.True(t, errors.HasCode(err, errors.ErrCodeParticipantError))
	assert.ErrorIs(t, err, domain.ErrParticipantExists)
	assert.Equal(t, 1, r.Len())

	r.Remove("me")
	assert.Nil(t, r.Local())
	require.NoError(t, r.Upsert(domain.Participant{ID: "other", IsLocal: true}))
}

func TestParticipantRegistry_ClearIsSilent(t *testing.T) {
	bus := eventbus.New(nil)
	r := NewParticipantRegistry("agora", bus, nil)
	var left int
	eventbus.On(bus, TopicParticipantLeft, func(domain.Participant) { left++ })

	require.NoError(t, r.Upsert(domain.Participant{ID: "a"}))
	r.Clear()
	assert.Empty(t, r.List())
	assert.Zero(t, left)
}
