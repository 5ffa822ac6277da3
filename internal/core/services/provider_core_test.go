package services

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/resource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCreds struct {
	provider domain.ProviderType
	err      error
}

func (c testCreds) ProviderType() domain.ProviderType { return c.provider }
func (c testCreds) Validate() error                   { return c.err }

type handlerLog struct {
	errs     []*errors.StreamingError
	joined   []string
	chats    []domain.ChatMessage
	quality  []domain.ConnectionQuality
	speaking []bool
	system   []domain.SystemMessage
}

func (l *handlerLog) handlers() ports.StreamingEventHandlers {
	return ports.StreamingEventHandlers{
		OnError:                    func(e *errors.StreamingError) { l.errs = append(l.errs, e) },
		OnParticipantJoined:        func(p domain.Participant) { l.joined = append(l.joined, p.ID) },
		OnChatMessage:              func(m domain.ChatMessage) { l.chats = append(l.chats, m) },
		OnConnectionQualityChanged: func(q domain.ConnectionQuality) { l.quality = append(l.quality, q) },
		OnSpeakingStateChanged:     func(v bool) { l.speaking = append(l.speaking, v) },
		OnSystemMessage:            func(m domain.SystemMessage) { l.system = append(l.system, m) },
	}
}

func newTestCore() *ProviderCore {
	return NewProviderCore(CoreConfig{
		Provider:  domain.ProviderLiveKit,
		Transport: &fakeTransport{},
	})
}

func joinOK(t *testing.T, c *ProviderCore, log *handlerLog) {
	t.Helper()
	err := c.Join(context.Background(), testCreds{provider: domain.ProviderLiveKit}, log.handlers(),
		func(context.Context) error {
			c.Connection.SetStatus(domain.ConnectionConnected, "")
			return c.Participants.Upsert(domain.Participant{ID: "avatar"})
		}, nil, nil)
	require.NoError(t, err)
}

func TestProviderCore_JoinSuccess(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}

	var phases []domain.Phase
	c.Subscribe(func(s domain.StreamingState) { phases = append(phases, s.Phase()) })

	joinOK(t, c, log)

	st := c.State()
	assert.True(t, st.IsJoined)
	assert.False(t, st.IsConnecting)
	assert.Nil(t, st.Error)
	require.Len(t, st.Participants, 1)
	assert.Equal(t, []string{"avatar"}, log.joined)
	assert.Equal(t, domain.PhaseConnecting, phases[0])
	assert.Equal(t, domain.PhaseJoined, phases[len(phases)-1])
}

func TestProviderCore_JoinFailureLeavesIdleWithError(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}

	err := c.Join(context.Background(), testCreds{provider: domain.ProviderLiveKit}, log.handlers(),
		func(context.Context) error { return stderrors.New("signal unreachable") },
		nil,
		func(err error) *errors.StreamingError {
			return errors.Wrap(err, errors.ErrCodeConnectionFailed, "join failed")
		})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))

	st := c.State()
	assert.False(t, st.IsJoined)
	assert.False(t, st.IsConnecting)
	require.NotNil(t, st.Error)
	assert.Equal(t, errors.ErrCodeConnectionFailed, st.Error.Code)
	assert.Equal(t, "livekit", st.Error.Provider)
	require.Len(t, log.errs, 1)
}

func TestProviderCore_RejectsForeignCredentials(t *testing.T) {
	c := newTestCore()
	var joinCalled bool

	err := c.Join(context.Background(), testCreds{provider: domain.ProviderAgora}, ports.StreamingEventHandlers{},
		func(context.Context) error { joinCalled = true; return nil }, nil, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidCredentials))
	assert.False(t, joinCalled)

	err = c.Join(context.Background(), testCreds{provider: domain.ProviderLiveKit, err: errors.New(errors.ErrCodeInvalidCredentials, "token missing")},
		ports.StreamingEventHandlers{}, func(context.Context) error { joinCalled = true; return nil }, nil, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidCredentials))
	assert.False(t, joinCalled)
}

func TestProviderCore_ForwardsEvents(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}
	joinOK(t, c, log)

	c.Messages.HandleFrame([]byte(`{"v":2,"type":"chat","mid":"c1","pld":{"text":"hello"}}`))
	c.Messages.HandleFrame([]byte(`{"v":2,"type":"event","pld":{"event":"audio_start"}}`))
	eventbus.Emit(c.Bus, TopicQuality, domain.NewConnectionQuality(85, domain.QualityExcellent, domain.QualityExcellent, 30, 0))

	require.Len(t, log.chats, 1)
	assert.Equal(t, "hello", log.chats[0].Text)
	assert.Equal(t, []bool{true}, log.speaking)
	require.Len(t, log.quality, 1)

	st := c.State()
	assert.True(t, st.IsSpeaking)
	require.NotNil(t, st.NetworkQuality)
	assert.Equal(t, 85, st.NetworkQuality.Score)
}

func TestProviderCore_UnexpectedDisconnect(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}
	joinOK(t, c, log)

	c.Connection.SetStatus(domain.ConnectionDisconnected, "server closed")

	st := c.State()
	assert.False(t, st.IsJoined)
	require.NotNil(t, st.Error)
	assert.Equal(t, errors.ErrCodeConnectionLost, st.Error.Code)
	require.Len(t, log.errs, 1)
}

func TestProviderCore_TokenExpired(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}
	joinOK(t, c, log)

	c.Connection.TokenWillExpire(0)
	c.Connection.TokenExpired()

	assert.False(t, c.Connection.IsConnected())
	st := c.State()
	assert.False(t, st.IsJoined)
	require.NotNil(t, st.Error)
	assert.Equal(t, errors.ErrCodeTokenExpired, st.Error.Code)
	require.Len(t, log.system, 1)
	assert.Equal(t, "token_will_expire", log.system[0].EventType)
}

func TestProviderCore_LeaveAlwaysEndsIdle(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}
	joinOK(t, c, log)

	var cleaned atomic.Int32
	c.Resources.RegisterGlobal(resource.Func(func(context.Context) error {
		cleaned.Add(1)
		return stderrors.New("already closed")
	}))

	c.Leave(context.Background(), func(context.Context) error { return stderrors.New("teardown failed") })

	assert.Equal(t, domain.DefaultState(), c.State())
	assert.Equal(t, int32(1), cleaned.Load())
	assert.Empty(t, log.errs, "a local disconnect is not a connection loss")

	c.Messages.HandleFrame([]byte(`{"v":2,"type":"chat","mid":"c2","pld":{"text":"late"}}`))
	assert.Empty(t, log.chats)
}

func TestProviderCore_SurfaceMirrorsIntoState(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}
	joinOK(t, c, log)

	err := c.SendMessage(context.Background(), "")
	require.Error(t, err)
	st := c.State()
	require.NotNil(t, st.Error)
	assert.Equal(t, errors.ErrCodeInvalidParameter, st.Error.Code)
	assert.True(t, st.IsJoined)
	require.Len(t, log.errs, 1)
}

func TestProviderCore_FailureAfterNativeJoinTearsDown(t *testing.T) {
	c := newTestCore()
	log := &handlerLog{}

	var tornDown, cleaned int
	err := c.Join(context.Background(), testCreds{provider: domain.ProviderLiveKit}, log.handlers(),
		func(context.Context) error {
			c.Connection.SetStatus(domain.ConnectionConnected, "")
			if err := c.Participants.Upsert(domain.Participant{ID: "me", IsLocal: true}); err != nil {
				return err
			}
			c.Resources.RegisterGlobal(resource.Func(func(context.Context) error {
				cleaned++
				return nil
			}))
			return c.Participants.Upsert(domain.Participant{ID: "other-me", IsLocal: true})
		},
		func(context.Context) error {
			tornDown++
			return stderrors.New("room already gone")
		},
		nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeParticipantError))

	assert.Equal(t, 1, tornDown)
	assert.Equal(t, 1, cleaned)
	assert.Empty(t, c.Participants.List())
	assert.False(t, c.Connection.IsConnected())

	st := c.State()
	assert.False(t, st.IsJoined)
	assert.False(t, st.IsConnecting)
	require.NotNil(t, st.Error)
	require.Len(t, log.errs, 1)
}

func TestProviderCore_ExpiredCredentialsAtJoin(t *testing.T) {
	c := newTestCore()

	err := c.Join(context.Background(), testCreds{provider: domain.ProviderLiveKit}, ports.StreamingEventHandlers{},
		func(context.Context) error {
			c.Connection.SetStatus(domain.ConnectionConnected, "")
			c.Connection.ScheduleExpiry(time.Now().Add(-time.Second))
			time.Sleep(20 * time.Millisecond)
			return nil
		}, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := c.State()
		return st.Error != nil && st.Error.Code == errors.ErrCodeTokenExpired
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.State().IsJoined)
	assert.False(t, c.Connection.IsConnected())
}
