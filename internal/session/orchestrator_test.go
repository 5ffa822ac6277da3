package session

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	"avatarlink/internal/providers"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readyTransport struct{}

func (readyTransport) SendFrame(context.Context, []byte) error { return nil }
func (readyTransport) IsReady() bool                           { return true }

type stubProvider struct {
	*services.ProviderCore
	failConnect error
}

func (p *stubProvider) Connect(ctx context.Context, creds domain.Credentials, h ports.StreamingEventHandlers) error {
	return p.Join(ctx, creds, h, func(context.Context) error { return p.failConnect }, nil, nil)
}

func (p *stubProvider) Disconnect(ctx context.Context) error {
	p.Leave(ctx, nil)
	return nil
}

func (p *stubProvider) EnableVideo(context.Context, ports.VideoConfig) (*domain.VideoTrack, error) {
	return nil, nil
}
func (p *stubProvider) EnableAudio(context.Context, ports.AudioConfig) (*domain.AudioTrack, error) {
	return nil, nil
}
func (p *stubProvider) DisableVideo(context.Context) error               { return nil }
func (p *stubProvider) PlayVideo(context.Context, ports.MediaSink) error { return nil }
func (p *stubProvider) StopVideo(context.Context) error                  { return nil }
func (p *stubProvider) PublishVideo(context.Context) error               { return nil }
func (p *stubProvider) UnpublishVideo(context.Context) error             { return nil }
func (p *stubProvider) DisableAudio(context.Context) error               { return nil }
func (p *stubProvider) PublishAudio(context.Context) error               { return nil }
func (p *stubProvider) UnpublishAudio(context.Context) error             { return nil }
func (p *stubProvider) EnableNoiseReduction(context.Context) error       { return nil }
func (p *stubProvider) DisableNoiseReduction(context.Context) error      { return nil }
func (p *stubProvider) DumpAudio(context.Context, io.Writer) error       { return nil }

type fakeAPI struct {
	mu      sync.Mutex
	next    int
	created []string
	closed  []string
}

func (a *fakeAPI) CreateSession(_ context.Context, opts domain.SessionOptions) (*domain.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := string(opts.StreamType) + "-" + string(rune('0'+a.next))
	a.created = append(a.created, id)
	return &domain.Session{
		ID:         id,
		StreamType: opts.StreamType,
		Credentials: domain.SessionCredentials{
			AgoraAppID:   "0123456789abcdef0123456789abcdef",
			AgoraChannel: "avatar-room",
			AgoraToken:   "006token",
			AgoraUID:     7,
			TRTCSDKAppID: 1400000001,
			TRTCUserID:   "user_1",
			TRTCUserSig:  "eJwsig",
			TRTCRoomID:   1234,
		},
	}, nil
}

func (a *fakeAPI) CloseSession(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, id)
	return nil
}

func (a *fakeAPI) ListAvatars(context.Context) ([]domain.Avatar, error)     { return nil, nil }
func (a *fakeAPI) ListVoices(context.Context) ([]domain.Voice, error)       { return nil, nil }
func (a *fakeAPI) ListLanguages(context.Context) ([]domain.Language, error) { return nil, nil }

func (a *fakeAPI) closedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.closed...)
}

type fakeLease struct {
	held     bool
	deny     bool
	unlocked int
}

func (l *fakeLease) TryLock(context.Context) (bool, error) {
	if l.deny {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLease) Unlock(context.Context) error {
	l.held = false
	l.unlocked++
	return nil
}

type fixture struct {
	api    *fakeAPI
	orch   *Orchestrator
	failOn map[domain.ProviderType]error
	leases map[string]*fakeLease
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:    &fakeAPI{},
		failOn: make(map[domain.ProviderType]error),
		leases: make(map[string]*fakeLease),
	}

	factory := providers.NewFactory(nil)
	for _, pt := range []domain.ProviderType{domain.ProviderAgora, domain.ProviderTRTC} {
		factory.Register(pt, func() (providers.Constructor, error) {
			return func() (ports.StreamingProvider, error) {
				return &stubProvider{
					ProviderCore: services.NewProviderCore(services.CoreConfig{Provider: pt, Transport: readyTransport{}}),
					failConnect:  f.failOn[pt],
				}, nil
			}, nil
		})
	}

	f.orch = NewOrchestrator(Options{
		API:     f.api,
		Manager: providers.NewManager(factory, nil, nil, nil),
		Leases: func(id string) Lease {
			l, ok := f.leases[id]
			if !ok {
				l = &fakeLease{}
				f.leases[id] = l
			}
			return l
		},
	})
	t.Cleanup(func() { _ = f.orch.Close(context.Background()) })
	return f
}

func TestStart_ConnectsDefaultProvider(t *testing.T) {
	f := newFixture(t)

	var started []Started
	eventbus.On(f.orch.Events(), TopicStarted, func(s Started) { started = append(started, s) })

	s, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderAgora, s.StreamType)

	p, err := f.orch.Provider()
	require.NoError(t, err)
	assert.True(t, p.State().IsJoined)
	assert.True(t, f.leases[s.ID].held)
	assert.Equal(t, []Started{{SessionID: s.ID, Provider: domain.ProviderAgora}}, started)
}

func TestStart_RejectsSecondSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, domain.ErrSessionActive))
}

func TestStart_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av", Provider: "webex"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeProviderNotSupported))
	assert.Empty(t, f.api.created)
}

func TestStart_ConnectFailureClosesSessionAndReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.failOn[domain.ProviderTRTC] = &errors.VendorError{Vendor: "trtc", NumericCode: -100018, Message: "bad sig"}

	_, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av", Provider: domain.ProviderTRTC})
	require.Error(t, err)

	assert.Nil(t, f.orch.Active())
	require.Len(t, f.api.created, 1)
	assert.Equal(t, f.api.created, f.api.closedIDs())
	assert.Equal(t, 1, f.leases[f.api.created[0]].unlocked)
}

func TestStart_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.leases["agora-1"] = &fakeLease{deny: true}

	_, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.Error(t, err)
	assert.Equal(t, []string{"agora-1"}, f.api.closedIDs())
	assert.Nil(t, f.orch.Active())
}

func TestSwitch_ClosesPreviousSessionAfterConnect(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)

	second, err := f.orch.Switch(context.Background(), domain.ProviderTRTC)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderTRTC, second.StreamType)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, []string{first.ID}, f.api.closedIDs())
	assert.False(t, f.leases[first.ID].held)
	assert.True(t, f.leases[second.ID].held)

	p, err := f.orch.Provider()
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderTRTC, p.Type())
}

func TestSwitch_ConnectFailureStopsPreviousSession(t *testing.T) {
	f := newFixture(t)
	f.failOn[domain.ProviderTRTC] = stderrors.New("no route")

	var stopped []Stopped
	eventbus.On(f.orch.Events(), TopicStopped, func(s Stopped) { stopped = append(stopped, s) })

	first, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)

	_, err = f.orch.Switch(context.Background(), domain.ProviderTRTC)
	require.Error(t, err)

	// The old vendor was disconnected before the new one failed, so its
	// backend session and lease must not stay held.
	assert.Nil(t, f.orch.Active())
	require.Len(t, f.api.created, 2)
	assert.ElementsMatch(t, f.api.created, f.api.closedIDs())
	assert.False(t, f.leases[first.ID].held)
	assert.False(t, f.leases[f.api.created[1]].held)
	assert.Equal(t, []Stopped{{SessionID: first.ID}}, stopped)

	_, err = f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	assert.NoError(t, err)
}

func TestSwitch_FailureBeforeDisconnectKeepsActiveSession(t *testing.T) {
	f := newFixture(t)
	f.leases["trtc-2"] = &fakeLease{deny: true}

	first, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)

	_, err = f.orch.Switch(context.Background(), domain.ProviderTRTC)
	require.Error(t, err)

	require.NotNil(t, f.orch.Active())
	assert.Equal(t, first.ID, f.orch.Active().ID)
	assert.Equal(t, []string{"trtc-2"}, f.api.closedIDs())
	assert.True(t, f.leases[first.ID].held)

	p, err := f.orch.Provider()
	require.NoError(t, err)
	assert.True(t, p.State().IsJoined)
}

func TestStop_ClosesSessionAndEmits(t *testing.T) {
	f := newFixture(t)

	var stopped []Stopped
	eventbus.On(f.orch.Events(), TopicStopped, func(s Stopped) { stopped = append(stopped, s) })

	s, err := f.orch.Start(context.Background(), StartRequest{AvatarID: "av"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Stop(context.Background()))
	assert.Nil(t, f.orch.Active())
	assert.Equal(t, []string{s.ID}, f.api.closedIDs())
	assert.Equal(t, []Stopped{{SessionID: s.ID}}, stopped)

	p, err := f.orch.Provider()
	require.NoError(t, err)
	assert.False(t, p.State().IsJoined)

	err = f.orch.Stop(context.Background())
	assert.True(t, stderrors.Is(err, domain.ErrSessionNotFound))
}
