package livekit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	sid, kind string
	stopped   bool
	ns        []bool
}

func (t *fakeTrack) SID() string   { return t.sid }
func (t *fakeTrack) Kind() string  { return t.kind }
func (t *fakeTrack) SetMuted(bool) {}
func (t *fakeTrack) Stop() error   { t.stopped = true; return nil }

func (t *fakeTrack) SetNoiseSuppression(_ context.Context, on bool) error {
	t.ns = append(t.ns, on)
	return nil
}

type fakeClient struct {
	cb          RoomCallback
	result      JoinResult
	connectErr  error
	url, token  string
	disconnects int
	published   []string
	data        [][]byte
	stats       domain.NetworkStats
}

func (c *fakeClient) Connect(_ context.Context, url, token string, cb RoomCallback) (JoinResult, error) {
	c.url, c.token, c.cb = url, token, cb
	if c.connectErr != nil {
		return JoinResult{}, c.connectErr
	}
	return c.result, nil
}

func (c *fakeClient) Disconnect(context.Context) error { c.disconnects++; return nil }

func (c *fakeClient) CreateLocalTrack(_ context.Context, kind string, opts TrackOptions) (LocalTrack, error) {
	return &fakeTrack{sid: "TR_" + opts.Name, kind: kind}, nil
}

func (c *fakeClient) PublishTrack(_ context.Context, t LocalTrack) error {
	c.published = append(c.published, t.SID())
	return nil
}

func (c *fakeClient) UnpublishTrack(context.Context, LocalTrack) error { return nil }
func (c *fakeClient) PublishData(data []byte) error                   { c.data = append(c.data, data); return nil }
func (c *fakeClient) DataReady() bool                                 { return true }

func (c *fakeClient) GetStats(context.Context) (domain.NetworkStats, error) { return c.stats, nil }

func (c *fakeClient) AttachRemoteVideo(ports.MediaSink) (func(), error) { return func() {}, nil }

func (c *fakeClient) RecordRemoteAudio(context.Context, io.Writer) error { return nil }

func accessToken(t *testing.T, identity, room string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   identity,
		"video": map[string]any{"room": room, "roomJoin": true},
	}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

type events struct {
	mu      sync.Mutex
	errs    []*errors.StreamingError
	joined  []string
	left    []string
	quality []domain.ConnectionQuality
	system  []domain.SystemMessage
}

func (e *events) handlers() ports.StreamingEventHandlers {
	return ports.StreamingEventHandlers{
		OnError: func(err *errors.StreamingError) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.errs = append(e.errs, err)
		},
		OnParticipantJoined:        func(p domain.Participant) { e.joined = append(e.joined, p.ID) },
		OnParticipantLeft:          func(p domain.Participant) { e.left = append(e.left, p.ID) },
		OnConnectionQualityChanged: func(q domain.ConnectionQuality) { e.quality = append(e.quality, q) },
		OnSystemMessage: func(m domain.SystemMessage) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.system = append(e.system, m)
		},
	}
}

func (e *events) systemAndErrors() ([]domain.SystemMessage, []*errors.StreamingError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.SystemMessage(nil), e.system...), append([]*errors.StreamingError(nil), e.errs...)
}

func connect(t *testing.T, client *fakeClient, creds domain.LiveKitCredentials) (*Provider, *events) {
	t.Helper()
	p := New(Options{Client: client, StatsInterval: time.Hour, WarnBefore: 50 * time.Millisecond})
	ev := &events{}
	require.NoError(t, p.Connect(context.Background(), creds, ev.handlers()))
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })
	return p, ev
}

func TestConnect_RegistersRoomParticipants(t *testing.T) {
	client := &fakeClient{result: JoinResult{
		Local:  ParticipantInfo{SID: "PA_1", Identity: "user-1"},
		Others: []ParticipantInfo{{SID: "PA_2", Identity: "avatar", Name: "Ava", Tracks: []TrackInfo{{SID: "TR_v", Kind: "video"}}}},
	}}
	creds := domain.LiveKitCredentials{URL: "wss://lk.example.com", Token: accessToken(t, "user-1", "room-a", time.Time{}), Room: "room-a"}
	p, ev := connect(t, client, creds)

	assert.Equal(t, "wss://lk.example.com", client.url)
	assert.Equal(t, []string{"user-1", "avatar"}, ev.joined)

	state := p.State()
	assert.True(t, state.IsJoined)
	require.NotNil(t, state.LocalParticipant)
	assert.Equal(t, "user-1", state.LocalParticipant.ID)

	avatar, ok := p.Participants.Get("avatar")
	require.True(t, ok)
	assert.Equal(t, "Ava", avatar.DisplayName)
	require.Len(t, avatar.VideoTracks, 1)

	client.cb.OnTrackUnpublished("avatar", TrackInfo{SID: "TR_v", Kind: "video"})
	avatar, _ = p.Participants.Get("avatar")
	assert.Empty(t, avatar.VideoTracks)

	client.cb.OnParticipantDisconnected(ParticipantInfo{Identity: "avatar"})
	assert.Equal(t, []string{"avatar"}, ev.left)
}

func TestConnect_IdentityFallsBackToTokenSubject(t *testing.T) {
	client := &fakeClient{}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "from-token", "r", time.Time{}), Room: "r"}
	p, _ := connect(t, client, creds)

	require.NotNil(t, p.State().LocalParticipant)
	assert.Equal(t, "from-token", p.State().LocalParticipant.ID)
}

func TestConnect_RejectsTokenForAnotherRoom(t *testing.T) {
	client := &fakeClient{}
	p := New(Options{Client: client})
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "other", time.Time{}), Room: "mine"}

	err := p.Connect(context.Background(), creds, ports.StreamingEventHandlers{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidCredentials))
	assert.Empty(t, client.token, "client must not be dialed")
}

func TestConnect_MapsConnectionErrorReason(t *testing.T) {
	client := &fakeClient{connectErr: &errors.VendorError{Vendor: "livekit", Name: "ConnectionError", Code: "NotAllowed", Message: "permission denied"}}
	p := New(Options{Client: client})
	ev := &events{}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Time{}), Room: "r"}

	err := p.Connect(context.Background(), creds, ev.handlers())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidCredentials))
	require.Len(t, ev.errs, 1)
	assert.Equal(t, "livekit", ev.errs[0].Provider)
	assert.False(t, p.State().IsJoined)
}

func TestTokenExpiryFromClaims(t *testing.T) {
	client := &fakeClient{result: JoinResult{Local: ParticipantInfo{Identity: "u"}}}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Now().Add(2*time.Second)), Room: "r"}
	p, ev := connect(t, client, creds)

	require.Eventually(t, func() bool {
		system, _ := ev.systemAndErrors()
		return len(system) > 0
	}, 5*time.Second, 10*time.Millisecond)
	system, _ := ev.systemAndErrors()
	assert.Equal(t, "token_will_expire", system[0].EventType)

	require.Eventually(t, func() bool {
		_, errs := ev.systemAndErrors()
		return len(errs) > 0
	}, 5*time.Second, 10*time.Millisecond)
	_, errs := ev.systemAndErrors()
	assert.Equal(t, errors.ErrCodeTokenExpired, errs[len(errs)-1].Code)
	assert.False(t, p.State().IsJoined)
}

func TestConnectionQuality(t *testing.T) {
	client := &fakeClient{result: JoinResult{Local: ParticipantInfo{Identity: "u"}}}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Time{}), Room: "r"}
	p, ev := connect(t, client, creds)

	client.cb.OnConnectionQualityChanged("someone-else", QualityPoor)
	assert.Empty(t, ev.quality)

	client.cb.OnConnectionQualityChanged("u", QualityGood)
	require.Len(t, ev.quality, 1)
	assert.Equal(t, 70, ev.quality[0].Score)
	assert.Equal(t, domain.QualityGood, ev.quality[0].Downlink)

	client.stats = domain.NetworkStats{RTT: 50, Bandwidth: 2000, Audio: domain.MediaStats{PacketLoss: 0.5, Jitter: 10}}
	require.NoError(t, p.collectStats(context.Background()))
	client.cb.OnConnectionQualityChanged("u", QualityExcellent)
	require.Len(t, ev.quality, 2)
	assert.Equal(t, 91, ev.quality[1].Score)
	assert.Equal(t, domain.QualityExcellent, ev.quality[1].Uplink)
	assert.Equal(t, 50.0, ev.quality[1].RTT)

	local := p.State().LocalParticipant
	require.NotNil(t, local)
	assert.Equal(t, 91, local.ConnectionQuality.Score)
}

func TestReconnectAndDisconnect(t *testing.T) {
	client := &fakeClient{result: JoinResult{Local: ParticipantInfo{Identity: "u"}}}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Time{}), Room: "r"}
	p, ev := connect(t, client, creds)

	client.cb.OnReconnecting()
	assert.False(t, p.IsConnected())
	client.cb.OnReconnected()
	assert.True(t, p.IsConnected())
	assert.Empty(t, ev.errs)

	client.cb.OnDisconnected(ReasonServerShutdown)
	require.Len(t, ev.errs, 1)
	assert.Equal(t, errors.ErrCodeConnectionLost, ev.errs[0].Code)
	reason, _ := ev.errs[0].Detail("reason")
	assert.Equal(t, ReasonServerShutdown, reason)
}

func TestActiveSpeakers(t *testing.T) {
	client := &fakeClient{result: JoinResult{
		Local:  ParticipantInfo{Identity: "u"},
		Others: []ParticipantInfo{{Identity: "avatar"}},
	}}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Time{}), Room: "r"}
	p, _ := connect(t, client, creds)

	client.cb.OnActiveSpeakersChanged([]SpeakerInfo{{Identity: "avatar", Level: 0.8}})
	avatar, _ := p.Participants.Get("avatar")
	assert.True(t, avatar.IsSpeaking)

	client.cb.OnActiveSpeakersChanged(nil)
	avatar, _ = p.Participants.Get("avatar")
	assert.False(t, avatar.IsSpeaking)
}

func TestPublishAndDisconnectReleasesTracks(t *testing.T) {
	client := &fakeClient{result: JoinResult{Local: ParticipantInfo{Identity: "u"}}}
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "u", "r", time.Time{}), Room: "r"}
	p, _ := connect(t, client, creds)
	ctx := context.Background()

	_, err := p.EnableAudio(ctx, ports.AudioConfig{})
	require.NoError(t, err)
	_, err = p.EnableVideo(ctx, ports.VideoConfig{Source: domain.VideoSourceScreen, Width: 1280, Height: 720, FrameRate: 15})
	require.NoError(t, err)
	require.NoError(t, p.PublishAudio(ctx))
	require.NoError(t, p.PublishVideo(ctx))
	assert.Equal(t, []string{"TR_microphone", "TR_screen_share"}, client.published)

	require.NoError(t, p.SendInterrupt(ctx))
	require.Len(t, client.data, 1)

	require.NoError(t, p.Disconnect(ctx))
	assert.Equal(t, 1, client.disconnects)
	assert.Nil(t, p.audio.Track())
	assert.Nil(t, p.video.Track())
	assert.Equal(t, domain.PhaseIdle, p.State().Phase())
}

func TestParseToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := parseToken(accessToken(t, "ident", "room-x", exp))
	require.NoError(t, err)
	assert.Equal(t, "ident", claims.Identity)
	assert.Equal(t, "room-x", claims.Room)
	assert.True(t, exp.Equal(claims.ExpiresAt))

	_, err = parseToken("not-a-jwt")
	assert.Error(t, err)
}

func TestSignalURL(t *testing.T) {
	assert.Equal(t, "wss://lk.example.com/rtc", signalURL("https://lk.example.com/"))
	assert.Equal(t, "ws://localhost:7880/rtc", signalURL("http://localhost:7880"))
	assert.Equal(t, "wss://lk/rtc", signalURL("wss://lk/rtc"))
}

func TestVendorError(t *testing.T) {
	err := vendorError(&rtc.RemoteError{Code: 401, Name: "HTTP_Unauthorized", Message: "bad token"})
	assert.Equal(t, errors.ErrCodeInvalidCredentials, errors.MapLiveKitError(err).Code)

	err = vendorError(&rtc.RemoteError{Code: 503, Name: "HTTP_Service Unavailable"})
	assert.Equal(t, errors.ErrCodeConnectionFailed, errors.MapLiveKitError(err).Code)

	err = vendorError(fmt.Errorf("join: %w", context.DeadlineExceeded))
	assert.Equal(t, errors.ErrCodeOperationTimeout, errors.MapLiveKitError(err).Code)
}

func TestConnect_FailureAfterRoomJoinLeavesRoom(t *testing.T) {
	client := &fakeClient{}
	p := New(Options{Client: client, StatsInterval: time.Hour})
	ev := &events{}
	ctx := context.Background()
	creds := domain.LiveKitCredentials{URL: "wss://lk", Token: accessToken(t, "", "r", time.Time{}), Room: "r"}

	err := p.Connect(ctx, creds, ev.handlers())
	assert.True(t, errors.HasCode(err, errors.ErrCodeParticipantError))
	assert.Equal(t, 1, client.disconnects, "joined room must be left")
	assert.False(t, p.IsConnected())
	assert.False(t, p.stats.Running())
	assert.False(t, p.State().IsJoined)
	assert.False(t, p.State().IsConnecting)

	client.result = JoinResult{Local: ParticipantInfo{Identity: "u"}}
	require.NoError(t, p.Connect(ctx, creds, ev.handlers()))
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })
	assert.True(t, p.State().IsJoined)
}
