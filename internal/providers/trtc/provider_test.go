package trtc

import (
	"context"
	"io"
	"testing"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	handler  EventHandler
	params   EnterRoomParams
	users    []RemoteUser
	enterErr error
	exits    int

	calls    []string
	denoiser []bool
	messages [][]byte
	ready    bool
	stats    Statistics
}

func (c *fakeClient) EnterRoom(_ context.Context, params EnterRoomParams) ([]RemoteUser, error) {
	c.params = params
	return c.users, c.enterErr
}

func (c *fakeClient) ExitRoom(context.Context) error { c.exits++; return nil }

func (c *fakeClient) StartLocalAudio(_ context.Context, opts LocalAudioOptions) (string, error) {
	c.calls = append(c.calls, "start-audio")
	if opts.Publish {
		c.calls = append(c.calls, "publish-on-start")
	}
	return "local-audio", nil
}

func (c *fakeClient) UpdateLocalAudio(_ context.Context, publish bool) error {
	if publish {
		c.calls = append(c.calls, "publish-audio")
	} else {
		c.calls = append(c.calls, "unpublish-audio")
	}
	return nil
}

func (c *fakeClient) StopLocalAudio(context.Context) error {
	c.calls = append(c.calls, "stop-audio")
	return nil
}

func (c *fakeClient) StartLocalVideo(context.Context, LocalVideoOptions) (string, error) {
	c.calls = append(c.calls, "start-video")
	return "local-video", nil
}

func (c *fakeClient) UpdateLocalVideo(context.Context, bool) error { return nil }
func (c *fakeClient) StopLocalVideo(context.Context) error         { return nil }

func (c *fakeClient) StartRemoteVideo(string, ports.MediaSink) (func(), error) { return func() {}, nil }

func (c *fakeClient) RecordRemoteAudio(context.Context, io.Writer) error { return nil }

func (c *fakeClient) EnableAIDenoiser(_ context.Context, enabled bool) error {
	c.denoiser = append(c.denoiser, enabled)
	return nil
}

func (c *fakeClient) SendCustomMessage(_ int, data []byte) error {
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeClient) CustomMessageReady() bool { return c.ready }

func (c *fakeClient) GetStatistics(context.Context) (Statistics, error) { return c.stats, nil }

func (c *fakeClient) On(h EventHandler) { c.handler = h }

func validCreds() domain.TRTCCredentials {
	return domain.TRTCCredentials{SDKAppID: 1400000001, UserID: "user_1", UserSig: "eJwsig", RoomID: 1234}
}

type events struct {
	errs    []*errors.StreamingError
	joined  []string
	quality []domain.ConnectionQuality
	cmds    []domain.CommandEvent
}

func (e *events) handlers() ports.StreamingEventHandlers {
	return ports.StreamingEventHandlers{
		OnError:                    func(err *errors.StreamingError) { e.errs = append(e.errs, err) },
		OnParticipantJoined:        func(p domain.Participant) { e.joined = append(e.joined, p.ID) },
		OnConnectionQualityChanged: func(q domain.ConnectionQuality) { e.quality = append(e.quality, q) },
		OnCommand:                  func(c domain.CommandEvent) { e.cmds = append(e.cmds, c) },
	}
}

func connect(t *testing.T, client *fakeClient) (*Provider, *events) {
	t.Helper()
	p := New(Options{Client: client, StatsInterval: time.Hour, CmdID: 3})
	ev := &events{}
	require.NoError(t, p.Connect(context.Background(), validCreds(), ev.handlers()))
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })
	return p, ev
}

func TestConnect_EntersRoomAsAnchor(t *testing.T) {
	client := &fakeClient{users: []RemoteUser{{UserID: "avatar", HasAudio: true, HasVideo: true}}}
	p, ev := connect(t, client)

	assert.Equal(t, EnterRoomParams{SDKAppID: 1400000001, UserID: "user_1", UserSig: "eJwsig", RoomID: 1234, Scene: "rtc", Role: "anchor"}, client.params)
	assert.Equal(t, []string{"user_1", "avatar"}, ev.joined)

	avatar, ok := p.Participants.Get("avatar")
	require.True(t, ok)
	assert.Len(t, avatar.AudioTracks, 1)
	assert.Len(t, avatar.VideoTracks, 1)

	client.handler.OnRemoteVideoAvailable("avatar", false)
	avatar, _ = p.Participants.Get("avatar")
	assert.Empty(t, avatar.VideoTracks)

	client.handler.OnRemoteUserEnter("avatar")
	assert.Len(t, ev.joined, 2, "known users are not registered twice")

	client.handler.OnRemoteUserExit("avatar")
	_, ok = p.Participants.Get("avatar")
	assert.False(t, ok)
}

func TestConnect_UserSigExpired(t *testing.T) {
	client := &fakeClient{enterErr: &errors.VendorError{Vendor: "trtc", NumericCode: 5400, ExtraCode: -100022, Message: "sig expired"}}
	p := New(Options{Client: client})
	ev := &events{}

	err := p.Connect(context.Background(), validCreds(), ev.handlers())
	assert.True(t, errors.HasCode(err, errors.ErrCodeTokenExpired))
	require.Len(t, ev.errs, 1)
	extra, _ := ev.errs[0].Detail("extraCode")
	assert.Equal(t, -100022, extra)
	assert.Equal(t, domain.PhaseError, p.State().Phase())
}

func TestAudioIsStartedUnpublished(t *testing.T) {
	client := &fakeClient{}
	p, _ := connect(t, client)
	ctx := context.Background()

	_, err := p.EnableAudio(ctx, ports.AudioConfig{Volume: 80, NoiseReduction: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"start-audio"}, client.calls)
	assert.Equal(t, []bool{true}, client.denoiser)

	require.NoError(t, p.PublishAudio(ctx))
	require.NoError(t, p.PublishAudio(ctx))
	assert.Equal(t, []string{"start-audio", "publish-audio"}, client.calls)

	require.NoError(t, p.DisableAudio(ctx))
	assert.Equal(t, []string{"start-audio", "publish-audio", "unpublish-audio", "stop-audio"}, client.calls)

	local := p.State().LocalParticipant
	require.NotNil(t, local)
	assert.Empty(t, local.AudioTracks)
}

func TestNetworkQualityPush(t *testing.T) {
	client := &fakeClient{}
	_, ev := connect(t, client)

	client.handler.OnNetworkQuality(NetworkQuality{Uplink: 2, Downlink: 1, UplinkRTT: 40, DownlinkRTT: 60, UplinkLoss: 1, DownlinkLoss: 3})
	require.Len(t, ev.quality, 1)
	q := ev.quality[0]
	assert.Equal(t, 80, q.Score)
	assert.Equal(t, domain.QualityExcellent, q.Uplink)
	assert.Equal(t, domain.QualityExcellent, q.Downlink)
	assert.Equal(t, 60.0, q.RTT)
	assert.Equal(t, 3.0, q.PacketLoss)

	client.handler.OnNetworkQuality(NetworkQuality{})
	assert.Len(t, ev.quality, 1)
}

func TestCustomMessagesUseConfiguredCmdID(t *testing.T) {
	client := &fakeClient{ready: true}
	p, ev := connect(t, client)

	client.handler.OnCustomMessage("avatar", 9, []byte(`{"v":2,"type":"command","mid":"x","pld":{"cmd":"interrupt","code":1000}}`))
	assert.Empty(t, ev.cmds)

	client.handler.OnCustomMessage("avatar", 3, []byte(`{"v":2,"type":"command","mid":"x","pld":{"cmd":"interrupt","code":1000}}`))
	require.Len(t, ev.cmds, 1)
	assert.True(t, ev.cmds[0].Success)

	require.NoError(t, p.SendInterrupt(context.Background()))
	assert.Len(t, client.messages, 1)
}

func TestKickedOutReportsConnectionLost(t *testing.T) {
	client := &fakeClient{}
	p, ev := connect(t, client)

	client.handler.OnAutoplayFailed("avatar")
	assert.Empty(t, ev.errs)

	client.handler.OnKickedOut(KickedByAdmin)
	require.Len(t, ev.errs, 1)
	assert.Equal(t, errors.ErrCodeConnectionLost, ev.errs[0].Code)
	reason, _ := ev.errs[0].Detail("reason")
	assert.Equal(t, "kicked_out:kick", reason)
	assert.False(t, p.State().IsJoined)
}

func TestConnectionStates(t *testing.T) {
	client := &fakeClient{}
	p, ev := connect(t, client)

	client.handler.OnConnectionStateChanged(StateConnected, StateConnecting)
	assert.Equal(t, domain.ConnectionReconnecting, p.Connection.Status())
	client.handler.OnConnectionStateChanged(StateConnecting, StateConnected)
	assert.True(t, p.IsConnected())
	assert.Empty(t, ev.errs)
}

func TestSDKErrorsAreMapped(t *testing.T) {
	client := &fakeClient{}
	_, ev := connect(t, client)

	client.handler.OnError(5300, 5302, "permission denied")
	require.Len(t, ev.errs, 1)
	assert.Equal(t, errors.ErrCodeMediaAccessDenied, ev.errs[0].Code)
	assert.Equal(t, "trtc", ev.errs[0].Provider)
}

func TestVendorError(t *testing.T) {
	err := vendorError(&rtc.RemoteError{Code: 401, Name: "HTTP_Unauthorized"})
	assert.Equal(t, errors.ErrCodeInvalidCredentials, errors.MapTRTCError(err).Code)

	err = vendorError(&rtc.RemoteError{Code: 5400, ExtraCode: -100024, Message: "no permission"})
	assert.Equal(t, errors.ErrCodeAuthenticationFailed, errors.MapTRTCError(err).Code)

	err = vendorError(rtc.ErrDataNotReady)
	assert.Equal(t, errors.ErrCodeInvalidConfiguration, errors.MapTRTCError(err).Code)
}
