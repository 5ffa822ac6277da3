package agora

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"avatarlink/internal/core/ports"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaling message types spoken by the agora gateway.
const (
	msgJoin           = "join"
	msgJoined         = "joined"
	msgLeave          = "leave"
	msgRenewToken     = "renew-token"
	msgAudioProcess   = "audio-processing"
	msgUserJoined     = "user-joined"
	msgUserLeft       = "user-left"
	msgUserPublished  = "user-published"
	msgUserUnpublish  = "user-unpublished"
	msgNetworkQuality = "network-quality"
	msgVolume         = "volume-indicator"
	msgWillExpire     = "token-privilege-will-expire"
	msgDidExpire      = "token-privilege-did-expire"
	msgException      = "exception"
	msgStateChange    = "connection-state-change"
)

type joinRequest struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	UID     int64  `json:"uid"`
}

type joinReply struct {
	UID   int64        `json:"uid"`
	Users []RemoteUser `json:"users"`
}

type userEvent struct {
	RemoteUser
	Reason    string `json:"reason,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type exceptionEvent struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	UID  int64  `json:"uid"`
}

type stateEvent struct {
	Current  string `json:"cur_state"`
	Previous string `json:"prev_state"`
	Reason   string `json:"reason"`
}

// rtcClient implements Client on the shared rtc engine.
type rtcClient struct {
	session *rtc.Session

	mu       sync.RWMutex
	handler  EventHandler
	state    string
	users    []RemoteUser
	logger   *zap.SugaredLogger
	lastLink rtc.LinkStats
}

// NewClient returns the default Client talking to the gateway in cfg.
func NewClient(cfg rtc.Config, logger *zap.SugaredLogger) Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.JoinReply = msgJoined
	c := &rtcClient{state: StateDisconnected, logger: logger}
	c.session = rtc.NewSession(cfg, rtc.Events{
		OnMessage:         c.onMessage,
		OnData:            c.onData,
		OnConnectionState: c.onPeerState,
		OnLinkStats:       c.onLinkStats,
		OnClosed:          c.onClosed,
	}, logger)
	return c
}

func (c *rtcClient) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *rtcClient) events() EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *rtcClient) Join(ctx context.Context, appID, channel, token string, uid int64) (int64, error) {
	c.setState(StateConnecting, "")
	raw, err := c.session.Join(ctx, nil, msgJoin, joinRequest{AppID: appID, Channel: channel, Token: token, UID: uid})
	if err != nil {
		c.setState(StateDisconnected, "JOIN_FAILED")
		return 0, vendorError(err)
	}
	var reply joinReply
	if len(raw) > 0 {
		if err := (rtc.Message{Payload: raw}).Decode(&reply); err != nil {
			c.logger.Warnw("malformed join reply", "error", err)
		}
	}
	if reply.UID == 0 {
		reply.UID = uid
	}
	c.setState(StateConnected, "")

	if h := c.events(); h.OnUserJoined != nil {
		for _, u := range reply.Users {
			h.OnUserJoined(u)
		}
	}
	return reply.UID, nil
}

func (c *rtcClient) Leave(ctx context.Context) error {
	c.setState(StateDisconnecting, "LEAVE")
	err := c.session.Leave(ctx, msgLeave)
	c.setState(StateDisconnected, "LEAVE")
	return vendorError(err)
}

func (c *rtcClient) RenewToken(ctx context.Context, token string) error {
	return vendorError(c.session.SendSignal(msgRenewToken, map[string]string{"token": token}))
}

func (c *rtcClient) CreateMicrophoneAudioTrack(ctx context.Context, cfg MicrophoneConfig) (LocalTrack, error) {
	t, err := rtc.NewLocalTrack(rtc.KindAudio, "agora-mic")
	if err != nil {
		return nil, &errors.VendorError{Vendor: "agora", Code: "NOT_READABLE", Message: err.Error(), Cause: err}
	}
	return &localTrack{track: t, client: c, volume: cfg.Volume, ans: cfg.ANS}, nil
}

func (c *rtcClient) CreateCameraVideoTrack(ctx context.Context, cfg CameraConfig) (LocalTrack, error) {
	id := "agora-camera"
	if cfg.Screen {
		id = "agora-screen"
	}
	t, err := rtc.NewLocalTrack(rtc.KindVideo, id)
	if err != nil {
		return nil, &errors.VendorError{Vendor: "agora", Code: "NOT_READABLE", Message: err.Error(), Cause: err}
	}
	return &localTrack{track: t, client: c}, nil
}

func (c *rtcClient) Publish(ctx context.Context, track LocalTrack) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return &errors.VendorError{Vendor: "agora", Code: "INVALID_LOCAL_TRACK", Message: "track was not created by this client"}
	}
	if err := c.session.Publish(ctx, lt.track); err != nil {
		if stderrors.Is(err, rtc.ErrTrackPublished) && lt.track.Kind() == rtc.KindVideo {
			return &errors.VendorError{Vendor: "agora", Code: "CAN_NOT_PUBLISH_MULTIPLE_VIDEO_TRACKS", Message: err.Error(), Cause: err}
		}
		return vendorError(err)
	}
	if lt.ans {
		return lt.SetNoiseSuppression(ctx, true)
	}
	return nil
}

func (c *rtcClient) Unpublish(ctx context.Context, track LocalTrack) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return &errors.VendorError{Vendor: "agora", Code: "INVALID_LOCAL_TRACK", Message: "track was not created by this client"}
	}
	return vendorError(c.session.Unpublish(ctx, lt.track))
}

func (c *rtcClient) SendStreamMessage(data []byte) error {
	return vendorError(c.session.SendData(data))
}

func (c *rtcClient) StreamMessageReady() bool { return c.session.DataReady() }

func (c *rtcClient) GetRTCStats(ctx context.Context) (RTCStats, error) {
	ns, err := c.session.NetworkStats(time.Now())
	if err != nil {
		return RTCStats{}, vendorError(err)
	}
	c.mu.RLock()
	link := c.lastLink
	c.mu.RUnlock()

	stats := RTCStats{
		RTT:                        ns.RTT,
		OutgoingAvailableBandwidth: ns.Bandwidth,
		RecvAudioBitrate:           ns.Audio.Bitrate,
		RecvVideoBitrate:           ns.Video.Bitrate,
		AudioPacketLossRate:        ns.Audio.PacketLoss,
		VideoPacketLossRate:        ns.Video.PacketLoss,
		AudioJitter:                ns.Audio.Jitter,
		VideoJitter:                ns.Video.Jitter,
	}
	if link.Reports > 0 && link.PacketLoss > stats.AudioPacketLossRate {
		stats.AudioPacketLossRate = link.PacketLoss
	}
	return stats, nil
}

func (c *rtcClient) PlayRemoteVideo(uid int64, sink ports.MediaSink) (func(), error) {
	stop, err := c.session.AttachRemote(rtc.KindVideo, sink)
	if err != nil {
		return nil, vendorError(err)
	}
	return stop, nil
}

func (c *rtcClient) DumpRemoteAudio(ctx context.Context, w io.Writer) error {
	return vendorError(c.session.DumpAudio(ctx, w))
}

func (c *rtcClient) setState(state, reason string) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	if h := c.events(); h.OnConnectionStateChange != nil {
		h.OnConnectionStateChange(state, prev, reason)
	}
}

func (c *rtcClient) onPeerState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		c.setState(StateReconnecting, "NETWORK_ERROR")
	case webrtc.PeerConnectionStateConnected:
		if c.currentState() == StateReconnecting {
			c.setState(StateConnected, "")
		}
	case webrtc.PeerConnectionStateFailed:
		c.setState(StateDisconnected, "NETWORK_ERROR")
	}
}

func (c *rtcClient) currentState() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *rtcClient) onClosed(err error) {
	c.setState(StateDisconnected, "NETWORK_ERROR")
}

func (c *rtcClient) onLinkStats(s rtc.LinkStats) {
	c.mu.Lock()
	c.lastLink = s
	c.mu.Unlock()
}

func (c *rtcClient) onData(data []byte) {
	if h := c.events(); h.OnStreamMessage != nil {
		h.OnStreamMessage(0, data)
	}
}

func (c *rtcClient) onMessage(msg rtc.Message) {
	h := c.events()
	var err error

	switch msg.Type {
	case msgUserJoined, msgUserLeft, msgUserPublished, msgUserUnpublish:
		var ev userEvent
		if err = msg.Decode(&ev); err != nil {
			break
		}
		switch {
		case msg.Type == msgUserJoined && h.OnUserJoined != nil:
			h.OnUserJoined(ev.RemoteUser)
		case msg.Type == msgUserLeft && h.OnUserLeft != nil:
			h.OnUserLeft(ev.RemoteUser, ev.Reason)
		case msg.Type == msgUserPublished && h.OnUserPublished != nil:
			h.OnUserPublished(ev.RemoteUser, ev.MediaType)
		case msg.Type == msgUserUnpublish && h.OnUserUnpublished != nil:
			h.OnUserUnpublished(ev.RemoteUser, ev.MediaType)
		}
	case msgNetworkQuality:
		var q NetworkQuality
		if err = msg.Decode(&q); err == nil && h.OnNetworkQuality != nil {
			h.OnNetworkQuality(q)
		}
	case msgVolume:
		var ev struct {
			Levels []VolumeLevel `json:"levels"`
		}
		if err = msg.Decode(&ev); err == nil && h.OnVolumeIndicator != nil {
			h.OnVolumeIndicator(ev.Levels)
		}
	case msgWillExpire:
		if h.OnTokenPrivilegeWillExpire != nil {
			h.OnTokenPrivilegeWillExpire()
		}
	case msgDidExpire:
		if h.OnTokenPrivilegeDidExpire != nil {
			h.OnTokenPrivilegeDidExpire()
		}
	case msgException:
		var ev exceptionEvent
		if err = msg.Decode(&ev); err == nil && h.OnException != nil {
			h.OnException(ev.Code, ev.Msg, ev.UID)
		}
	case msgStateChange:
		var ev stateEvent
		if err = msg.Decode(&ev); err == nil {
			c.setState(ev.Current, ev.Reason)
		}
	default:
		c.logger.Debugw("unhandled agora message", "type", msg.Type)
	}

	if err != nil {
		c.logger.Warnw("malformed agora message", "type", msg.Type, "error", err)
	}
}

// vendorError tags engine failures with agora error codes.
func vendorError(err error) error {
	if err == nil {
		return nil
	}
	var remote *rtc.RemoteError
	switch {
	case stderrors.As(err, &remote):
		code := remote.Name
		if status, ok := remote.HTTPStatus(); ok {
			code = "CAN_NOT_GET_GATEWAY_SERVER"
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				code = "INVALID_TOKEN"
			}
		}
		return &errors.VendorError{Vendor: "agora", Code: code, Message: remote.Message, Cause: err}
	case stderrors.Is(err, rtc.ErrDataNotReady):
		return &errors.VendorError{Vendor: "agora", Code: "DATACHANNEL_NOT_READY", Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrNotJoined):
		return &errors.VendorError{Vendor: "agora", Code: "INVALID_OPERATION", Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrSignalClosed):
		return &errors.VendorError{Vendor: "agora", Code: "WS_DISCONNECT", Message: err.Error(), Cause: err}
	case stderrors.Is(err, context.DeadlineExceeded):
		return &errors.VendorError{Vendor: "agora", Code: "NETWORK_TIMEOUT", Message: err.Error(), Cause: err}
	}
	return err
}

// localTrack wraps an engine track with agora's track controls.
type localTrack struct {
	track  *rtc.LocalTrack
	client *rtcClient

	mu     sync.Mutex
	volume int
	ans    bool
}

func (t *localTrack) TrackID() string { return t.track.ID() }

func (t *localTrack) SetEnabled(enabled bool) { t.track.SetMuted(!enabled) }

func (t *localTrack) SetVolume(volume int) {
	t.mu.Lock()
	t.volume = volume
	t.mu.Unlock()
}

// SetNoiseSuppression toggles the gateway's AI denoiser for this track.
func (t *localTrack) SetNoiseSuppression(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	t.ans = enabled
	t.mu.Unlock()
	if !t.client.session.Joined() {
		return nil
	}
	return vendorError(t.client.session.SendSignal(msgAudioProcess, map[string]any{
		"track_id": t.track.ID(),
		"ans":      enabled,
	}))
}

func (t *localTrack) Close() error {
	t.track.SetMuted(true)
	return nil
}
