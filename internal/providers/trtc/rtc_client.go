package trtc

import (
	"context"
	stderrors "errors"
	"fmt"
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

const (
	msgEnterRoom       = "enter_room"
	msgRoomEntered     = "room_entered"
	msgExitRoom        = "exit_room"
	msgUserEnter       = "remote_user_enter"
	msgUserExit        = "remote_user_exit"
	msgAudioAvailable  = "remote_audio_available"
	msgAudioGone       = "remote_audio_unavailable"
	msgVideoAvailable  = "remote_video_available"
	msgVideoGone       = "remote_video_unavailable"
	msgNetworkQuality  = "network_quality"
	msgAudioVolume     = "audio_volume"
	msgKickedOut       = "kicked_out"
	msgAutoplayFailed  = "autoplay_failed"
	msgError           = "error"
	msgAudioProcessing = "audio_processing"
)

// Error codes reported by the SDK.
const (
	codeInvalidParameter = 5000
	codeInvalidOperation = 5100
	codeDeviceError      = 5300
	codeServerError      = 5400
	codeOperationFailed  = 5500
	codeOperationAbort   = 5998

	extraSigInvalid = -100013
)

// rtcClient implements Client on the shared rtc engine. Custom messages
// ride the engine's data channel, labelled with the command id.
type rtcClient struct {
	session *rtc.Session
	cmdID   int
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	handler EventHandler
	state   string
	audio   *rtc.LocalTrack
	video   *rtc.LocalTrack
	pubA    bool
	pubV    bool
}

// NewClient returns the default Client. cmdID selects the custom message
// channel.
func NewClient(cfg rtc.Config, cmdID int, logger *zap.SugaredLogger) Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cmdID <= 0 {
		cmdID = 1
	}
	cfg.JoinReply = msgRoomEntered
	cfg.DataChannelLabel = fmt.Sprintf("cmd-%d", cmdID)

	c := &rtcClient{cmdID: cmdID, state: StateDisconnected, logger: logger}
	c.session = rtc.NewSession(cfg, rtc.Events{
		OnMessage:         c.onMessage,
		OnData:            c.onData,
		OnConnectionState: c.onPeerState,
		OnClosed: func(error) {
			c.setState(StateDisconnected)
		},
	}, logger)
	return c
}

func (c *rtcClient) On(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *rtcClient) events() EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *rtcClient) EnterRoom(ctx context.Context, params EnterRoomParams) ([]RemoteUser, error) {
	c.setState(StateConnecting)
	raw, err := c.session.Join(ctx, nil, msgEnterRoom, params)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, vendorError(err)
	}
	var reply struct {
		Users []RemoteUser `json:"users"`
	}
	if err := (rtc.Message{Type: msgRoomEntered, Payload: raw}).Decode(&reply); err != nil {
		c.logger.Warnw("malformed enter room reply", "error", err)
	}
	c.setState(StateConnected)
	return reply.Users, nil
}

func (c *rtcClient) ExitRoom(ctx context.Context) error {
	err := c.session.Leave(ctx, msgExitRoom)
	c.mu.Lock()
	c.audio, c.video = nil, nil
	c.pubA, c.pubV = false, false
	c.mu.Unlock()
	c.setState(StateDisconnected)
	return vendorError(err)
}

func (c *rtcClient) StartLocalAudio(ctx context.Context, opts LocalAudioOptions) (string, error) {
	c.mu.Lock()
	if c.audio != nil {
		id := c.audio.ID()
		c.mu.Unlock()
		return id, nil
	}
	t, err := rtc.NewLocalTrack(rtc.KindAudio, "trtc-audio")
	if err != nil {
		c.mu.Unlock()
		return "", &errors.VendorError{Vendor: "trtc", NumericCode: codeDeviceError, Message: err.Error(), Cause: err}
	}
	c.audio = t
	c.mu.Unlock()

	if opts.Publish {
		if err := c.UpdateLocalAudio(ctx, true); err != nil {
			return "", err
		}
	}
	return t.ID(), nil
}

func (c *rtcClient) UpdateLocalAudio(ctx context.Context, publish bool) error {
	return c.update(ctx, rtc.KindAudio, publish)
}

func (c *rtcClient) StopLocalAudio(ctx context.Context) error {
	return c.stop(ctx, rtc.KindAudio)
}

func (c *rtcClient) StartLocalVideo(ctx context.Context, opts LocalVideoOptions) (string, error) {
	c.mu.Lock()
	if c.video != nil {
		id := c.video.ID()
		c.mu.Unlock()
		return id, nil
	}
	id := "trtc-camera"
	if opts.Screen {
		id = "trtc-screen"
	}
	t, err := rtc.NewLocalTrack(rtc.KindVideo, id)
	if err != nil {
		c.mu.Unlock()
		return "", &errors.VendorError{Vendor: "trtc", NumericCode: codeDeviceError, Message: err.Error(), Cause: err}
	}
	c.video = t
	c.mu.Unlock()

	if opts.Publish {
		if err := c.UpdateLocalVideo(ctx, true); err != nil {
			return "", err
		}
	}
	return t.ID(), nil
}

func (c *rtcClient) UpdateLocalVideo(ctx context.Context, publish bool) error {
	return c.update(ctx, rtc.KindVideo, publish)
}

func (c *rtcClient) StopLocalVideo(ctx context.Context) error {
	return c.stop(ctx, rtc.KindVideo)
}

func (c *rtcClient) local(kind string) (*rtc.LocalTrack, *bool) {
	if kind == rtc.KindAudio {
		return c.audio, &c.pubA
	}
	return c.video, &c.pubV
}

func (c *rtcClient) update(ctx context.Context, kind string, publish bool) error {
	c.mu.Lock()
	track, published := c.local(kind)
	if track == nil {
		c.mu.Unlock()
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeInvalidOperation, Message: "local " + kind + " not started"}
	}
	already := *published
	c.mu.Unlock()

	if already == publish {
		return nil
	}
	var err error
	if publish {
		err = c.session.Publish(ctx, track)
	} else {
		err = c.session.Unpublish(ctx, track)
	}
	if err != nil {
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeOperationFailed, Message: err.Error(), Cause: err}
	}

	c.mu.Lock()
	_, published = c.local(kind)
	*published = publish
	c.mu.Unlock()
	return nil
}

func (c *rtcClient) stop(ctx context.Context, kind string) error {
	c.mu.Lock()
	track, published := c.local(kind)
	wasPublished := *published
	*published = false
	if kind == rtc.KindAudio {
		c.audio = nil
	} else {
		c.video = nil
	}
	c.mu.Unlock()

	if track == nil {
		return nil
	}
	track.SetMuted(true)
	if wasPublished && c.session.Joined() {
		return vendorError(c.session.Unpublish(ctx, track))
	}
	return nil
}

func (c *rtcClient) StartRemoteVideo(userID string, sink ports.MediaSink) (func(), error) {
	stop, err := c.session.AttachRemote(rtc.KindVideo, sink)
	return stop, vendorError(err)
}

func (c *rtcClient) RecordRemoteAudio(ctx context.Context, w io.Writer) error {
	return vendorError(c.session.DumpAudio(ctx, w))
}

func (c *rtcClient) EnableAIDenoiser(ctx context.Context, enabled bool) error {
	return vendorError(c.session.SendSignal(msgAudioProcessing, map[string]bool{"ai_denoiser": enabled}))
}

func (c *rtcClient) SendCustomMessage(cmdID int, data []byte) error {
	if cmdID != c.cmdID {
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeInvalidParameter, Message: fmt.Sprintf("cmdId %d is not open", cmdID)}
	}
	return vendorError(c.session.SendData(data))
}

func (c *rtcClient) CustomMessageReady() bool { return c.session.DataReady() }

func (c *rtcClient) GetStatistics(ctx context.Context) (Statistics, error) {
	ns, err := c.session.NetworkStats(time.Now())
	if err != nil {
		return Statistics{}, vendorError(err)
	}
	return Statistics{
		RTT:            ns.RTT,
		DownLoss:       max(ns.Audio.PacketLoss, ns.Video.PacketLoss),
		Bandwidth:      ns.Bandwidth,
		AudioBitrate:   ns.Audio.Bitrate,
		VideoBitrate:   ns.Video.Bitrate,
		AudioJitter:    ns.Audio.Jitter,
		VideoJitter:    ns.Video.Jitter,
		VideoWidth:     ns.Video.Width,
		VideoHeight:    ns.Video.Height,
		VideoFrameRate: ns.Video.FrameRate,
	}, nil
}

func (c *rtcClient) setState(state string) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	if h := c.events(); h.OnConnectionStateChanged != nil {
		h.OnConnectionStateChanged(prev, state)
	}
}

// trtc has no reconnecting state; a dropped peer connection reads as
// connecting until it recovers or fails.
func (c *rtcClient) onPeerState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		c.setState(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		c.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		c.setState(StateDisconnected)
	}
}

func (c *rtcClient) onData(data []byte) {
	if h := c.events(); h.OnCustomMessage != nil {
		h.OnCustomMessage("", c.cmdID, data)
	}
}

type userPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (c *rtcClient) onMessage(msg rtc.Message) {
	h := c.events()
	var err error

	switch msg.Type {
	case msgUserEnter, msgUserExit, msgAudioAvailable, msgAudioGone, msgVideoAvailable, msgVideoGone, msgAutoplayFailed:
		var u userPayload
		if err = msg.Decode(&u); err != nil {
			break
		}
		switch {
		case msg.Type == msgUserEnter && h.OnRemoteUserEnter != nil:
			h.OnRemoteUserEnter(u.UserID)
		case msg.Type == msgUserExit && h.OnRemoteUserExit != nil:
			h.OnRemoteUserExit(u.UserID)
		case (msg.Type == msgAudioAvailable || msg.Type == msgAudioGone) && h.OnRemoteAudioAvailable != nil:
			h.OnRemoteAudioAvailable(u.UserID, msg.Type == msgAudioAvailable)
		case (msg.Type == msgVideoAvailable || msg.Type == msgVideoGone) && h.OnRemoteVideoAvailable != nil:
			h.OnRemoteVideoAvailable(u.UserID, msg.Type == msgVideoAvailable)
		case msg.Type == msgAutoplayFailed && h.OnAutoplayFailed != nil:
			h.OnAutoplayFailed(u.UserID)
		}
	case msgNetworkQuality:
		var q NetworkQuality
		if err = msg.Decode(&q); err == nil && h.OnNetworkQuality != nil {
			h.OnNetworkQuality(q)
		}
	case msgAudioVolume:
		var ev struct {
			Result []VolumeResult `json:"result"`
		}
		if err = msg.Decode(&ev); err == nil && h.OnAudioVolume != nil {
			h.OnAudioVolume(ev.Result)
		}
	case msgKickedOut:
		var u userPayload
		if err = msg.Decode(&u); err == nil && h.OnKickedOut != nil {
			h.OnKickedOut(u.Reason)
		}
	case msgError:
		var remote rtc.RemoteError
		if err = msg.Decode(&remote); err == nil && h.OnError != nil {
			h.OnError(remote.Code, remote.ExtraCode, remote.Message)
		}
	default:
		c.logger.Debugw("unhandled trtc message", "type", msg.Type)
	}

	if err != nil {
		c.logger.Warnw("malformed trtc message", "type", msg.Type, "error", err)
	}
}

// vendorError reports engine failures with trtc's numeric codes.
func vendorError(err error) error {
	if err == nil {
		return nil
	}
	var remote *rtc.RemoteError
	switch {
	case stderrors.As(err, &remote):
		ve := &errors.VendorError{Vendor: "trtc", NumericCode: remote.Code, ExtraCode: remote.ExtraCode, Message: remote.Message, Cause: err}
		if status, ok := remote.HTTPStatus(); ok {
			ve.NumericCode = codeServerError
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				ve.ExtraCode = extraSigInvalid
			}
		}
		return ve
	case stderrors.Is(err, rtc.ErrNotJoined), stderrors.Is(err, rtc.ErrDataNotReady):
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeInvalidOperation, Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrNoRemoteTrack):
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeInvalidParameter, Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrSignalClosed):
		return &errors.VendorError{Vendor: "trtc", NumericCode: codeOperationAbort, Message: err.Error(), Cause: err}
	}
	return err
}
