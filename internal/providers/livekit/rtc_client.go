package livekit

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	msgJoin                    = "join"
	msgJoined                  = "joined"
	msgLeave                   = "leave"
	msgParticipantConnected    = "participant_connected"
	msgParticipantDisconnected = "participant_disconnected"
	msgTrackPublished          = "track_published"
	msgTrackUnpublished        = "track_unpublished"
	msgConnectionQuality       = "connection_quality"
	msgActiveSpeakers          = "active_speakers"
	msgTokenRefresh            = "refresh_token"
	msgTrackSettings           = "track_setting"
)

type trackEvent struct {
	Identity string    `json:"identity"`
	Track    TrackInfo `json:"track"`
}

type qualityUpdate struct {
	Updates []struct {
		Identity string  `json:"identity"`
		Quality  Quality `json:"quality"`
	} `json:"updates"`
}

// rtcClient implements Client on the shared rtc engine. Each Connect dials
// a fresh session against the room URL.
type rtcClient struct {
	cfg    rtc.Config
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	session  *rtc.Session
	cb       RoomCallback
	degraded bool
}

// NewClient returns the default Client. cfg.SignalingURL is ignored; the
// room URL from the credentials is used instead.
func NewClient(cfg rtc.Config, logger *zap.SugaredLogger) Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.JoinReply = msgJoined
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = "_lossy"
	}
	return &rtcClient{cfg: cfg, logger: logger}
}

func (c *rtcClient) current() (*rtc.Session, RoomCallback) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.cb
}

// signalURL turns a room URL into the signaling endpoint.
func signalURL(url string) string {
	url = strings.TrimRight(url, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	if !strings.HasSuffix(url, "/rtc") {
		url += "/rtc"
	}
	return url
}

func (c *rtcClient) Connect(ctx context.Context, url, token string, cb RoomCallback) (JoinResult, error) {
	cfg := c.cfg
	cfg.SignalingURL = signalURL(url)
	session := rtc.NewSession(cfg, rtc.Events{
		OnMessage:         c.onMessage,
		OnData:            c.onData,
		OnConnectionState: c.onPeerState,
		OnClosed: func(err error) {
			if cb.OnDisconnected != nil {
				cb.OnDisconnected(ReasonSignalClose)
			}
		},
	}, c.logger)

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return JoinResult{}, &errors.VendorError{Vendor: "livekit", Name: "UnexpectedConnectionState", Message: "already connected"}
	}
	c.session, c.cb = session, cb
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	raw, err := session.Join(ctx, header, msgJoin, map[string]any{"auto_subscribe": true})
	if err != nil {
		c.release(session)
		return JoinResult{}, vendorError(err)
	}

	var res JoinResult
	if err := (rtc.Message{Type: msgJoined, Payload: raw}).Decode(&res); err != nil {
		// The room is joined but unusable without its participant list.
		c.release(session)
		if lerr := session.Leave(context.WithoutCancel(ctx), msgLeave); lerr != nil {
			c.logger.Warnw("failed to leave room after bad join reply", "error", lerr)
		}
		return JoinResult{}, &errors.VendorError{Vendor: "livekit", Name: "SignalRequestError", Message: err.Error(), Cause: err}
	}
	return res, nil
}

// release forgets session if it is still the current one.
func (c *rtcClient) release(session *rtc.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == session {
		c.session, c.cb = nil, RoomCallback{}
	}
}

func (c *rtcClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.cb = RoomCallback{}
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return vendorError(session.Leave(ctx, msgLeave))
}

func (c *rtcClient) CreateLocalTrack(ctx context.Context, kind string, opts TrackOptions) (LocalTrack, error) {
	name := opts.Name
	if name == "" {
		name = kind
	}
	t, err := rtc.NewLocalTrack(kind, name)
	if err != nil {
		return nil, &errors.VendorError{Vendor: "livekit", Name: "DeviceUnsupportedError", Message: err.Error(), Cause: err}
	}
	return &localTrack{track: t, client: c, noiseSuppression: opts.NoiseSuppression}, nil
}

func (c *rtcClient) PublishTrack(ctx context.Context, track LocalTrack) error {
	lt, err := c.own(track)
	if err != nil {
		return err
	}
	session, _ := c.current()
	if session == nil {
		return &errors.VendorError{Vendor: "livekit", Name: "PublishTrackError", Message: "room not connected"}
	}
	if err := session.Publish(ctx, lt.track); err != nil {
		return &errors.VendorError{Vendor: "livekit", Name: "PublishTrackError", Message: err.Error(), Cause: err}
	}
	return nil
}

func (c *rtcClient) UnpublishTrack(ctx context.Context, track LocalTrack) error {
	lt, err := c.own(track)
	if err != nil {
		return err
	}
	session, _ := c.current()
	if session == nil {
		return nil
	}
	return vendorError(session.Unpublish(ctx, lt.track))
}

func (c *rtcClient) own(track LocalTrack) (*localTrack, error) {
	lt, ok := track.(*localTrack)
	if !ok {
		return nil, &errors.VendorError{Vendor: "livekit", Name: "TrackInvalidError", Message: "track was not created by this client"}
	}
	return lt, nil
}

func (c *rtcClient) PublishData(data []byte) error {
	session, _ := c.current()
	if session == nil {
		return &errors.VendorError{Vendor: "livekit", Name: "PublishDataError", Message: "room not connected"}
	}
	if err := session.SendData(data); err != nil {
		return &errors.VendorError{Vendor: "livekit", Name: "PublishDataError", Message: err.Error(), Cause: err}
	}
	return nil
}

func (c *rtcClient) DataReady() bool {
	session, _ := c.current()
	return session != nil && session.DataReady()
}

func (c *rtcClient) GetStats(ctx context.Context) (domain.NetworkStats, error) {
	session, _ := c.current()
	if session == nil {
		return domain.NetworkStats{}, vendorError(rtc.ErrNotJoined)
	}
	return session.NetworkStats(time.Now())
}

func (c *rtcClient) AttachRemoteVideo(sink ports.MediaSink) (func(), error) {
	session, _ := c.current()
	if session == nil {
		return nil, vendorError(rtc.ErrNotJoined)
	}
	detach, err := session.AttachRemote(rtc.KindVideo, sink)
	return detach, vendorError(err)
}

func (c *rtcClient) RecordRemoteAudio(ctx context.Context, w io.Writer) error {
	session, _ := c.current()
	if session == nil {
		return vendorError(rtc.ErrNotJoined)
	}
	return vendorError(session.DumpAudio(ctx, w))
}

func (c *rtcClient) onPeerState(state webrtc.PeerConnectionState) {
	_, cb := c.current()

	c.mu.Lock()
	wasDegraded := c.degraded
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		c.degraded = true
	case webrtc.PeerConnectionStateConnected:
		c.degraded = false
	}
	c.mu.Unlock()

	switch {
	case state == webrtc.PeerConnectionStateDisconnected && !wasDegraded && cb.OnReconnecting != nil:
		cb.OnReconnecting()
	case state == webrtc.PeerConnectionStateConnected && wasDegraded && cb.OnReconnected != nil:
		cb.OnReconnected()
	case state == webrtc.PeerConnectionStateFailed && cb.OnDisconnected != nil:
		cb.OnDisconnected(ReasonSignalClose)
	}
}

func (c *rtcClient) onData(data []byte) {
	if _, cb := c.current(); cb.OnDataReceived != nil {
		cb.OnDataReceived(data, "")
	}
}

func (c *rtcClient) onMessage(msg rtc.Message) {
	_, cb := c.current()
	var err error

	switch msg.Type {
	case msgParticipantConnected, msgParticipantDisconnected:
		var p ParticipantInfo
		if err = msg.Decode(&p); err != nil {
			break
		}
		if msg.Type == msgParticipantConnected && cb.OnParticipantConnected != nil {
			cb.OnParticipantConnected(p)
		} else if msg.Type == msgParticipantDisconnected && cb.OnParticipantDisconnected != nil {
			cb.OnParticipantDisconnected(p)
		}
	case msgTrackPublished, msgTrackUnpublished:
		var ev trackEvent
		if err = msg.Decode(&ev); err != nil {
			break
		}
		if msg.Type == msgTrackPublished && cb.OnTrackPublished != nil {
			cb.OnTrackPublished(ev.Identity, ev.Track)
		} else if msg.Type == msgTrackUnpublished && cb.OnTrackUnpublished != nil {
			cb.OnTrackUnpublished(ev.Identity, ev.Track)
		}
	case msgConnectionQuality:
		var ev qualityUpdate
		if err = msg.Decode(&ev); err == nil && cb.OnConnectionQualityChanged != nil {
			for _, u := range ev.Updates {
				cb.OnConnectionQualityChanged(u.Identity, u.Quality)
			}
		}
	case msgActiveSpeakers:
		var ev struct {
			Speakers []SpeakerInfo `json:"speakers"`
		}
		if err = msg.Decode(&ev); err == nil && cb.OnActiveSpeakersChanged != nil {
			cb.OnActiveSpeakersChanged(ev.Speakers)
		}
	case msgTokenRefresh:
		var ev struct {
			Token string `json:"token"`
		}
		if err = msg.Decode(&ev); err == nil && cb.OnTokenRefreshed != nil {
			cb.OnTokenRefreshed(ev.Token)
		}
	case msgLeave:
		var ev struct {
			Reason string `json:"reason"`
		}
		if err = msg.Decode(&ev); err == nil && cb.OnDisconnected != nil {
			cb.OnDisconnected(ev.Reason)
		}
	default:
		c.logger.Debugw("unhandled livekit message", "type", msg.Type)
	}

	if err != nil {
		c.logger.Warnw("malformed livekit message", "type", msg.Type, "error", err)
	}
}

// vendorError names engine failures the way the livekit client does.
func vendorError(err error) error {
	if err == nil {
		return nil
	}
	var remote *rtc.RemoteError
	switch {
	case stderrors.As(err, &remote):
		name := remote.Name
		if _, isHTTP := remote.HTTPStatus(); isHTTP || name == "" {
			name = "ConnectionError"
		}
		return &errors.VendorError{Vendor: "livekit", Name: name, Code: connectionReason(remote.Code), Message: remote.Message, Cause: err}
	case stderrors.Is(err, context.DeadlineExceeded):
		return &errors.VendorError{Vendor: "livekit", Name: "TimeoutError", Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrSignalClosed):
		return &errors.VendorError{Vendor: "livekit", Name: "ConnectionError", Code: "Cancelled", Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrNotJoined):
		return &errors.VendorError{Vendor: "livekit", Name: "UnexpectedConnectionState", Message: err.Error(), Cause: err}
	case stderrors.Is(err, rtc.ErrNoRemoteTrack):
		return &errors.VendorError{Vendor: "livekit", Name: "TrackInvalidError", Message: err.Error(), Cause: err}
	}
	return err
}

func connectionReason(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "NotAllowed"
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return "ServerUnreachable"
	case status >= 500:
		return "InternalError"
	}
	return ""
}

type localTrack struct {
	track  *rtc.LocalTrack
	client *rtcClient

	mu               sync.Mutex
	noiseSuppression bool
}

func (t *localTrack) SID() string  { return t.track.ID() }
func (t *localTrack) Kind() string { return t.track.Kind() }

func (t *localTrack) SetMuted(muted bool) { t.track.SetMuted(muted) }

func (t *localTrack) SetNoiseSuppression(ctx context.Context, enabled bool) error {
	t.mu.Lock()
	t.noiseSuppression = enabled
	t.mu.Unlock()

	session, _ := t.client.current()
	if session == nil || !session.Joined() {
		return nil
	}
	return vendorError(session.SendSignal(msgTrackSettings, map[string]any{
		"track_sid":         t.track.ID(),
		"noise_suppression": enabled,
	}))
}

func (t *localTrack) Stop() error {
	t.track.SetMuted(true)
	return nil
}
