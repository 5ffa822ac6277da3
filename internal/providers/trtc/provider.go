package trtc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/resource"

	"go.uber.org/zap"
)

// Options configures a Provider.
type Options struct {
	RTC           rtc.Config
	Messaging     services.MessageConfig
	CmdID         int
	StatsInterval time.Duration
	WarnBefore    time.Duration
	Metrics       ports.Metrics
	Logger        *zap.SugaredLogger

	// Client overrides the rtc-backed client.
	Client Client
}

// localStream names a started local capture.
type localStream struct {
	id string
}

// Provider is the trtc implementation of ports.StreamingProvider.
type Provider struct {
	*services.ProviderCore

	client Client
	cmdID  int
	audio  *services.MediaController[ports.AudioConfig, localStream, domain.AudioTrack]
	video  *services.MediaController[ports.VideoConfig, localStream, domain.VideoTrack]
	stats  *services.StatsPoller

	userID     atomic.Pointer[string]
	avatarUser atomic.Pointer[string]

	playMu   sync.Mutex
	stopPlay func()
}

var _ ports.StreamingProvider = (*Provider)(nil)

// New creates an idle trtc provider.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.CmdID <= 0 {
		opts.CmdID = 1
	}
	client := opts.Client
	if client == nil {
		client = NewClient(opts.RTC, opts.CmdID, logger.With("provider", domain.ProviderTRTC))
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}

	p := &Provider{client: client, cmdID: opts.CmdID}
	p.ProviderCore = services.NewProviderCore(services.CoreConfig{
		Provider:   domain.ProviderTRTC,
		Transport:  customMessages{client: client, cmdID: opts.CmdID},
		Messaging:  opts.Messaging,
		WarnBefore: opts.WarnBefore,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	log := p.Logger()

	p.audio = services.NewMediaController("trtc", "audio", services.MediaHooks[ports.AudioConfig, localStream, domain.AudioTrack]{
		Acquire: func(ctx context.Context, cfg ports.AudioConfig) (localStream, error) {
			id, err := client.StartLocalAudio(ctx, LocalAudioOptions{Publish: false, Volume: cfg.Volume, Profile: "speech"})
			if err != nil {
				return localStream{}, err
			}
			if cfg.NoiseReduction {
				if err := client.EnableAIDenoiser(ctx, true); err != nil {
					log.Warnw("failed to enable ai denoiser", "error", err)
				}
			}
			return localStream{id: id}, nil
		},
		Release: func(ctx context.Context, _ localStream) error { return client.StopLocalAudio(ctx) },
		Publish: func(ctx context.Context, _ localStream) error { return client.UpdateLocalAudio(ctx, true) },
		Unpublish: func(ctx context.Context, _ localStream) error {
			return client.UpdateLocalAudio(ctx, false)
		},
		Describe: func(s localStream, cfg ports.AudioConfig) domain.AudioTrack {
			return domain.NewAudioTrack(s.id, cfg.Volume)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapTRTCError,
		OnError:   p.ReportError,
	}, log)

	p.video = services.NewMediaController("trtc", "video", services.MediaHooks[ports.VideoConfig, localStream, domain.VideoTrack]{
		Acquire: func(ctx context.Context, cfg ports.VideoConfig) (localStream, error) {
			id, err := client.StartLocalVideo(ctx, LocalVideoOptions{
				Screen:    cfg.Source == domain.VideoSourceScreen,
				Width:     cfg.Width,
				Height:    cfg.Height,
				FrameRate: cfg.FrameRate,
			})
			return localStream{id: id}, err
		},
		Release: func(ctx context.Context, _ localStream) error { return client.StopLocalVideo(ctx) },
		Publish: func(ctx context.Context, _ localStream) error { return client.UpdateLocalVideo(ctx, true) },
		Unpublish: func(ctx context.Context, _ localStream) error {
			return client.UpdateLocalVideo(ctx, false)
		},
		Describe: func(s localStream, cfg ports.VideoConfig) domain.VideoTrack {
			return domain.NewVideoTrack(s.id, cfg.Source)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapTRTCError,
		OnError:   p.ReportError,
	}, log)

	p.stats = services.NewStatsPoller("trtc", opts.StatsInterval, p.collectStats, log)
	return p
}

// customMessages carries protocol frames on one custom message cmdId.
type customMessages struct {
	client Client
	cmdID  int
}

func (m customMessages) SendFrame(_ context.Context, data []byte) error {
	return m.client.SendCustomMessage(m.cmdID, data)
}

func (m customMessages) IsReady() bool { return m.client.CustomMessageReady() }

func asCredentials(creds domain.Credentials) (domain.TRTCCredentials, bool) {
	switch c := creds.(type) {
	case domain.TRTCCredentials:
		return c, true
	case *domain.TRTCCredentials:
		if c != nil {
			return *c, true
		}
	}
	return domain.TRTCCredentials{}, false
}

// Connect enters the trtc room as an anchor.
func (p *Provider) Connect(ctx context.Context, creds domain.Credentials, handlers ports.StreamingEventHandlers) error {
	return p.Join(ctx, creds, handlers, func(ctx context.Context) error {
		c, ok := asCredentials(creds)
		if !ok {
			return errors.New(errors.ErrCodeInvalidCredentials, "trtc credentials required")
		}

		p.client.On(p.eventHandler())
		p.Connection.SetStatus(domain.ConnectionConnecting, "enter")
		users, err := p.client.EnterRoom(ctx, EnterRoomParams{
			SDKAppID: c.SDKAppID,
			UserID:   c.UserID,
			UserSig:  c.UserSig,
			RoomID:   c.RoomID,
			Scene:    "rtc",
			Role:     "anchor",
		})
		if err != nil {
			return err
		}
		p.Connection.SetStatus(domain.ConnectionConnected, "")

		userID := c.UserID
		p.userID.Store(&userID)
		if err := p.Participants.Upsert(toParticipant(RemoteUser{UserID: userID}, true)); err != nil {
			return err
		}
		for _, u := range users {
			p.registerRemote(u)
		}

		p.Connection.ScheduleExpiry(c.ExpiresAt)
		p.stats.Start(ctx)
		stats := p.stats
		resource.Register(p.Resources, p, resource.Named("stats-poller", resource.Func(func(context.Context) error {
			stats.Stop()
			return nil
		})))
		return nil
	}, p.teardown, errors.MapTRTCError)
}

// Disconnect exits the room. It never fails.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.Leave(ctx, p.teardown)
	return nil
}

// teardown releases native state. It also runs after a connect that failed
// part way, so every step must tolerate a half-joined session.
func (p *Provider) teardown(ctx context.Context) error {
	p.stats.Stop()
	p.stopPlayback()
	if err := p.audio.Disable(ctx); err != nil {
		p.Logger().Warnw("failed to release audio", "error", err)
	}
	if err := p.video.Disable(ctx); err != nil {
		p.Logger().Warnw("failed to release video", "error", err)
	}
	p.userID.Store(nil)
	p.avatarUser.Store(nil)
	return p.client.ExitRoom(ctx)
}

func (p *Provider) IsConnected() bool { return p.Connection.IsConnected() }

func (p *Provider) localID() string {
	if id := p.userID.Load(); id != nil {
		return *id
	}
	return ""
}

func (p *Provider) EnableAudio(ctx context.Context, cfg ports.AudioConfig) (*domain.AudioTrack, error) {
	if cfg == (ports.AudioConfig{}) {
		cfg = ports.DefaultAudioConfig()
	}
	track, err := p.audio.Enable(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.Participants.Update(p.localID(), func(pp *domain.Participant) {
		pp.AudioTracks = []domain.AudioTrack{*track}
	})
	return track, nil
}

func (p *Provider) DisableAudio(ctx context.Context) error {
	err := p.audio.Disable(ctx)
	p.Participants.Update(p.localID(), func(pp *domain.Participant) { pp.AudioTracks = nil })
	return err
}

func (p *Provider) PublishAudio(ctx context.Context) error   { return p.audio.Publish(ctx) }
func (p *Provider) UnpublishAudio(ctx context.Context) error { return p.audio.Unpublish(ctx) }

func (p *Provider) EnableVideo(ctx context.Context, cfg ports.VideoConfig) (*domain.VideoTrack, error) {
	if cfg == (ports.VideoConfig{}) {
		cfg = ports.DefaultVideoConfig()
	}
	track, err := p.video.Enable(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.Participants.Update(p.localID(), func(pp *domain.Participant) {
		pp.VideoTracks = []domain.VideoTrack{*track}
	})
	return track, nil
}

func (p *Provider) DisableVideo(ctx context.Context) error {
	err := p.video.Disable(ctx)
	p.Participants.Update(p.localID(), func(pp *domain.Participant) { pp.VideoTracks = nil })
	return err
}

func (p *Provider) PublishVideo(ctx context.Context) error   { return p.video.Publish(ctx) }
func (p *Provider) UnpublishVideo(ctx context.Context) error { return p.video.Unpublish(ctx) }

// PlayVideo starts the avatar's remote video into sink.
func (p *Provider) PlayVideo(ctx context.Context, sink ports.MediaSink) error {
	if !p.IsConnected() {
		return p.Surface(errors.New(errors.ErrCodeConnectionFailed, "cannot play video while not connected"))
	}
	var user string
	if u := p.avatarUser.Load(); u != nil {
		user = *u
	}
	stop, err := p.client.StartRemoteVideo(user, sink)
	if err != nil {
		return p.Surface(errors.MapTRTCError(err).WithDetail("kind", "video"))
	}

	p.playMu.Lock()
	prev := p.stopPlay
	p.stopPlay = stop
	p.playMu.Unlock()
	if prev != nil {
		prev()
	}
	p.Resources.Group("playback").Add(resource.Func(func(context.Context) error {
		p.stopPlayback()
		return nil
	}))
	return nil
}

func (p *Provider) StopVideo(ctx context.Context) error {
	p.stopPlayback()
	return nil
}

func (p *Provider) stopPlayback() {
	p.playMu.Lock()
	stop := p.stopPlay
	p.stopPlay = nil
	p.playMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Provider) EnableNoiseReduction(ctx context.Context) error {
	return p.setNoiseReduction(ctx, true)
}

func (p *Provider) DisableNoiseReduction(ctx context.Context) error {
	return p.setNoiseReduction(ctx, false)
}

func (p *Provider) setNoiseReduction(ctx context.Context, enabled bool) error {
	return p.audio.WithNative(func(localStream, *domain.AudioTrack) error {
		if err := p.client.EnableAIDenoiser(ctx, enabled); err != nil {
			return errors.MapTRTCError(err)
		}
		return nil
	})
}

// DumpAudio records the avatar's audio to w until ctx is done.
func (p *Provider) DumpAudio(ctx context.Context, w io.Writer) error {
	if err := p.client.RecordRemoteAudio(ctx, w); err != nil {
		return p.Surface(errors.MapTRTCError(err).WithDetail("kind", "audio"))
	}
	return nil
}

func (p *Provider) collectStats(ctx context.Context) error {
	s, err := p.client.GetStatistics(ctx)
	if err != nil {
		return err
	}
	eventbus.Emit(p.Bus, services.TopicDetailedStats, domain.NetworkStats{
		Audio: domain.MediaStats{
			Bitrate:    s.AudioBitrate,
			PacketLoss: s.DownLoss,
			Jitter:     s.AudioJitter,
		},
		Video: domain.MediaStats{
			Bitrate:    s.VideoBitrate,
			PacketLoss: s.DownLoss,
			Jitter:     s.VideoJitter,
			FrameRate:  s.VideoFrameRate,
			Width:      s.VideoWidth,
			Height:     s.VideoHeight,
		},
		RTT:       s.RTT,
		Bandwidth: s.Bandwidth,
		UpdatedAt: time.Now(),
	})
	return nil
}
