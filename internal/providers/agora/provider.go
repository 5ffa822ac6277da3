package agora

import (
	"context"
	"io"
	"strconv"
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
	StatsInterval time.Duration
	WarnBefore    time.Duration
	Metrics       ports.Metrics
	Logger        *zap.SugaredLogger

	// Client overrides the rtc-backed client.
	Client Client
}

// Provider is the agora implementation of ports.StreamingProvider.
type Provider struct {
	*services.ProviderCore

	client    Client
	audio     *services.MediaController[ports.AudioConfig, LocalTrack, domain.AudioTrack]
	video     *services.MediaController[ports.VideoConfig, LocalTrack, domain.VideoTrack]
	stats     *services.StatsPoller
	converter participantConverter

	localUID   atomic.Int64
	avatarUID  atomic.Int64
	lastStats  atomic.Pointer[RTCStats]
	playMu     sync.Mutex
	stopPlayer func()
}

var _ ports.StreamingProvider = (*Provider)(nil)

// New creates an idle agora provider.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := opts.Client
	if client == nil {
		client = NewClient(opts.RTC, logger.With("provider", domain.ProviderAgora))
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}

	p := &Provider{client: client}
	p.ProviderCore = services.NewProviderCore(services.CoreConfig{
		Provider:   domain.ProviderAgora,
		Transport:  dataStream{client: client},
		Messaging:  opts.Messaging,
		WarnBefore: opts.WarnBefore,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	log := p.Logger()

	p.audio = services.NewMediaController("agora", "audio", services.MediaHooks[ports.AudioConfig, LocalTrack, domain.AudioTrack]{
		Acquire: func(ctx context.Context, cfg ports.AudioConfig) (LocalTrack, error) {
			return client.CreateMicrophoneAudioTrack(ctx, MicrophoneConfig{Volume: cfg.Volume, ANS: cfg.NoiseReduction})
		},
		Release:   func(_ context.Context, t LocalTrack) error { return t.Close() },
		Publish:   client.Publish,
		Unpublish: client.Unpublish,
		Describe: func(t LocalTrack, cfg ports.AudioConfig) domain.AudioTrack {
			return domain.NewAudioTrack(t.TrackID(), cfg.Volume)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapAgoraError,
		OnError:   p.ReportError,
	}, log)

	p.video = services.NewMediaController("agora", "video", services.MediaHooks[ports.VideoConfig, LocalTrack, domain.VideoTrack]{
		Acquire: func(ctx context.Context, cfg ports.VideoConfig) (LocalTrack, error) {
			return client.CreateCameraVideoTrack(ctx, CameraConfig{
				Width:     cfg.Width,
				Height:    cfg.Height,
				FrameRate: cfg.FrameRate,
				Screen:    cfg.Source == domain.VideoSourceScreen,
			})
		},
		Release:   func(_ context.Context, t LocalTrack) error { return t.Close() },
		Publish:   client.Publish,
		Unpublish: client.Unpublish,
		Describe: func(t LocalTrack, cfg ports.VideoConfig) domain.VideoTrack {
			return domain.NewVideoTrack(t.TrackID(), cfg.Source)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapAgoraError,
		OnError:   p.ReportError,
	}, log)

	p.stats = services.NewStatsPoller("agora", opts.StatsInterval, p.collectStats, log)
	return p
}

// dataStream adapts the agora stream message API to the message protocol.
type dataStream struct{ client Client }

func (d dataStream) SendFrame(_ context.Context, data []byte) error {
	return d.client.SendStreamMessage(data)
}

func (d dataStream) IsReady() bool { return d.client.StreamMessageReady() }

func asCredentials(creds domain.Credentials) (domain.AgoraCredentials, bool) {
	switch c := creds.(type) {
	case domain.AgoraCredentials:
		return c, true
	case *domain.AgoraCredentials:
		if c != nil {
			return *c, true
		}
	}
	return domain.AgoraCredentials{}, false
}

// Connect joins the agora channel described by creds.
func (p *Provider) Connect(ctx context.Context, creds domain.Credentials, handlers ports.StreamingEventHandlers) error {
	return p.Join(ctx, creds, handlers, func(ctx context.Context) error {
		c, ok := asCredentials(creds)
		if !ok {
			return errors.New(errors.ErrCodeInvalidCredentials, "agora credentials required")
		}

		p.client.SetEventHandler(p.eventHandler())
		p.Connection.SetStatus(domain.ConnectionConnecting, "join")

		uid, err := p.client.Join(ctx, c.AppID, c.Channel, c.Token, c.UID)
		if err != nil {
			return err
		}
		p.localUID.Store(uid)
		p.Connection.SetStatus(domain.ConnectionConnected, "")

		local := p.converter.ToParticipant(RemoteUser{UID: uid}, true)
		if err := p.Participants.Upsert(local); err != nil {
			return err
		}

		p.Connection.ScheduleExpiry(c.ExpiresAt)
		p.stats.Start(ctx)
		stats := p.stats
		resource.Register(p.Resources, p, resource.Named("stats-poller", resource.Func(func(context.Context) error {
			stats.Stop()
			return nil
		})))
		return nil
	}, p.teardown, errors.MapAgoraError)
}

// Disconnect leaves the channel and releases every local track. It never
// fails; teardown problems are logged.
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
	p.lastStats.Store(nil)
	p.avatarUID.Store(0)
	return p.client.Leave(ctx)
}

func (p *Provider) IsConnected() bool { return p.Connection.IsConnected() }

// RenewToken hands a fresh token to the client and rearms expiry.
func (p *Provider) RenewToken(ctx context.Context, token string, expiresAt time.Time) error {
	if err := p.client.RenewToken(ctx, token); err != nil {
		return p.Surface(errors.MapAgoraError(err))
	}
	p.Connection.ScheduleExpiry(expiresAt)
	return nil
}

func (p *Provider) localID() string {
	return strconv.FormatInt(p.localUID.Load(), 10)
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

// PlayVideo streams the avatar's video into sink, replacing any earlier
// sink.
func (p *Provider) PlayVideo(ctx context.Context, sink ports.MediaSink) error {
	if !p.IsConnected() {
		return p.Surface(errors.New(errors.ErrCodeConnectionFailed, "cannot play video while not connected"))
	}
	stop, err := p.client.PlayRemoteVideo(p.avatarUID.Load(), sink)
	if err != nil {
		return p.Surface(errors.MapAgoraError(err).WithDetail("kind", "video"))
	}

	p.playMu.Lock()
	prev := p.stopPlayer
	p.stopPlayer = stop
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
	stop := p.stopPlayer
	p.stopPlayer = nil
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
	return p.audio.WithNative(func(t LocalTrack, _ *domain.AudioTrack) error {
		if err := t.SetNoiseSuppression(ctx, enabled); err != nil {
			return errors.MapAgoraError(err)
		}
		return nil
	})
}

// DumpAudio records the avatar's audio to w until ctx is done.
func (p *Provider) DumpAudio(ctx context.Context, w io.Writer) error {
	if err := p.client.DumpRemoteAudio(ctx, w); err != nil {
		return p.Surface(errors.MapAgoraError(err).WithDetail("kind", "audio"))
	}
	return nil
}

func (p *Provider) collectStats(ctx context.Context) error {
	stats, err := p.client.GetRTCStats(ctx)
	if err != nil {
		return err
	}
	p.lastStats.Store(&stats)
	eventbus.Emit(p.Bus, services.TopicDetailedStats, toNetworkStats(stats, time.Now()))
	return nil
}
