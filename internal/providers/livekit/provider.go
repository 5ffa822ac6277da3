package livekit

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
	StatsInterval time.Duration
	WarnBefore    time.Duration
	Metrics       ports.Metrics
	Logger        *zap.SugaredLogger

	// Client overrides the rtc-backed client.
	Client Client
}

// Provider is the livekit implementation of ports.StreamingProvider.
type Provider struct {
	*services.ProviderCore

	client  Client
	audio   *services.MediaController[ports.AudioConfig, LocalTrack, domain.AudioTrack]
	video   *services.MediaController[ports.VideoConfig, LocalTrack, domain.VideoTrack]
	stats   *services.StatsPoller
	quality *services.QualityService

	identity    atomic.Pointer[string]
	lastStats   atomic.Pointer[domain.NetworkStats]
	lastQuality atomic.Pointer[domain.ConnectionQuality]

	playMu sync.Mutex
	detach func()
}

var _ ports.StreamingProvider = (*Provider)(nil)

// New creates an idle livekit provider.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := opts.Client
	if client == nil {
		client = NewClient(opts.RTC, logger.With("provider", domain.ProviderLiveKit))
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}

	p := &Provider{client: client, quality: services.NewQualityService()}
	p.ProviderCore = services.NewProviderCore(services.CoreConfig{
		Provider:   domain.ProviderLiveKit,
		Transport:  dataPublisher{client: client},
		Messaging:  opts.Messaging,
		WarnBefore: opts.WarnBefore,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	log := p.Logger()

	p.audio = services.NewMediaController("livekit", "audio", services.MediaHooks[ports.AudioConfig, LocalTrack, domain.AudioTrack]{
		Acquire: func(ctx context.Context, cfg ports.AudioConfig) (LocalTrack, error) {
			return client.CreateLocalTrack(ctx, rtc.KindAudio, TrackOptions{
				Name:             "microphone",
				Source:           "microphone",
				NoiseSuppression: cfg.NoiseReduction,
			})
		},
		Release:   func(_ context.Context, t LocalTrack) error { return t.Stop() },
		Publish:   client.PublishTrack,
		Unpublish: client.UnpublishTrack,
		Describe: func(t LocalTrack, cfg ports.AudioConfig) domain.AudioTrack {
			return domain.NewAudioTrack(t.SID(), cfg.Volume)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapLiveKitError,
		OnError:   p.ReportError,
	}, log)

	p.video = services.NewMediaController("livekit", "video", services.MediaHooks[ports.VideoConfig, LocalTrack, domain.VideoTrack]{
		Acquire: func(ctx context.Context, cfg ports.VideoConfig) (LocalTrack, error) {
			source := "camera"
			if cfg.Source == domain.VideoSourceScreen {
				source = "screen_share"
			}
			return client.CreateLocalTrack(ctx, rtc.KindVideo, TrackOptions{
				Name:      source,
				Source:    source,
				Width:     cfg.Width,
				Height:    cfg.Height,
				FrameRate: cfg.FrameRate,
			})
		},
		Release:   func(_ context.Context, t LocalTrack) error { return t.Stop() },
		Publish:   client.PublishTrack,
		Unpublish: client.UnpublishTrack,
		Describe: func(t LocalTrack, cfg ports.VideoConfig) domain.VideoTrack {
			return domain.NewVideoTrack(t.SID(), cfg.Source)
		},
		Connected: p.Connection.IsConnected,
		MapError:  errors.MapLiveKitError,
		OnError:   p.ReportError,
	}, log)

	p.stats = services.NewStatsPoller("livekit", opts.StatsInterval, p.collectStats, log)
	return p
}

// dataPublisher sends protocol frames as lossy data packets.
type dataPublisher struct{ client Client }

func (d dataPublisher) SendFrame(_ context.Context, data []byte) error {
	return d.client.PublishData(data)
}

func (d dataPublisher) IsReady() bool { return d.client.DataReady() }

func asCredentials(creds domain.Credentials) (domain.LiveKitCredentials, bool) {
	switch c := creds.(type) {
	case domain.LiveKitCredentials:
		return c, true
	case *domain.LiveKitCredentials:
		if c != nil {
			return *c, true
		}
	}
	return domain.LiveKitCredentials{}, false
}

// Connect joins the room. The access token's exp claim drives expiry
// warnings.
func (p *Provider) Connect(ctx context.Context, creds domain.Credentials, handlers ports.StreamingEventHandlers) error {
	return p.Join(ctx, creds, handlers, func(ctx context.Context) error {
		c, ok := asCredentials(creds)
		if !ok {
			return errors.New(errors.ErrCodeInvalidCredentials, "livekit credentials required")
		}
		claims, err := parseToken(c.Token)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidCredentials, "unreadable access token")
		}
		if claims.Room != "" && claims.Room != c.Room {
			return errors.New(errors.ErrCodeInvalidCredentials, "access token is for a different room").
				WithDetail("tokenRoom", claims.Room)
		}

		p.Connection.SetStatus(domain.ConnectionConnecting, "join")
		res, err := p.client.Connect(ctx, c.URL, c.Token, p.roomCallback())
		if err != nil {
			return err
		}
		p.Connection.SetStatus(domain.ConnectionConnected, "")

		identity := res.Local.Identity
		if identity == "" {
			identity = claims.Identity
		}
		p.identity.Store(&identity)
		res.Local.Identity = identity

		if err := p.Participants.Upsert(toParticipant(res.Local, true)); err != nil {
			return err
		}
		for _, other := range res.Others {
			if err := p.Participants.Upsert(toParticipant(other, false)); err != nil {
				p.Logger().Warnw("failed to register participant", "identity", other.Identity, "error", err)
			}
		}

		p.Connection.ScheduleExpiry(claims.ExpiresAt)
		p.stats.Start(ctx)
		stats := p.stats
		resource.Register(p.Resources, p, resource.Named("stats-poller", resource.Func(func(context.Context) error {
			stats.Stop()
			return nil
		})))
		return nil
	}, p.teardown, errors.MapLiveKitError)
}

// Disconnect leaves the room. It never fails.
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
	p.lastQuality.Store(nil)
	p.identity.Store(nil)
	return p.client.Disconnect(ctx)
}

func (p *Provider) IsConnected() bool { return p.Connection.IsConnected() }

func (p *Provider) localIdentity() string {
	if id := p.identity.Load(); id != nil {
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
	p.Participants.Update(p.localIdentity(), func(pp *domain.Participant) {
		pp.AudioTracks = []domain.AudioTrack{*track}
	})
	return track, nil
}

func (p *Provider) DisableAudio(ctx context.Context) error {
	err := p.audio.Disable(ctx)
	p.Participants.Update(p.localIdentity(), func(pp *domain.Participant) { pp.AudioTracks = nil })
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
	p.Participants.Update(p.localIdentity(), func(pp *domain.Participant) {
		pp.VideoTracks = []domain.VideoTrack{*track}
	})
	return track, nil
}

func (p *Provider) DisableVideo(ctx context.Context) error {
	err := p.video.Disable(ctx)
	p.Participants.Update(p.localIdentity(), func(pp *domain.Participant) { pp.VideoTracks = nil })
	return err
}

func (p *Provider) PublishVideo(ctx context.Context) error   { return p.video.Publish(ctx) }
func (p *Provider) UnpublishVideo(ctx context.Context) error { return p.video.Unpublish(ctx) }

// PlayVideo attaches sink to the avatar's subscribed video track.
func (p *Provider) PlayVideo(ctx context.Context, sink ports.MediaSink) error {
	if !p.IsConnected() {
		return p.Surface(errors.New(errors.ErrCodeConnectionFailed, "cannot play video while not connected"))
	}
	detach, err := p.client.AttachRemoteVideo(sink)
	if err != nil {
		return p.Surface(errors.MapLiveKitError(err).WithDetail("kind", "video"))
	}

	p.playMu.Lock()
	prev := p.detach
	p.detach = detach
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
	detach := p.detach
	p.detach = nil
	p.playMu.Unlock()
	if detach != nil {
		detach()
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
			return errors.MapLiveKitError(err)
		}
		return nil
	})
}

// DumpAudio records the avatar's audio to w until ctx is done.
func (p *Provider) DumpAudio(ctx context.Context, w io.Writer) error {
	if err := p.client.RecordRemoteAudio(ctx, w); err != nil {
		return p.Surface(errors.MapLiveKitError(err).WithDetail("kind", "audio"))
	}
	return nil
}

func (p *Provider) collectStats(ctx context.Context) error {
	stats, err := p.client.GetStats(ctx)
	if err != nil {
		return err
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now()
	}
	p.lastStats.Store(&stats)
	eventbus.Emit(p.Bus, services.TopicDetailedStats, stats)
	return nil
}
