// Package providers builds vendor streaming providers by tag and hands a
// live session from one vendor to another.
package providers

import (
	"fmt"
	"sync"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	"avatarlink/internal/infrastructure/rtc"
	"avatarlink/internal/providers/agora"
	"avatarlink/internal/providers/livekit"
	"avatarlink/internal/providers/trtc"
	"avatarlink/pkg/config"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/retry"

	"go.uber.org/zap"
)

// Constructor builds one fresh provider instance.
type Constructor func() (ports.StreamingProvider, error)

// Loader prepares a vendor's constructor. It runs at most once per
// successful load.
type Loader func() (Constructor, error)

type entry struct {
	load        Loader
	constructor Constructor
}

// Factory maps vendor tags to lazily loaded constructors.
type Factory struct {
	mu      sync.Mutex
	entries map[domain.ProviderType]*entry
	order   []domain.ProviderType

	logger *zap.SugaredLogger
}

// NewFactory creates a factory with no vendors registered.
func NewFactory(logger *zap.SugaredLogger) *Factory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Factory{
		entries: make(map[domain.ProviderType]*entry),
		logger:  logger,
	}
}

// Register adds or replaces the loader for t.
func (f *Factory) Register(t domain.ProviderType, load Loader) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[t]; !ok {
		f.order = append(f.order, t)
	}
	f.entries[t] = &entry{load: load}
}

// IsSupported reports whether t has a registered loader.
func (f *Factory) IsSupported(t domain.ProviderType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[t]
	return ok
}

// SupportedTypes returns the registered tags in registration order.
func (f *Factory) SupportedTypes() []domain.ProviderType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ProviderType(nil), f.order...)
}

// Create returns a new provider for t. Unknown tags fail before anything is
// loaded; loader and constructor failures are reported as initialization
// errors.
func (f *Factory) Create(t domain.ProviderType) (ports.StreamingProvider, error) {
	construct, err := f.constructor(t)
	if err != nil {
		return nil, err
	}

	p, err := construct()
	if err != nil {
		return nil, errors.NewProviderInitError(string(t), err)
	}
	if p == nil {
		return nil, errors.NewProviderInitError(string(t), fmt.Errorf("constructor returned no provider"))
	}
	f.logger.Debugw("provider created", "provider", t)
	return p, nil
}

func (f *Factory) constructor(t domain.ProviderType) (Constructor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[t]
	if !ok {
		return nil, errors.NewProviderNotSupportedError(string(t))
	}
	if e.constructor != nil {
		return e.constructor, nil
	}

	c, err := e.load()
	if err != nil {
		return nil, errors.NewProviderInitError(string(t), err)
	}
	e.constructor = c
	f.logger.Infow("provider loaded", "provider", t)
	return c, nil
}

// Settings carries what every vendor constructor needs from configuration.
type Settings struct {
	RTC           rtc.Config
	SignalingURLs map[domain.ProviderType]string
	Messaging     services.MessageConfig
	StatsInterval time.Duration
	WarnBefore    time.Duration
	Metrics       ports.Metrics
	Logger        *zap.SugaredLogger
}

// SettingsFromConfig maps application configuration onto Settings.
func SettingsFromConfig(cfg *config.Config, metrics ports.Metrics, logger *zap.SugaredLogger) Settings {
	base := rtc.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		base.ICEServers = nil
		for _, s := range cfg.WebRTC.ICEServers {
			base.ICEServers = append(base.ICEServers, s.URLs...)
		}
	}
	base.PortRange.Min = cfg.WebRTC.PortRange.Min
	base.PortRange.Max = cfg.WebRTC.PortRange.Max
	if cfg.Server.PingInterval > 0 {
		base.PingInterval = cfg.Server.PingInterval
	}

	return Settings{
		RTC: base,
		SignalingURLs: map[domain.ProviderType]string{
			domain.ProviderAgora:   cfg.Providers.Agora.SignalingURL,
			domain.ProviderLiveKit: cfg.Providers.LiveKit.SignalingURL,
			domain.ProviderTRTC:    cfg.Providers.TRTC.SignalingURL,
		},
		Messaging: services.MessageConfig{
			MaxEncodedSize: cfg.Messaging.MaxEncodedSize,
			BytesPerSecond: cfg.Messaging.BytesPerSecond,
			ParamsRetry:    retry.Fixed(cfg.Messaging.ParamsRetryAttempts, cfg.Messaging.ParamsRetryDelay),
		},
		StatsInterval: cfg.Stats.PollInterval,
		WarnBefore:    cfg.Credentials.WarnBefore,
		Metrics:       metrics,
		Logger:        logger,
	}
}

// NewDefaultFactory registers the agora, livekit and trtc providers.
func NewDefaultFactory(s Settings) *Factory {
	f := NewFactory(s.Logger)

	f.Register(domain.ProviderAgora, func() (Constructor, error) {
		rc, err := s.vendorRTC(domain.ProviderAgora, true)
		if err != nil {
			return nil, err
		}
		return func() (ports.StreamingProvider, error) {
			return agora.New(agora.Options{
				RTC:           rc,
				Messaging:     s.Messaging,
				StatsInterval: s.StatsInterval,
				WarnBefore:    s.WarnBefore,
				Metrics:       s.Metrics,
				Logger:        s.Logger,
			}), nil
		}, nil
	})

	// livekit takes its server URL from the session credentials.
	f.Register(domain.ProviderLiveKit, func() (Constructor, error) {
		rc, err := s.vendorRTC(domain.ProviderLiveKit, false)
		if err != nil {
			return nil, err
		}
		return func() (ports.StreamingProvider, error) {
			return livekit.New(livekit.Options{
				RTC:           rc,
				Messaging:     s.Messaging,
				StatsInterval: s.StatsInterval,
				WarnBefore:    s.WarnBefore,
				Metrics:       s.Metrics,
				Logger:        s.Logger,
			}), nil
		}, nil
	})

	f.Register(domain.ProviderTRTC, func() (Constructor, error) {
		rc, err := s.vendorRTC(domain.ProviderTRTC, true)
		if err != nil {
			return nil, err
		}
		return func() (ports.StreamingProvider, error) {
			return trtc.New(trtc.Options{
				RTC:        rc,
				Messaging:  s.Messaging,
				WarnBefore: s.WarnBefore,
				Metrics:    s.Metrics,
				Logger:     s.Logger,
			}), nil
		}, nil
	})

	return f
}

func (s Settings) vendorRTC(t domain.ProviderType, needsURL bool) (rtc.Config, error) {
	rc := s.RTC
	rc.SignalingURL = s.SignalingURLs[t]
	if needsURL && rc.SignalingURL == "" {
		return rtc.Config{}, fmt.Errorf("%s signaling url is not configured", t)
	}
	return rc, nil
}
