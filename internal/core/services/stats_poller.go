package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsPoller calls collect on a fixed interval until stopped. Collection
// errors are logged and polling continues.
type StatsPoller struct {
	mu       sync.Mutex
	interval time.Duration
	collect  func(ctx context.Context) error
	cancel   context.CancelFunc
	done     chan struct{}

	provider string
	logger   *zap.SugaredLogger
}

func NewStatsPoller(provider string, interval time.Duration, collect func(ctx context.Context) error, logger *zap.SugaredLogger) *StatsPoller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsPoller{
		interval: interval,
		collect:  collect,
		provider: provider,
		logger:   logger,
	}
}

// Start begins polling. Calling Start while running is a no-op.
func (p *StatsPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

func (p *StatsPoller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.collect(ctx); err != nil && ctx.Err() == nil {
				p.logger.Debugw("stats collection failed", "provider", p.provider, "error", err)
			}
		}
	}
}

// Stop halts polling and waits for an in-flight collection to return.
func (p *StatsPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is active.
func (p *StatsPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
