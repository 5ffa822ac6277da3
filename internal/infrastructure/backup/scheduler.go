// Package backup snapshots the settings repository on a schedule and
// restores it from snapshots.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"avatarlink/internal/core/ports"
	"avatarlink/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler manages automatic backups
type Scheduler struct {
	backupService *backup.BackupService
	settings      ports.SettingsRepository
	interval      time.Duration
	retention     time.Duration
	logger        *zap.SugaredLogger
	stopChan      chan struct{}
}

// Config contains scheduler configuration
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

func NewScheduler(
	backupService *backup.BackupService,
	settings ports.SettingsRepository,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		settings:      settings,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		logger:        logger.Named("backup"),
		stopChan:      make(chan struct{}),
	}
}

// Start runs a backup immediately and then on every interval until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runBackup(ctx)

	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := Snapshot(ctx, s.backupService, s.settings, "scheduled", s.logger)
	if err != nil {
		s.logger.Errorw("scheduled backup failed", "error", err)
		return
	}
	s.logger.Infow("backup created successfully", "backup_name", name)

	if s.retention <= 0 {
		return
	}
	deleted, err := s.backupService.Prune(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warnw("failed to cleanup old backups", "error", err)
	}
	for _, name := range deleted {
		s.logger.Infow("deleted old backup", "backup_name", name)
	}
}

// Snapshot copies every setting into a new backup and returns its name.
// Values that are not valid JSON are skipped.
func Snapshot(ctx context.Context, bs *backup.BackupService, settings ports.SettingsRepository, kind string, logger *zap.SugaredLogger) (string, error) {
	values, err := settings.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list settings: %w", err)
	}

	snap := &backup.Snapshot{
		Settings: make(map[string]json.RawMessage, len(values)),
		Metadata: map[string]string{"backup_type": kind},
	}
	for key, value := range values {
		if !json.Valid(value) {
			if logger != nil {
				logger.Warnw("skipping non-JSON setting", "key", key)
			}
			continue
		}
		snap.Settings[key] = json.RawMessage(value)
	}
	snap.Metadata["setting_count"] = strconv.Itoa(len(snap.Settings))

	return bs.CreateBackup(ctx, snap)
}
