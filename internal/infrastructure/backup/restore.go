package backup

import (
	"context"
	"errors"
	"fmt"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/backup"

	"go.uber.org/zap"
)

// RestoreOptions contains restore options
type RestoreOptions struct {
	// OverwriteExisting replaces keys that already hold a value.
	OverwriteExisting bool
	// Prune deletes keys that are not in the snapshot.
	Prune bool
}

// RestoreResult counts what a restore changed.
type RestoreResult struct {
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Removed  int `json:"removed"`
}

// RestoreService handles restore operations
type RestoreService struct {
	backupService *backup.BackupService
	settings      ports.SettingsRepository
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, settings ports.SettingsRepository, logger *zap.SugaredLogger) *RestoreService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RestoreService{
		backupService: backupService,
		settings:      settings,
		logger:        logger.Named("restore"),
	}
}

// RestoreFromBackup writes the settings held by backupName back into the
// repository.
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, backupName string, options RestoreOptions) (RestoreResult, error) {
	rs.logger.Infow("starting restore", "backup_name", backupName, "overwrite", options.OverwriteExisting, "prune", options.Prune)

	var result RestoreResult
	snap, err := rs.backupService.RestoreBackup(ctx, backupName)
	if err != nil {
		return result, err
	}

	for key, value := range snap.Settings {
		if !options.OverwriteExisting {
			_, err := rs.settings.Get(ctx, key)
			if err == nil {
				rs.logger.Debugw("skipping existing setting", "key", key)
				result.Skipped++
				continue
			}
			if !errors.Is(err, domain.ErrSettingNotFound) {
				return result, fmt.Errorf("failed to read setting %s: %w", key, err)
			}
		}
		if err := rs.settings.Set(ctx, key, value); err != nil {
			return result, fmt.Errorf("failed to restore setting %s: %w", key, err)
		}
		result.Restored++
	}

	if options.Prune {
		current, err := rs.settings.List(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to list settings: %w", err)
		}
		for key := range current {
			if _, ok := snap.Settings[key]; ok {
				continue
			}
			if err := rs.settings.Delete(ctx, key); err != nil && !errors.Is(err, domain.ErrSettingNotFound) {
				return result, fmt.Errorf("failed to remove setting %s: %w", key, err)
			}
			result.Removed++
		}
	}

	rs.logger.Infow("restore completed successfully",
		"backup_name", backupName,
		"restored", result.Restored,
		"skipped", result.Skipped,
		"removed", result.Removed,
	)
	return result, nil
}
