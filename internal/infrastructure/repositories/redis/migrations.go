package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "avatarlink:schema:version"
	currentSchemaVersion = 1

	// legacySettingPrefix is the one-string-per-key layout used before
	// settings moved into a single hash.
	legacySettingPrefix = "avatarlink:setting:"
)

// Migration represents one key layout change.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Fold avatarlink:setting:<key> strings into the settings hash.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, legacySettingPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					value, err := client.Get(ctx, key).Bytes()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					field := strings.TrimPrefix(key, legacySettingPrefix)
					if err := client.HSetNX(ctx, settingsKey, field, value).Err(); err != nil {
						return err
					}
					if err := client.Del(ctx, key).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
