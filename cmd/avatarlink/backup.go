package main

import (
	"context"
	"fmt"

	backupinfra "avatarlink/internal/infrastructure/backup"
	"avatarlink/internal/infrastructure/repositories"
	"avatarlink/pkg/backup"
	"avatarlink/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	restoreOverwrite bool
	restorePrune     bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the control surface settings",
	RunE:  runBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settings snapshots",
	RunE:  runBackupList,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot|latest>",
	Short: "Restore control surface settings from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace settings that already have a value")
	restoreCmd.Flags().BoolVar(&restorePrune, "prune", false, "delete settings that are not in the snapshot")

	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

// backupEnv opens the settings store and snapshot storage named by the
// configuration. The returned func releases the store.
func backupEnv() (*repositories.RepositoryFactory, *backup.BackupService, *zap.SugaredLogger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log := logger.New(cfg.Logging.Level, "console").Sugar()

	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating repository factory: %w", err)
	}
	if repoFactory.RedisClient() == nil {
		log.Warn("settings are held in memory; snapshots only cover this process")
	}

	closeFn := func() {
		_ = repoFactory.Close()
		_ = log.Sync()
	}
	return repoFactory, backup.NewBackupService(storage, version), log, closeFn, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	repoFactory, bs, log, closeFn, err := backupEnv()
	if err != nil {
		return err
	}
	defer closeFn()

	name, err := backupinfra.Snapshot(context.Background(), bs, repoFactory.CreateSettingsRepository(), "manual", log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot written: %s\n", name)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return err
	}

	names, err := backup.NewBackupService(storage, version).ListBackups(context.Background())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	repoFactory, bs, log, closeFn, err := backupEnv()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	name := args[0]
	if name == "latest" {
		name, err = bs.Latest(ctx)
		if err != nil {
			return err
		}
		if name == "" {
			return fmt.Errorf("no snapshots to restore")
		}
	}

	rs := backupinfra.NewRestoreService(bs, repoFactory.CreateSettingsRepository(), log)
	res, err := rs.RestoreFromBackup(ctx, name, backupinfra.RestoreOptions{
		OverwriteExisting: restoreOverwrite,
		Prune:             restorePrune,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d written, %d skipped, %d removed\n",
		name, res.Restored, res.Skipped, res.Removed)
	return nil
}
