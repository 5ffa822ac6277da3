package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*BackupService, string, *time.Time) {
	t.Helper()
	tmpDir := t.TempDir()
	storage, err := NewFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	service := NewBackupService(storage, "1.0.0")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return clock }
	return service, tmpDir, &clock
}

func TestBackupService_CreateBackup(t *testing.T) {
	service, tmpDir, _ := newTestService(t)

	name, err := service.CreateBackup(context.Background(), &Snapshot{
		Settings: map[string]json.RawMessage{
			"avatar": json.RawMessage(`{"id":"av-1"}`),
		},
	})
	if err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}
	if name != "settings-20260301-120000.json" {
		t.Errorf("unexpected backup name %q", name)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, name)); err != nil {
		t.Errorf("backup file does not exist: %v", err)
	}
}

func TestBackupService_RestoreBackup(t *testing.T) {
	service, _, _ := newTestService(t)

	name, err := service.CreateBackup(context.Background(), &Snapshot{
		Settings: map[string]json.RawMessage{
			"voice": json.RawMessage(`"v-2"`),
		},
		Metadata: map[string]string{"backup_type": "manual"},
	})
	if err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}

	restored, err := service.RestoreBackup(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to restore backup: %v", err)
	}
	if restored.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", restored.Version)
	}
	if string(restored.Settings["voice"]) != `"v-2"` {
		t.Errorf("unexpected voice setting %s", restored.Settings["voice"])
	}
	if restored.Metadata["backup_type"] != "manual" {
		t.Errorf("metadata was not kept: %v", restored.Metadata)
	}
}

func TestBackupService_ListLatestAndPrune(t *testing.T) {
	service, _, clock := newTestService(t)
	start := *clock

	for i := 0; i < 3; i++ {
		*clock = start.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := service.CreateBackup(context.Background(), &Snapshot{}); err != nil {
			t.Fatalf("failed to create backup: %v", err)
		}
	}

	backups, err := service.ListBackups(context.Background())
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(backups))
	}

	latest, err := service.Latest(context.Background())
	if err != nil {
		t.Fatalf("failed to find latest: %v", err)
	}
	if latest != "settings-20260303-120000.json" {
		t.Errorf("unexpected latest %q", latest)
	}

	deleted, err := service.Prune(context.Background(), start.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if len(deleted) != 2 {
		t.Errorf("expected 2 pruned backups, got %v", deleted)
	}

	backups, _ = service.ListBackups(context.Background())
	if len(backups) != 1 || backups[0] != latest {
		t.Errorf("expected only %s to remain, got %v", latest, backups)
	}
}

func TestBackupService_DeleteBackup(t *testing.T) {
	service, tmpDir, _ := newTestService(t)

	name, err := service.CreateBackup(context.Background(), &Snapshot{})
	if err != nil {
		t.Fatalf("failed to create backup: %v", err)
	}
	if err := service.DeleteBackup(context.Background(), name); err != nil {
		t.Fatalf("failed to delete backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, name)); !os.IsNotExist(err) {
		t.Error("backup file should be deleted")
	}
}

func TestTimeOf(t *testing.T) {
	ts, err := TimeOf("settings-20260301-120000.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ts.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %v", ts)
	}

	for _, name := range []string{"other.json", "settings-.json", "settings-20260301-120000.txt"} {
		if _, err := TimeOf(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
}

func TestFileStorage(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := storage.Save(context.Background(), "settings-test.json", bytes.NewReader([]byte("test data"))); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	loaded, err := storage.Load(context.Background(), "settings-test.json")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	loaded.Close()

	files, err := storage.List(context.Background(), "settings-")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 file, got %v", files)
	}

	if err := storage.Delete(context.Background(), "settings-test.json"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
}

func TestFileStorage_RejectsEscapingNames(t *testing.T) {
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	for _, name := range []string{"../escape.json", "a/b.json", ".hidden", ""} {
		if err := storage.Save(context.Background(), name, bytes.NewReader(nil)); err == nil {
			t.Errorf("expected error saving %q", name)
		}
	}
}
