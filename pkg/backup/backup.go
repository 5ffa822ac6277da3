package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "settings-"
	nameSuffix = ".json"
	timeLayout = "20060102-150405"
)

// Snapshot is one point-in-time copy of the control surface settings.
type Snapshot struct {
	Version   string                     `json:"version"`
	Timestamp time.Time                  `json:"timestamp"`
	Settings  map[string]json.RawMessage `json:"settings"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService writes and reads snapshots through a Storage.
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// NameFor returns the snapshot name used for t.
func NameFor(t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + nameSuffix
}

// TimeOf parses the timestamp embedded in a snapshot name.
func TimeOf(name string) (time.Time, error) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, fmt.Errorf("not a snapshot name: %s", name)
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	return time.Parse(timeLayout, ts)
}

// CreateBackup stamps and stores s, returning its name.
func (bs *BackupService) CreateBackup(ctx context.Context, s *Snapshot) (string, error) {
	s.Version = bs.version
	s.Timestamp = bs.now().UTC()
	if s.Settings == nil {
		s.Settings = map[string]json.RawMessage{}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name := NameFor(s.Timestamp)
	if err := bs.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return name, nil
}

// RestoreBackup loads the snapshot called name.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*Snapshot, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer reader.Close()

	var s Snapshot
	if err := json.NewDecoder(reader).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if s.Version == "" {
		return nil, fmt.Errorf("invalid snapshot %s: missing version", name)
	}
	return &s, nil
}

// ListBackups returns snapshot names, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the newest snapshot name, or "" when there is none.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes snapshots taken before cutoff and returns their names.
// Names that do not parse are left alone.
func (bs *BackupService) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range names {
		ts, err := TimeOf(name)
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		if err := bs.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
