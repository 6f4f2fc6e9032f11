package inkstone

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// backupFormatVersion guards against restoring manifests written by an
// incompatible build.
const backupFormatVersion = 1

// BackupConfig configures backup naming and the optional S3 target.
type BackupConfig struct {
	// Prefix is prepended to every backup object name.
	Prefix string `yaml:"prefix"`

	S3 S3BackupConfig `yaml:"s3"`
}

// DefaultBackupConfig returns the default backup settings.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{Prefix: "backups/"}
}

// BackupTarget is anywhere a backup blob can be written to and read
// back from. Implementations exist for local storage and S3.
type BackupTarget interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupManifest is the complete portable snapshot of a store: every
// item in wire form, tombstones included, plus the device's sync
// checkpoints so a restored device does not re-upload the world.
type BackupManifest struct {
	Version     int                       `json:"version"`
	CreatedAt   int64                     `json:"createdAt"`
	DeviceID    string                    `json:"deviceId"`
	Collections map[string][]RawItem      `json:"collections"`
	Checkpoints map[string]SyncCheckpoint `json:"checkpoints"`
}

// Backups creates and restores snapshots of a store. Manifests are
// JSON, snappy-compressed on the wire.
type Backups struct {
	collections []syncable
	checkpoints *checkpointStore
	deviceID    string
	config      BackupConfig
}

func newBackups(collections []syncable, checkpoints *checkpointStore, deviceID string, config BackupConfig) *Backups {
	if config.Prefix == "" {
		config.Prefix = "backups/"
	}
	return &Backups{
		collections: collections,
		checkpoints: checkpoints,
		deviceID:    deviceID,
		config:      config,
	}
}

// Create snapshots the whole store to the target and returns the backup
// name. Names sort chronologically.
func (b *Backups) Create(ctx context.Context, target BackupTarget) (string, error) {
	manifest := BackupManifest{
		Version:     backupFormatVersion,
		CreatedAt:   time.Now().UnixMilli(),
		DeviceID:    b.deviceID,
		Collections: make(map[string][]RawItem),
		Checkpoints: make(map[string]SyncCheckpoint),
	}

	for _, coll := range b.collections {
		items, err := coll.Raw()
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", coll.Name(), err)
		}
		manifest.Collections[coll.Name()] = items

		cp, err := b.checkpoints.get(coll.Name())
		if err != nil {
			return "", err
		}
		manifest.Checkpoints[coll.Name()] = cp
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}

	name := b.config.Prefix + time.Now().UTC().Format("20060102-150405") + ".inkstone"
	if err := target.Write(ctx, name, snappy.Encode(nil, data)); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return name, nil
}

// Restore loads a backup into the store. Items overwrite local state
// wholesale; checkpoints are reset to the manifest's values.
func (b *Backups) Restore(ctx context.Context, target BackupTarget, name string) error {
	compressed, err := target.Read(ctx, name)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("decompress backup: %w", err)
	}

	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}
	if manifest.Version != backupFormatVersion {
		return fmt.Errorf("unsupported backup version %d", manifest.Version)
	}

	for _, coll := range b.collections {
		for _, raw := range manifest.Collections[coll.Name()] {
			if err := coll.applyRaw(raw); err != nil {
				return fmt.Errorf("restore %s item %s: %w", coll.Name(), raw.ID, err)
			}
		}
		if cp, ok := manifest.Checkpoints[coll.Name()]; ok {
			if err := b.checkpoints.set(coll.Name(), cp); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns the backup names on a target under the configured
// prefix, oldest first.
func (b *Backups) List(ctx context.Context, target BackupTarget) ([]string, error) {
	names, err := target.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, b.config.Prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// StorageBackupTarget keeps backups inside a Storage, typically the
// same SQLite file as the items. Useful for pre-sync safety snapshots.
type StorageBackupTarget struct {
	storage Storage
}

// NewStorageBackupTarget wraps a Storage as a backup target.
func NewStorageBackupTarget(storage Storage) *StorageBackupTarget {
	return &StorageBackupTarget{storage: storage}
}

func (t *StorageBackupTarget) Write(ctx context.Context, name string, data []byte) error {
	return t.storage.Set(name, data)
}

func (t *StorageBackupTarget) Read(ctx context.Context, name string) ([]byte, error) {
	return t.storage.Get(name)
}

func (t *StorageBackupTarget) List(ctx context.Context) ([]string, error) {
	return t.storage.Keys("backups/")
}

func (t *StorageBackupTarget) Delete(ctx context.Context, name string) error {
	return t.storage.Delete(name)
}
