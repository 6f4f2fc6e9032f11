package inkstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// SyncCheckpoint is the per-device, per-collection sync cursor.
// UploadCursor counts locally acknowledged item revisions; DownloadCursor
// is the last acknowledged server position. Both advance monotonically
// and only after the covered work is durably committed, so an
// interrupted round resumes instead of restarting.
type SyncCheckpoint struct {
	UploadCursor   int64 `json:"uploadCursor"`
	DownloadCursor int64 `json:"downloadCursor"`

	// LastSynced is the local unix-millis time of the last round whose
	// merge for this collection committed. Items with a newer
	// DateModified carry changes the other side has not seen resolved
	// yet, even when the upload phase already acknowledged them.
	LastSynced int64 `json:"lastSynced"`
}

// checkpointStore persists checkpoints through the Storage collaborator.
type checkpointStore struct {
	storage Storage

	mu    sync.Mutex
	cache map[string]SyncCheckpoint
}

func newCheckpointStore(storage Storage) *checkpointStore {
	return &checkpointStore{
		storage: storage,
		cache:   make(map[string]SyncCheckpoint),
	}
}

func checkpointKey(collection string) string {
	return "checkpoint/" + collection
}

// get returns the checkpoint for a collection, zero if none exists yet
// (first sync for this device).
func (cs *checkpointStore) get(collection string) (SyncCheckpoint, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cp, ok := cs.cache[collection]; ok {
		return cp, nil
	}
	data, err := cs.storage.Get(checkpointKey(collection))
	if errors.Is(err, os.ErrNotExist) {
		return SyncCheckpoint{}, nil
	}
	if err != nil {
		return SyncCheckpoint{}, fmt.Errorf("load checkpoint %s: %w", collection, err)
	}
	var cp SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return SyncCheckpoint{}, fmt.Errorf("decode checkpoint %s: %w", collection, err)
	}
	cs.cache[collection] = cp
	return cp, nil
}

// advanceUpload moves the upload cursor forward. Backward movement is
// clamped so the checkpoint stays monotone.
func (cs *checkpointStore) advanceUpload(collection string, cursor int64) error {
	return cs.advance(collection, func(cp *SyncCheckpoint) {
		if cursor > cp.UploadCursor {
			cp.UploadCursor = cursor
		}
	})
}

// advanceDownload moves the download cursor forward, clamped likewise,
// and records when this collection's merge last committed.
func (cs *checkpointStore) advanceDownload(collection string, cursor, syncedAt int64) error {
	return cs.advance(collection, func(cp *SyncCheckpoint) {
		if cursor > cp.DownloadCursor {
			cp.DownloadCursor = cursor
		}
		if syncedAt > cp.LastSynced {
			cp.LastSynced = syncedAt
		}
	})
}

// set overwrites a checkpoint outright. Only backup restore uses this;
// sync rounds always go through the monotone advance helpers.
func (cs *checkpointStore) set(collection string, cp SyncCheckpoint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := cs.storage.Set(checkpointKey(collection), data); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", collection, err)
	}
	cs.cache[collection] = cp
	return nil
}

func (cs *checkpointStore) advance(collection string, apply func(*SyncCheckpoint)) error {
	cp, err := cs.get(collection)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	apply(&cp)
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := cs.storage.Set(checkpointKey(collection), data); err != nil {
		return fmt.Errorf("persist checkpoint %s: %w", collection, err)
	}
	cs.cache[collection] = cp
	return nil
}
