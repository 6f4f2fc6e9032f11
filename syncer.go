package inkstone

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SyncState is the sync engine's protocol state.
type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateUploading
	SyncStateDownloading
	SyncStateMerging
	SyncStateCompleted
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateIdle:
		return "idle"
	case SyncStateUploading:
		return "uploading"
	case SyncStateDownloading:
		return "downloading"
	case SyncStateMerging:
		return "merging"
	case SyncStateCompleted:
		return "completed"
	case SyncStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// syncable is the slice of the collection surface the sync engine
// drives. Every write during merge goes back through the collection's
// mutex-guarded API, so merging never bypasses collection invariants.
type syncable interface {
	Name() string
	Raw() ([]RawItem, error)
	dirtyRaw() ([]RawItem, error)
	rawByID(id string) (RawItem, bool, error)
	applyRaw(raw RawItem) error
	adoptVersion(id, version string) error
	markSynced(versions map[string]string) error
}

// Syncer orchestrates a full sync round: upload phase, download phase,
// merge/apply phase. It drives the domain collections and the conflict
// resolver, emits progress through the event manager, and supports
// cooperative cancellation at batch boundaries.
type Syncer struct {
	collections []syncable
	transport   Transport
	events      *EventManager
	checkpoints *checkpointStore
	session     func() string
	batchSize   int

	mu       sync.Mutex
	inFlight bool
	state    SyncState
	stopFlag atomic.Bool
}

// newSyncer wires a syncer over the given collections, in merge order.
func newSyncer(collections []syncable, transport Transport, events *EventManager, checkpoints *checkpointStore, session func() string, batchSize int) *Syncer {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Syncer{
		collections: collections,
		transport:   transport,
		events:      events,
		checkpoints: checkpoints,
		session:     session,
		batchSize:   batchSize,
	}
}

// State returns the engine's current protocol state.
func (s *Syncer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop requests cooperative cancellation of the in-flight round. The
// flag is observed strictly between batches, never inside a single item
// write, so a write already started always completes. Checkpoints
// already advanced for acknowledged batches remain valid; the next Sync
// resumes from them.
func (s *Syncer) Stop() {
	s.stopFlag.Store(true)
}

func (s *Syncer) setState(state SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Sync runs one full round. full ignores the download checkpoint and
// re-examines everything the server holds; force uploads every item
// even if no local change was recorded since the last checkpoint.
//
// Errors are returned to the caller and also broadcast on the event
// manager so passive observers can react without awaiting the call.
func (s *Syncer) Sync(ctx context.Context, full, force bool) error {
	if s.session == nil || s.session() == "" {
		return ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrSyncBusy
	}
	s.inFlight = true
	s.state = SyncStateUploading
	s.mu.Unlock()

	s.stopFlag.Store(false)

	err := s.run(ctx, full, force)

	s.mu.Lock()
	if err != nil {
		s.state = SyncStateFailed
	} else {
		s.state = SyncStateCompleted
	}
	s.inFlight = false
	s.mu.Unlock()

	if err != nil {
		_ = s.events.Publish(EventSyncError, err)
		return err
	}
	_ = s.events.Publish(EventSyncCompleted, nil)
	return nil
}

func (s *Syncer) run(ctx context.Context, full, force bool) error {
	acked, err := s.upload(ctx, force)
	if err != nil {
		return err
	}

	s.setState(SyncStateDownloading)
	pending, cursors, err := s.download(ctx, full)
	if err != nil {
		return err
	}

	s.setState(SyncStateMerging)
	return s.merge(ctx, pending, cursors, acked)
}

// checkStopped is evaluated at every batch boundary.
func (s *Syncer) checkStopped(ctx context.Context) error {
	if s.stopFlag.Load() {
		return ErrSyncInterrupted
	}
	if err := ctx.Err(); err != nil {
		return ErrSyncInterrupted
	}
	return nil
}

// upload pushes dirty (or, under force, all) items per collection and
// returns the ids the server acknowledged this round. Acked items are
// marked clean immediately, so the merge phase needs the returned sets
// to still recognize them as locally edited.
func (s *Syncer) upload(ctx context.Context, force bool) (map[string]map[string]struct{}, error) {
	s.setState(SyncStateUploading)

	acked := make(map[string]map[string]struct{})
	for _, coll := range s.collections {
		var items []RawItem
		var err error
		if force {
			items, err = coll.Raw()
		} else {
			items, err = coll.dirtyRaw()
		}
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			continue
		}

		cp, err := s.checkpoints.get(coll.Name())
		if err != nil {
			return nil, err
		}
		cursor := cp.UploadCursor
		total := len(items)
		uploaded := 0

		for start := 0; start < total; start += s.batchSize {
			if err := s.checkStopped(ctx); err != nil {
				return nil, err
			}
			end := start + s.batchSize
			if end > total {
				end = total
			}
			batch := items[start:end]

			ack, err := s.transport.UploadBatch(ctx, coll.Name(), batch)
			if err != nil {
				return nil, err
			}

			// Commit acknowledged items before the checkpoint moves: a
			// later batch failure must not advance past this point, and
			// must not roll back what the server already confirmed.
			if err := coll.markSynced(ack.Versions); err != nil {
				return nil, err
			}
			if acked[coll.Name()] == nil {
				acked[coll.Name()] = make(map[string]struct{}, len(items))
			}
			for id := range ack.Versions {
				acked[coll.Name()][id] = struct{}{}
			}
			cursor += int64(len(ack.Versions))
			if err := s.checkpoints.advanceUpload(coll.Name(), cursor); err != nil {
				return nil, err
			}

			uploaded += len(batch)
			_ = s.events.Publish(EventSyncProgress, SyncProgress{
				Type:    "upload",
				Current: uploaded,
				Total:   total,
			})
		}
	}
	return acked, nil
}

// download streams changed items per collection without applying them.
// Items whose content the device already holds are dropped here, so an
// in-sync device sees zero progress events even on a full sync.
func (s *Syncer) download(ctx context.Context, full bool) (map[string][]RawItem, map[string]int64, error) {
	pending := make(map[string][]RawItem)
	cursors := make(map[string]int64)

	for _, coll := range s.collections {
		cp, err := s.checkpoints.get(coll.Name())
		if err != nil {
			return nil, nil, err
		}
		cursor := cp.DownloadCursor
		if full {
			cursor = 0
		}

		for {
			if err := s.checkStopped(ctx); err != nil {
				return nil, nil, err
			}

			page, err := s.transport.DownloadSince(ctx, coll.Name(), cursor, s.batchSize)
			if err != nil {
				return nil, nil, err
			}

			for _, remote := range page.Items {
				changed, err := s.isChanged(coll, remote)
				if err != nil {
					return nil, nil, err
				}
				if changed {
					pending[coll.Name()] = append(pending[coll.Name()], remote)
				}
			}

			cursor = page.NextCursor
			if page.Done {
				break
			}
		}
		cursors[coll.Name()] = cursor
	}
	return pending, cursors, nil
}

// isChanged decides whether a downloaded item needs merging. Items that
// match the local copy byte for byte silently adopt the server's version
// token; a re-upload elsewhere must not ripple downloads forever.
func (s *Syncer) isChanged(coll syncable, remote RawItem) (bool, error) {
	local, ok, err := coll.rawByID(remote.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// A tombstone for an item this device never held, or already
		// compacted, deletes nothing.
		return !remote.Deleted, nil
	}
	if local.RemoteVersion == remote.RemoteVersion && !local.Dirty {
		return false, nil
	}
	if local.Deleted == remote.Deleted && bytes.Equal(local.Payload, remote.Payload) {
		if local.RemoteVersion != remote.RemoteVersion {
			if err := coll.adoptVersion(remote.ID, remote.RemoteVersion); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return true, nil
}

// merge applies pending downloaded items in batches. Locally clean items
// apply directly; locally dirty items go through the conflict resolver.
// A content conflict fails the round with a MergeConflictError before
// the conflicting item is touched; the download checkpoint for a
// collection only advances after its whole merge commits.
func (s *Syncer) merge(ctx context.Context, pending map[string][]RawItem, cursors map[string]int64, acked map[string]map[string]struct{}) error {
	mergedAt := time.Now().UnixMilli()

	for _, coll := range s.collections {
		cp, err := s.checkpoints.get(coll.Name())
		if err != nil {
			return err
		}
		items := pending[coll.Name()]
		total := len(items)
		applied := 0

		for start := 0; start < total; start += s.batchSize {
			if err := s.checkStopped(ctx); err != nil {
				return err
			}
			end := start + s.batchSize
			if end > total {
				end = total
			}

			for _, remote := range items[start:end] {
				if err := s.mergeItem(coll, remote, cp.LastSynced, acked[coll.Name()]); err != nil {
					return err
				}
			}

			applied += end - start
			_ = s.events.Publish(EventSyncProgress, SyncProgress{
				Type:    "download",
				Current: applied,
				Total:   total,
			})
		}

		if cursor, ok := cursors[coll.Name()]; ok {
			if err := s.checkpoints.advanceDownload(coll.Name(), cursor, mergedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeItem applies one downloaded item. A local copy counts as
// concurrently edited when it is still dirty, when the upload phase of
// this very round acknowledged it (which cleared the dirty flag, but
// the other side has not seen the edit resolved), or when its
// DateModified postdates the last committed merge. The acked set makes
// same-round detection independent of clock granularity; the timestamp
// comparison covers edits acknowledged in an earlier round that failed
// before its merge committed.
func (s *Syncer) mergeItem(coll syncable, remote RawItem, lastSynced int64, acked map[string]struct{}) error {
	local, ok, err := coll.rawByID(remote.ID)
	if err != nil {
		return err
	}

	_, ackedThisRound := acked[remote.ID]
	edited := ok && (local.Dirty || ackedThisRound || local.DateModified > lastSynced)
	if !edited {
		remote.Dirty = false
		return coll.applyRaw(remote)
	}
	local.Dirty = true

	res, err := Resolve(local, remote)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case OutcomeApplyRemote:
		remote.Dirty = false
		return coll.applyRaw(remote)
	case OutcomeKeepLocal:
		return nil
	case OutcomeMerged:
		return coll.applyRaw(res.Merged)
	default:
		return &MergeConflictError{
			ItemID:     remote.ID,
			Collection: coll.Name(),
			Local:      local,
			Remote:     remote,
		}
	}
}
