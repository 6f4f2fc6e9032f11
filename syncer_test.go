package inkstone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// memoryServer simulates the sync server: it assigns version tokens on
// upload and serves downloads as a per-collection change feed with
// monotone positions.
type memoryServer struct {
	mu         sync.Mutex
	items      map[string]map[string]RawItem // collection -> id -> item
	feed       map[string][]feedEntry        // collection -> ordered changes
	versionSeq int
}

type feedEntry struct {
	pos  int64
	item RawItem
}

func newMemoryServer() *memoryServer {
	return &memoryServer{
		items: make(map[string]map[string]RawItem),
		feed:  make(map[string][]feedEntry),
	}
}

func (s *memoryServer) upload(collection string, items []RawItem) BatchAck {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items[collection] == nil {
		s.items[collection] = make(map[string]RawItem)
	}
	ack := BatchAck{Versions: make(map[string]string, len(items))}
	for _, item := range items {
		s.versionSeq++
		version := fmt.Sprintf("v%d", s.versionSeq)
		stored := item
		stored.RemoteVersion = version
		s.items[collection][item.ID] = stored

		pos := int64(len(s.feed[collection]) + 1)
		s.feed[collection] = append(s.feed[collection], feedEntry{pos: pos, item: stored})
		ack.Versions[item.ID] = version
	}
	return ack
}

func (s *memoryServer) downloadSince(collection string, cursor int64, limit int) DownloadPage {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := DownloadPage{NextCursor: cursor}
	for _, entry := range s.feed[collection] {
		if entry.pos <= cursor {
			continue
		}
		if len(page.Items) >= limit {
			return page
		}
		item := entry.item
		item.Dirty = false
		page.Items = append(page.Items, item)
		page.NextCursor = entry.pos
	}
	page.Done = true
	return page
}

// memoryTransport connects a syncer to a memoryServer, optionally
// failing calls to exercise retry and resumability paths.
type memoryTransport struct {
	server *memoryServer

	mu          sync.Mutex
	uploadCalls int
	failUploads map[int]error // call number -> error
	onUpload    func()
}

func (t *memoryTransport) UploadBatch(ctx context.Context, collection string, items []RawItem) (BatchAck, error) {
	t.mu.Lock()
	t.uploadCalls++
	call := t.uploadCalls
	failErr := t.failUploads[call]
	hook := t.onUpload
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if failErr != nil {
		return BatchAck{}, failErr
	}
	return t.server.upload(collection, items), nil
}

func (t *memoryTransport) DownloadSince(ctx context.Context, collection string, cursor int64, limit int) (DownloadPage, error) {
	return t.server.downloadSince(collection, cursor, limit), nil
}

// device bundles a store with a syncer wired to a shared memory server.
type device struct {
	store  *Store
	syncer *Syncer
	tr     *memoryTransport
}

func newDevice(t *testing.T, server *memoryServer) *device {
	t.Helper()
	store, err := NewWithStorage(DefaultConfig(), NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewWithStorage failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.SetSession("test-token")

	collections := []syncable{
		store.Settings.coll,
		store.Notes.coll,
		store.Tags.coll,
	}
	tr := &memoryTransport{server: server}
	syncer := newSyncer(collections, tr, store.events,
		newCheckpointStore(store.storage), store.Session, 2)
	return &device{store: store, syncer: syncer, tr: tr}
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	if err := d.syncer.Sync(context.Background(), false, false); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func TestSyncRequiresSession(t *testing.T) {
	d := newDevice(t, newMemoryServer())
	d.store.SetSession("")

	err := d.syncer.Sync(context.Background(), false, false)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSyncRejectsConcurrentRound(t *testing.T) {
	d := newDevice(t, newMemoryServer())

	d.syncer.mu.Lock()
	d.syncer.inFlight = true
	d.syncer.mu.Unlock()

	err := d.syncer.Sync(context.Background(), false, false)
	if !errors.Is(err, ErrSyncBusy) {
		t.Errorf("expected ErrSyncBusy, got %v", err)
	}
}

func TestSyncPropagatesBetweenDevices(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	id, err := a.store.Notes.Add(NoteOptions{
		Title:   "shared",
		Content: NoteContent{Type: "text", Data: "hello from a"},
	})
	if err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	if err := a.store.Notes.Tag(id, "work"); err != nil {
		t.Fatalf("Tag failed: %v", err)
	}

	a.sync(t)
	b.sync(t)

	note := b.store.Notes.Note(id)
	if note == nil {
		t.Fatal("note did not reach device b")
	}
	if note.Content.Data != "hello from a" {
		t.Errorf("content lost in transit: %q", note.Content.Data)
	}
	tag := b.store.Tags.Tag("work")
	if tag == nil || len(tag.NoteIDs) != 1 || tag.NoteIDs[0] != id {
		t.Errorf("tag membership lost in transit: %+v", tag)
	}
	// The alias from settings travels too.
	if b.store.Tags.Alias("work") != "work" {
		t.Errorf("alias lost in transit: %q", b.store.Tags.Alias("work"))
	}
}

func TestSyncMarksUploadedItemsClean(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)

	if _, err := a.store.Notes.Add(NoteOptions{Title: "uploaded"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)

	dirty, err := a.store.Notes.coll.dirtyRaw()
	if err != nil {
		t.Fatalf("dirtyRaw failed: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("uploaded items still dirty: %v", dirty)
	}
}

func TestSyncConvergedDevicesAreQuiet(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	if _, err := a.store.Notes.Add(NoteOptions{Title: "settled"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	b.sync(t)

	// A full sync on an already converged device moves no data.
	progress := 0
	sub := b.store.events.Subscribe(EventSyncProgress, func(any) error {
		progress++
		return nil
	})
	defer sub.Unsubscribe()

	if err := b.syncer.Sync(context.Background(), true, false); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if progress != 0 {
		t.Errorf("converged full sync emitted %d progress events", progress)
	}
}

func TestSyncForceReuploadDoesNotRipple(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	if _, err := a.store.Notes.Add(NoteOptions{Title: "stable"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	b.sync(t)

	// Force re-upload from b assigns fresh server versions everywhere.
	if err := b.syncer.Sync(context.Background(), false, true); err != nil {
		t.Fatalf("force sync failed: %v", err)
	}
	a.sync(t)
	b.sync(t)
	a.sync(t)

	// Everyone settles; no device keeps re-downloading.
	for _, d := range []*device{a, b} {
		dirty, err := d.store.Notes.coll.dirtyRaw()
		if err != nil {
			t.Fatalf("dirtyRaw failed: %v", err)
		}
		if len(dirty) != 0 {
			t.Errorf("device still dirty after settling: %v", dirty)
		}
	}
}

func TestSyncTagUnionConvergence(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	// Shared baseline tag.
	if _, err := a.store.Tags.Add("shared", "n0"); err != nil {
		t.Fatalf("Tags.Add failed: %v", err)
	}
	a.sync(t)
	b.sync(t)

	// Divergent membership edits while "offline".
	if _, err := a.store.Tags.Add("shared", "n-from-a"); err != nil {
		t.Fatalf("Tags.Add on a failed: %v", err)
	}
	if _, err := b.store.Tags.Add("shared", "n-from-b"); err != nil {
		t.Fatalf("Tags.Add on b failed: %v", err)
	}

	a.sync(t)
	b.sync(t) // b merges a's edit into a dirty union
	b.sync(t) // b uploads the union
	a.sync(t) // a downloads the union

	want := map[string]bool{"n0": true, "n-from-a": true, "n-from-b": true}
	for name, d := range map[string]*device{"a": a, "b": b} {
		tag := d.store.Tags.Tag("shared")
		if tag == nil {
			t.Fatalf("device %s lost the tag", name)
		}
		if len(tag.NoteIDs) != len(want) {
			t.Errorf("device %s membership = %v, want union of %d", name, tag.NoteIDs, len(want))
			continue
		}
		for _, id := range tag.NoteIDs {
			if !want[id] {
				t.Errorf("device %s has unexpected member %q", name, id)
			}
		}
	}
}

func TestSyncNoteContentConflictSurfaces(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	id, err := a.store.Notes.Add(NoteOptions{
		Title:   "contested",
		Content: NoteContent{Type: "text", Data: "original"},
	})
	if err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	b.sync(t)

	// Divergent content edits.
	if _, err := a.store.Notes.Add(NoteOptions{ID: id, Content: NoteContent{Type: "text", Data: "a's edit"}}); err != nil {
		t.Fatalf("edit on a failed: %v", err)
	}
	if _, err := b.store.Notes.Add(NoteOptions{ID: id, Content: NoteContent{Type: "text", Data: "b's edit"}}); err != nil {
		t.Fatalf("edit on b failed: %v", err)
	}

	a.sync(t)
	err = b.syncer.Sync(context.Background(), false, false)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected a merge conflict, got %v", err)
	}
	var mc *MergeConflictError
	if !errors.As(err, &mc) {
		t.Fatal("conflict error lost its detail type")
	}
	if mc.ItemID != id || mc.Collection != "notes" {
		t.Errorf("conflict names wrong item: %s/%s", mc.Collection, mc.ItemID)
	}

	// Neither side was silently overwritten.
	if got := b.store.Notes.Note(id).Content.Data; got != "b's edit" {
		t.Errorf("conflict auto-resolved on b: %q", got)
	}
}

func TestSyncDeletionPropagates(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	id, err := a.store.Notes.Add(NoteOptions{Title: "short lived"})
	if err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	b.sync(t)
	if b.store.Notes.Note(id) == nil {
		t.Fatal("note did not reach b")
	}

	if err := a.store.Notes.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	a.sync(t)
	b.sync(t)

	if b.store.Notes.Note(id) != nil {
		t.Error("deletion did not propagate to b")
	}
	// The acked tombstone is compacted away on a.
	raw, err := a.store.Notes.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if len(raw) != 0 {
		t.Errorf("acked tombstone survived on a: %v", raw)
	}
}

func TestSyncUploadFailureResumesFromCheckpoint(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	// Five notes with batch size 2: three upload batches.
	ids := make([]string, 5)
	for i := range ids {
		id, err := a.store.Notes.Add(NoteOptions{Title: fmt.Sprintf("note %d", i)})
		if err != nil {
			t.Fatalf("Notes.Add failed: %v", err)
		}
		ids[i] = id
	}

	a.tr.failUploads = map[int]error{2: &TransportError{Op: "upload", StatusCode: 503}}
	err := a.syncer.Sync(context.Background(), false, false)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected a transport failure, got %v", err)
	}

	// The first batch was acked and stays acked.
	cp, err := a.syncer.checkpoints.get("notes")
	if err != nil {
		t.Fatalf("checkpoint get failed: %v", err)
	}
	if cp.UploadCursor != 2 {
		t.Errorf("upload checkpoint after one acked batch = %d, want 2", cp.UploadCursor)
	}

	// The next round uploads only what is still dirty.
	a.tr.failUploads = nil
	a.sync(t)
	b.sync(t)
	for _, id := range ids {
		if b.store.Notes.Note(id) == nil {
			t.Errorf("note %s missing on b after resumed sync", id)
		}
	}
}

func TestSyncStopBetweenBatches(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)

	for i := 0; i < 6; i++ {
		if _, err := a.store.Notes.Add(NoteOptions{Title: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("Notes.Add failed: %v", err)
		}
	}

	// Request cancellation during the first upload; it takes effect at
	// the next batch boundary.
	a.tr.onUpload = func() { a.syncer.Stop() }
	err := a.syncer.Sync(context.Background(), false, false)
	if !errors.Is(err, ErrSyncInterrupted) {
		t.Fatalf("expected ErrSyncInterrupted, got %v", err)
	}

	// The interrupted round left a consistent state; the next round
	// finishes the job.
	a.tr.onUpload = nil
	a.sync(t)
	dirty, err := a.store.Notes.coll.dirtyRaw()
	if err != nil {
		t.Fatalf("dirtyRaw failed: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("items left dirty after resumed sync: %v", dirty)
	}
}

func TestSyncContextCancellation(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)

	for i := 0; i < 4; i++ {
		if _, err := a.store.Notes.Add(NoteOptions{Title: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("Notes.Add failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.tr.onUpload = func() { cancel() }
	err := a.syncer.Sync(ctx, false, false)
	if !errors.Is(err, ErrSyncInterrupted) {
		t.Fatalf("expected ErrSyncInterrupted on context cancellation, got %v", err)
	}
}

func TestSyncEmitsLifecycleEvents(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)

	var completed, failed int
	a.store.events.Subscribe(EventSyncCompleted, func(any) error {
		completed++
		return nil
	})
	a.store.events.Subscribe(EventSyncError, func(any) error {
		failed++
		return nil
	})

	if _, err := a.store.Notes.Add(NoteOptions{Title: "tracked"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	if completed != 1 || failed != 0 {
		t.Errorf("after success: completed=%d failed=%d", completed, failed)
	}

	a.tr.failUploads = map[int]error{2: &TransportError{Op: "upload", StatusCode: 503}}
	if _, err := a.store.Notes.Add(NoteOptions{Title: "doomed"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	if err := a.syncer.Sync(context.Background(), false, false); err == nil {
		t.Fatal("expected the failing round to error")
	}
	if failed != 1 {
		t.Errorf("failed round did not publish EventSyncError: failed=%d", failed)
	}
}

func TestSyncProgressEvents(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)
	b := newDevice(t, server)

	for i := 0; i < 5; i++ {
		if _, err := a.store.Notes.Add(NoteOptions{Title: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("Notes.Add failed: %v", err)
		}
	}

	var uploads []SyncProgress
	a.store.events.Subscribe(EventSyncProgress, func(p any) error {
		if sp := p.(SyncProgress); sp.Type == "upload" {
			uploads = append(uploads, sp)
		}
		return nil
	})
	a.sync(t)

	// Batch size 2 over 5 notes: three upload batches.
	if len(uploads) != 3 {
		t.Fatalf("expected 3 upload progress events, got %d", len(uploads))
	}
	last := uploads[len(uploads)-1]
	if last.Current != last.Total || last.Total != 5 {
		t.Errorf("final progress %d/%d, want 5/5", last.Current, last.Total)
	}

	var downloads []SyncProgress
	b.store.events.Subscribe(EventSyncProgress, func(p any) error {
		if sp := p.(SyncProgress); sp.Type == "download" {
			downloads = append(downloads, sp)
		}
		return nil
	})
	b.sync(t)
	if len(downloads) == 0 {
		t.Fatal("download produced no progress events")
	}
	last = downloads[len(downloads)-1]
	if last.Current != last.Total {
		t.Errorf("final download progress %d/%d", last.Current, last.Total)
	}
}

func TestMergeRecognizesEditAcknowledgedSameRound(t *testing.T) {
	storage := NewMemoryStorage()
	events := NewEventManager()
	coll, err := newCollection[*Note]("notes", storage, events, nil)
	if err != nil {
		t.Fatalf("newCollection failed: %v", err)
	}

	// The state right after the upload phase acknowledged a local edit:
	// clean, freshly versioned, and stamped in the very same millisecond
	// the previous round recorded as LastSynced. The clock alone cannot
	// tell this edit apart from one the other side has already seen.
	local, err := toRaw(&Note{
		ItemMeta: ItemMeta{ID: "n1", Type: ItemTypeNote, DateModified: 5000, RemoteVersion: "v3"},
		Content:  NoteContent{Type: "text", Data: "mine"},
	})
	if err != nil {
		t.Fatalf("toRaw failed: %v", err)
	}
	if err := coll.applyRaw(local); err != nil {
		t.Fatalf("applyRaw failed: %v", err)
	}
	remote, err := toRaw(&Note{
		ItemMeta: ItemMeta{ID: "n1", Type: ItemTypeNote, DateModified: 4999, RemoteVersion: "v2"},
		Content:  NoteContent{Type: "text", Data: "theirs"},
	})
	if err != nil {
		t.Fatalf("toRaw failed: %v", err)
	}

	s := newSyncer([]syncable{coll}, nil, events, newCheckpointStore(storage), func() string { return "token" }, 10)

	err = s.mergeItem(coll, remote, 5000, map[string]struct{}{"n1": {}})
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected a merge conflict, got %v", err)
	}
	if got, _ := coll.Get("n1"); got.Content.Data != "mine" {
		t.Errorf("local edit silently overwritten: %q", got.Content.Data)
	}

	// Without the acked set the timestamp comparison still catches edits
	// newer than the last committed merge.
	if err := s.mergeItem(coll, remote, 4999, nil); !errors.Is(err, ErrMergeConflict) {
		t.Errorf("expected a merge conflict from the timestamp path, got %v", err)
	}
}

func TestSyncStateTransitions(t *testing.T) {
	server := newMemoryServer()
	a := newDevice(t, server)

	if a.syncer.State() != SyncStateIdle {
		t.Errorf("fresh syncer state = %v", a.syncer.State())
	}
	if _, err := a.store.Notes.Add(NoteOptions{Title: "note"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	a.sync(t)
	if a.syncer.State() != SyncStateCompleted {
		t.Errorf("state after success = %v", a.syncer.State())
	}

	a.tr.failUploads = map[int]error{a.tr.uploadCalls + 1: &TransportError{Op: "upload", StatusCode: 500}}
	if _, err := a.store.Notes.Add(NoteOptions{Title: "another"}); err != nil {
		t.Fatalf("Notes.Add failed: %v", err)
	}
	if err := a.syncer.Sync(context.Background(), false, false); err == nil {
		t.Fatal("expected failure")
	}
	if a.syncer.State() != SyncStateFailed {
		t.Errorf("state after failure = %v", a.syncer.State())
	}
}
