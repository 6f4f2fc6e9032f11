package inkstone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// deviceIDKey persists the generated device id across restarts.
const deviceIDKey = "device/id"

// Store is the top-level handle: it owns the storage, the domain
// collections, the vault, backups, and the sync machinery. A Store is
// safe for concurrent use; each collection guards its own state.
type Store struct {
	Notes    *Notes
	Tags     *Tags
	Settings *Settings
	Vault    *Vault
	Backups  *Backups

	config    Config
	storage   Storage
	events    *EventManager
	transport Transport
	syncer    *Syncer
	push      *ServerEvents
	logger    *slog.Logger

	sessionMu sync.RWMutex
	sessionTk string

	closeOnce sync.Once
	closeErr  error
	syncSub   *Subscription
}

// New opens a store with the given config. Pass an empty StoragePath to
// keep everything in memory.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var storage Storage
	if cfg.StoragePath != "" {
		s, err := NewSQLiteStorage(DefaultSQLiteStorageConfig(cfg.StoragePath))
		if err != nil {
			return nil, err
		}
		storage = s
	} else {
		storage = NewMemoryStorage()
	}

	return NewWithStorage(cfg, storage)
}

// NewWithStorage opens a store over an existing Storage. The store
// takes ownership and closes it on Close.
func NewWithStorage(cfg Config, storage Storage) (*Store, error) {
	cfg.applyDefaults()

	store := &Store{
		config:  cfg,
		storage: storage,
		events:  NewEventManager(),
		logger:  slog.Default().With("component", "inkstone"),
	}

	if err := store.loadDeviceID(); err != nil {
		storage.Close()
		return nil, err
	}

	var err error
	if store.Settings, err = newSettings(storage, store.events); err != nil {
		storage.Close()
		return nil, err
	}
	if store.Notes, err = newNotes(store, storage, store.events); err != nil {
		storage.Close()
		return nil, err
	}
	if store.Tags, err = newTags(store, storage, store.events); err != nil {
		storage.Close()
		return nil, err
	}
	store.Vault = newVault(storage, store.Notes, cfg.Vault)

	// Settings merge first during sync so tag aliases exist before the
	// tags that reference them.
	collections := []syncable{
		store.Settings.coll,
		store.Notes.coll,
		store.Tags.coll,
	}

	checkpoints := newCheckpointStore(storage)
	store.Backups = newBackups(collections, checkpoints, store.config.DeviceID, cfg.Backup)

	if cfg.ServerURL != "" {
		store.transport = NewHTTPTransport(HTTPTransportConfig{
			BaseURL:  cfg.ServerURL,
			DeviceID: store.config.DeviceID,
			Session:  store.Session,
			Retry:    cfg.Retry,
		})
		store.syncer = newSyncer(collections, store.transport, store.events, checkpoints, store.Session, cfg.BatchSize)
	}

	if cfg.EventsURL != "" {
		store.push = NewServerEvents(cfg.EventsURL, store.Session, store.events)
		store.syncSub = store.events.Subscribe(EventDatabaseSyncRequested, func(payload any) error {
			req, _ := payload.(SyncRequested)
			go func() {
				if err := store.Sync(context.Background(), req.Full, req.Force); err != nil {
					store.logger.Warn("server-requested sync failed", "error", err)
				}
			}()
			return nil
		})
	}

	return store, nil
}

// loadDeviceID reads the persisted device id, minting one on first run.
func (s *Store) loadDeviceID() error {
	if s.config.DeviceID != "" {
		return nil
	}
	data, err := s.storage.Get(deviceIDKey)
	if err == nil {
		s.config.DeviceID = string(data)
		return nil
	}
	s.config.DeviceID = uuid.NewString()
	return s.storage.Set(deviceIDKey, []byte(s.config.DeviceID))
}

// Events exposes the store's event manager for subscriptions.
func (s *Store) Events() *EventManager {
	return s.events
}

// DeviceID returns this installation's identity.
func (s *Store) DeviceID() string {
	return s.config.DeviceID
}

// SetSession installs or clears the bearer token used for sync and
// server push. Setting a token starts the push listener; clearing it
// stops the listener.
func (s *Store) SetSession(token string) {
	s.sessionMu.Lock()
	s.sessionTk = token
	s.sessionMu.Unlock()

	if s.push == nil {
		return
	}
	if token != "" {
		s.push.Start()
	} else {
		s.push.Stop()
	}
}

// Session returns the current bearer token, "" when logged out.
func (s *Store) Session() string {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.sessionTk
}

// Sync runs one sync round. See Syncer.Sync for full/force semantics.
func (s *Store) Sync(ctx context.Context, full, force bool) error {
	if s.syncer == nil {
		return newValidationError("server_url", "store has no sync server configured", nil)
	}
	return s.syncer.Sync(ctx, full, force)
}

// StopSync requests cancellation of the in-flight round, if any.
func (s *Store) StopSync() {
	if s.syncer != nil {
		s.syncer.Stop()
	}
}

// SyncState reports the sync engine's current state.
func (s *Store) SyncState() SyncState {
	if s.syncer == nil {
		return SyncStateIdle
	}
	return s.syncer.State()
}

// Close stops push and sync, closes the collections, and releases the
// underlying storage. It is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.push != nil {
			s.push.Stop()
		}
		if s.syncer != nil {
			s.syncer.Stop()
		}
		if s.syncSub != nil {
			s.syncSub.Unsubscribe()
		}
		s.Vault.Lock()
		s.Tags.coll.Close()
		s.Notes.coll.Close()
		s.Settings.coll.Close()
		s.events.UnsubscribeAll()
		s.closeErr = s.storage.Close()
	})
	return s.closeErr
}
