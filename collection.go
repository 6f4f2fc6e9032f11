package inkstone

import (
	"fmt"
	"sort"
	"sync"
)

// Collection is a mutex-guarded keyed store of items of one kind. All
// mutations are serialized by the collection's write lock, so no reader
// ever observes a half-written item: a stored value is only ever swapped
// in whole under the lock. Mutation order is FIFO on lock acquisition.
//
// Domain behavior (validation, tombstone policy, cross-references) is
// supplied by the owning domain collection via composition rather than
// subclassing.
type Collection[T Item] struct {
	name    string
	storage Storage
	events  *EventManager

	// validate runs before the lock is acquired; validation failures
	// never reach the stored map.
	validate func(T) error

	mu     sync.RWMutex
	items  map[string]T
	closed bool
}

// newCollection creates a collection and loads its persisted items.
func newCollection[T Item](name string, storage Storage, events *EventManager, validate func(T) error) (*Collection[T], error) {
	c := &Collection[T]{
		name:     name,
		storage:  storage,
		events:   events,
		validate: validate,
		items:    make(map[string]T),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection[T]) load() error {
	keys, err := c.storage.Keys(c.name + "/")
	if err != nil {
		return fmt.Errorf("load collection %s: %w", c.name, err)
	}
	for _, key := range keys {
		data, err := c.storage.Get(key)
		if err != nil {
			return fmt.Errorf("load collection %s key %s: %w", c.name, key, err)
		}
		raw, err := decodeRawItem(data)
		if err != nil {
			return fmt.Errorf("decode %s key %s: %w", c.name, key, err)
		}
		item, err := fromRaw(raw)
		if err != nil {
			return err
		}
		typed, ok := item.(T)
		if !ok {
			return fmt.Errorf("collection %s holds foreign item type %s", c.name, raw.Type)
		}
		c.items[raw.ID] = typed
	}
	return nil
}

// Add inserts or replaces an item by id, holding the write lock for the
// full insert plus persistence. DateModified is bumped monotonically and
// the item is marked dirty. Returns the stored item.
func (c *Collection[T]) Add(item T) (T, error) {
	var zero T
	if c.validate != nil {
		if err := c.validate(item); err != nil {
			return zero, err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrCollectionClosed
	}
	meta := item.Meta()
	if prev, ok := c.items[meta.ID]; ok && prev.Meta().DateModified > meta.DateModified {
		meta.DateModified = prev.Meta().DateModified
	}
	meta.touch()
	if err := c.persistLocked(item); err != nil {
		c.mu.Unlock()
		return zero, err
	}
	c.items[meta.ID] = item
	c.mu.Unlock()

	c.notify(EventItemUpdated, meta.ID)
	return item, nil
}

// Get returns the item with the given id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Items returns all live (non-tombstoned) items, optionally passed
// through a transform. The returned slice is sorted by descending
// DateModified.
func (c *Collection[T]) Items(transform func(T) T) []T {
	c.mu.RLock()
	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		if item.Meta().Deleted {
			continue
		}
		out = append(out, item)
	}
	c.mu.RUnlock()

	if transform != nil {
		for i, item := range out {
			out[i] = transform(item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta().DateModified > out[j].Meta().DateModified
	})
	return out
}

// Count returns the number of live items.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, item := range c.items {
		if !item.Meta().Deleted {
			n++
		}
	}
	return n
}

// Delete removes the item outright. Most domain collections tombstone
// instead; hard removal is reserved for items that never synced.
func (c *Collection[T]) Delete(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCollectionClosed
	}
	if _, ok := c.items[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	if err := c.storage.Delete(c.key(id)); err != nil {
		c.mu.Unlock()
		return err
	}
	delete(c.items, id)
	c.mu.Unlock()

	c.notify(EventItemDeleted, id)
	return nil
}

// Tombstone flags the item deleted, retaining it so the deletion
// propagates to other devices. Items that never reached the server are
// removed outright since no other device can know them.
func (c *Collection[T]) Tombstone(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCollectionClosed
	}
	item, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	meta := item.Meta()
	if meta.RemoteVersion == "" {
		if err := c.storage.Delete(c.key(id)); err != nil {
			c.mu.Unlock()
			return err
		}
		delete(c.items, id)
	} else {
		meta.Deleted = true
		meta.touch()
		if err := c.persistLocked(item); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	c.notify(EventItemDeleted, id)
	return nil
}

// Raw returns the storage-ready representation of every item, tombstones
// included, sorted by ascending DateModified. The sync engine computes
// outgoing deltas from this snapshot.
func (c *Collection[T]) Raw() ([]RawItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]RawItem, 0, len(c.items))
	for _, item := range c.items {
		raw, err := toRaw(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateModified == out[j].DateModified {
			return out[i].ID < out[j].ID
		}
		return out[i].DateModified < out[j].DateModified
	})
	return out, nil
}

// dirtyRaw returns the wire form of every item changed since the last
// acknowledged upload, oldest first.
func (c *Collection[T]) dirtyRaw() ([]RawItem, error) {
	all, err := c.Raw()
	if err != nil {
		return nil, err
	}
	dirty := all[:0]
	for _, raw := range all {
		if raw.Dirty || raw.RemoteVersion == "" {
			dirty = append(dirty, raw)
		}
	}
	return dirty, nil
}

// applyRaw stores a merged or downloaded item wholesale, preserving its
// metadata as-is. It goes through the same write lock as every other
// mutation so a racing user edit serializes correctly.
func (c *Collection[T]) applyRaw(raw RawItem) error {
	item, err := fromRaw(raw)
	if err != nil {
		return err
	}
	typed, ok := item.(T)
	if !ok {
		return fmt.Errorf("collection %s cannot hold %s items", c.name, raw.Type)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCollectionClosed
	}
	if err := c.persistLocked(typed); err != nil {
		c.mu.Unlock()
		return err
	}
	c.items[raw.ID] = typed
	c.mu.Unlock()

	c.notify(EventItemUpdated, raw.ID)
	return nil
}

// markSynced records server acknowledgment for the given items: the new
// remote versions are recorded, dirty and local-only flags are cleared,
// and acknowledged tombstones are compacted away.
func (c *Collection[T]) markSynced(versions map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCollectionClosed
	}

	for id, version := range versions {
		item, ok := c.items[id]
		if !ok {
			continue
		}
		meta := item.Meta()
		if meta.Deleted {
			// Tombstone confirmed as propagated.
			if err := c.storage.Delete(c.key(id)); err != nil {
				return err
			}
			delete(c.items, id)
			continue
		}
		meta.RemoteVersion = version
		meta.Dirty = false
		meta.LocalOnly = false
		if err := c.persistLocked(item); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the collection's wire name.
func (c *Collection[T]) Name() string { return c.name }

// rawByID returns the wire form of one item, tombstoned or not.
func (c *Collection[T]) rawByID(id string) (RawItem, bool, error) {
	c.mu.RLock()
	item, ok := c.items[id]
	c.mu.RUnlock()
	if !ok {
		return RawItem{}, false, nil
	}
	raw, err := toRaw(item)
	if err != nil {
		return RawItem{}, false, err
	}
	return raw, true, nil
}

// adoptVersion silently records a new remote version for an unchanged
// item, without bumping DateModified or notifying listeners. Used when a
// downloaded item's content already matches the local copy.
func (c *Collection[T]) adoptVersion(id, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCollectionClosed
	}
	item, ok := c.items[id]
	if !ok {
		return nil
	}
	item.Meta().RemoteVersion = version
	return c.persistLocked(item)
}

// Close marks the collection closed. Pending and subsequent mutations
// fail with ErrCollectionClosed rather than hanging.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Collection[T]) key(id string) string {
	return c.name + "/" + id
}

func (c *Collection[T]) persistLocked(item T) error {
	raw, err := toRaw(item)
	if err != nil {
		return err
	}
	data, err := encodeRawItem(raw)
	if err != nil {
		return err
	}
	return c.storage.Set(c.key(raw.ID), data)
}

func (c *Collection[T]) notify(event, id string) {
	if c.events == nil {
		return
	}
	// Listener failures do not affect the committed mutation.
	_ = c.events.Publish(event, id)
}
