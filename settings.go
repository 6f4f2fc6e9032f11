package inkstone

import "sync"

// Settings holds per-user scalar metadata: tag display aliases and pinned
// item ids. It synchronizes as a single last-write-wins item, so every
// mutation is a read-modify-write of the whole item guarded by a
// dedicated mutex on top of the base collection's lock.
type Settings struct {
	coll *Collection[*SettingsItem]
	mu   sync.Mutex
}

func newSettings(storage Storage, events *EventManager) (*Settings, error) {
	coll, err := newCollection[*SettingsItem]("settings", storage, events, nil)
	if err != nil {
		return nil, err
	}
	return &Settings{coll: coll}, nil
}

// current returns a copy of the settings item safe to mutate.
func (s *Settings) current() *SettingsItem {
	item, ok := s.coll.Get(settingsItemID)
	if !ok {
		return &SettingsItem{
			ItemMeta: ItemMeta{ID: settingsItemID, Type: ItemTypeSettings},
			Aliases:  make(map[string]string),
			Pins:     make(map[string]bool),
		}
	}
	clone := &SettingsItem{
		ItemMeta: item.ItemMeta,
		Aliases:  make(map[string]string, len(item.Aliases)),
		Pins:     make(map[string]bool, len(item.Pins)),
	}
	for k, v := range item.Aliases {
		clone.Aliases[k] = v
	}
	for k, v := range item.Pins {
		clone.Pins[k] = v
	}
	return clone
}

// SetAlias stores the display alias for a tag, keyed by the tag's stable id.
func (s *Settings) SetAlias(tagID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.current()
	item.Aliases[tagID] = alias
	_, err := s.coll.Add(item)
	return err
}

// Alias returns the stored alias for a tag, or "" if none is set.
func (s *Settings) Alias(tagID string) string {
	item, ok := s.coll.Get(settingsItemID)
	if !ok {
		return ""
	}
	return item.Aliases[tagID]
}

// RemoveAlias drops the alias for a tag. Missing aliases are a no-op.
func (s *Settings) RemoveAlias(tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.current()
	if _, ok := item.Aliases[tagID]; !ok {
		return nil
	}
	delete(item.Aliases, tagID)
	_, err := s.coll.Add(item)
	return err
}

// Pin marks an item id pinned.
func (s *Settings) Pin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.current()
	item.Pins[id] = true
	_, err := s.coll.Add(item)
	return err
}

// Unpin removes any pin on the item id. Missing pins are a no-op.
func (s *Settings) Unpin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.current()
	if !item.Pins[id] {
		return nil
	}
	delete(item.Pins, id)
	_, err := s.coll.Add(item)
	return err
}

// IsPinned reports whether the item id is pinned.
func (s *Settings) IsPinned(id string) bool {
	item, ok := s.coll.Get(settingsItemID)
	if !ok {
		return false
	}
	return item.Pins[id]
}

// Raw returns the unresolved persisted form, used by the sync engine.
func (s *Settings) Raw() ([]RawItem, error) {
	return s.coll.Raw()
}
