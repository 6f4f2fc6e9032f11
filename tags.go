package inkstone

import (
	"strings"
	"sync"
	"unicode"
)

// Tags is the domain collection for tags. Beyond the base collection's
// lock it owns a dedicated mutex, because Add must read the existing
// membership set and write the union atomically with respect to other
// Add calls for the same tag.
type Tags struct {
	store *Store
	coll  *Collection[*Tag]
	mu    sync.Mutex
}

func newTags(store *Store, storage Storage, events *EventManager) (*Tags, error) {
	coll, err := newCollection("tags", storage, events, func(t *Tag) error {
		if t.Title == "" {
			return newValidationError("title", "tag title cannot be empty", ErrEmptyTitle)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Tags{store: store, coll: coll}, nil
}

// Sanitize canonicalizes a tag title: lower-cased with all whitespace
// stripped. Titles that sanitize to nothing are rejected by Add.
func (t *Tags) Sanitize(title string) string {
	lowered := strings.ToLower(title)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, lowered)
}

// Tag looks a tag up by id or exact title. No normalization is applied
// to the lookup key beyond what was applied at creation time.
func (t *Tags) Tag(idOrTitle string) *Tag {
	if tag, ok := t.coll.Get(idOrTitle); ok && !tag.Deleted {
		return tag
	}
	for _, tag := range t.coll.Items(nil) {
		if tag.Title == idOrTitle {
			return tag
		}
	}
	return nil
}

// Add creates the tag if it does not exist, or unions the given note ids
// into its membership. Re-creating an existing tag with no note ids is a
// duplicate and rejected. The display alias in settings is seeded with
// the title if none exists yet.
func (t *Tags) Add(title string, noteIDs ...string) (*Tag, error) {
	sanitized := t.Sanitize(title)
	if sanitized == "" {
		return nil, newValidationError("title", "tag title cannot be empty", ErrEmptyTitle)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tag := t.Tag(sanitized)
	if tag != nil && len(noteIDs) == 0 {
		return nil, newValidationError("title", "a tag with this id already exists", ErrTagExists)
	}

	if tag == nil {
		tag = &Tag{
			ItemMeta: ItemMeta{
				ID:        makeTagID(sanitized),
				Type:      ItemTypeTag,
				LocalOnly: true,
			},
			Title: sanitized,
		}
	} else {
		// Work on a copy so readers never see a partially updated set.
		clone := *tag
		tag = &clone
	}
	tag.NoteIDs = unionStrings(tag.NoteIDs, noteIDs)

	stored, err := t.coll.Add(tag)
	if err != nil {
		return nil, err
	}
	if t.store.Settings.Alias(stored.ID) == "" {
		if err := t.store.Settings.SetAlias(stored.ID, stored.Title); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// Rename updates the tag's display alias. The stable id keeps deriving
// from the original creation title, so renaming never changes identity.
func (t *Tags) Rename(idOrTitle, newName string) error {
	tag := t.Tag(idOrTitle)
	if tag == nil {
		return nil
	}
	sanitized := t.Sanitize(newName)
	if sanitized == "" {
		return newValidationError("title", "tag title cannot be empty", ErrEmptyTitle)
	}
	return t.store.Settings.SetAlias(tag.ID, sanitized)
}

// Alias returns the display name for a tag: the settings alias if one is
// stored, the canonical title otherwise.
func (t *Tags) Alias(idOrTitle string) string {
	tag := t.Tag(idOrTitle)
	if tag == nil {
		return ""
	}
	if alias := t.store.Settings.Alias(tag.ID); alias != "" {
		return alias
	}
	return tag.Title
}

// Remove deletes the tag: every note still referencing it drops the
// reference (missing notes are skipped, not an error), any pin and the
// display alias are removed, then the tag itself is deleted.
func (t *Tags) Remove(idOrTitle string) error {
	tag := t.Tag(idOrTitle)
	if tag == nil {
		return nil
	}

	for _, noteID := range tag.NoteIDs {
		if err := t.store.Notes.removeTagRef(noteID, tag.Title); err != nil {
			return err
		}
	}
	if err := t.store.Settings.Unpin(tag.ID); err != nil {
		return err
	}
	if err := t.store.Settings.RemoveAlias(tag.ID); err != nil {
		return err
	}
	return t.coll.Tombstone(tag.ID)
}

// Untag removes the given note ids from the tag's membership. A tag left
// with no members is deleted and unpinned rather than persisted empty.
func (t *Tags) Untag(idOrTitle string, noteIDs ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := t.Tag(idOrTitle)
	if found == nil {
		return nil
	}
	clone := *found
	tag := &clone

	tag.NoteIDs = subtractStrings(append([]string(nil), tag.NoteIDs...), noteIDs)
	if len(tag.NoteIDs) > 0 {
		_, err := t.coll.Add(tag)
		return err
	}
	if err := t.store.Settings.Unpin(tag.ID); err != nil {
		return err
	}
	return t.coll.Tombstone(tag.ID)
}

// All returns every live tag with its display alias resolved.
func (t *Tags) All() []*Tag {
	return t.coll.Items(func(tag *Tag) *Tag {
		if alias := t.store.Settings.Alias(tag.ID); alias != "" {
			clone := *tag
			clone.Title = alias
			return &clone
		}
		return tag
	})
}

// Raw returns the unresolved persisted form, used by the sync engine.
func (t *Tags) Raw() ([]RawItem, error) {
	return t.coll.Raw()
}

// unionStrings returns the set union of a and b, preserving a's order
// and never introducing duplicates.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// subtractStrings returns a minus every element of b.
func subtractStrings(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	out := a[:0]
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
