package inkstone

// NoteOptions carries the fields for creating or updating a note. A zero
// ID creates a new note; a known ID replaces that note's supplied fields.
// Pinned and Favorite are tri-state: nil leaves the flag alone, so an
// update can clear a flag as well as set it.
type NoteOptions struct {
	ID       string
	Title    string
	Content  NoteContent
	Tags     []string
	Color    string
	Pinned   *bool
	Favorite *bool
}

// Notes is the domain collection for notes.
type Notes struct {
	store *Store
	coll  *Collection[*Note]
}

func newNotes(store *Store, storage Storage, events *EventManager) (*Notes, error) {
	coll, err := newCollection[*Note]("notes", storage, events, nil)
	if err != nil {
		return nil, err
	}
	return &Notes{store: store, coll: coll}, nil
}

// Add creates or updates a note and returns its id. A note needs at
// least a title or some content.
func (n *Notes) Add(opts NoteOptions) (string, error) {
	if opts.ID == "" && opts.Title == "" && opts.Content.Data == "" {
		return "", newValidationError("note", "a note needs a title or content", nil)
	}

	var note *Note
	if opts.ID != "" {
		if existing, ok := n.coll.Get(opts.ID); ok && !existing.Deleted {
			clone := *existing
			note = &clone
		}
	}
	if note == nil {
		id := opts.ID
		if id == "" {
			id = makeItemID()
		}
		note = &Note{ItemMeta: ItemMeta{ID: id, Type: ItemTypeNote}}
	}

	if opts.Title != "" {
		note.Title = opts.Title
	}
	if opts.Content.Data != "" || opts.Content.Type != "" {
		if note.Locked {
			return "", ErrVaultLocked
		}
		note.Content = opts.Content
	}
	if opts.Color != "" {
		note.Color = opts.Color
	}
	if len(opts.Tags) > 0 {
		note.Tags = unionStrings(note.Tags, opts.Tags)
	}
	if opts.Pinned != nil {
		note.Pinned = *opts.Pinned
	}
	if opts.Favorite != nil {
		note.Favorite = *opts.Favorite
	}

	stored, err := n.coll.Add(note)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// Note returns the live note with the given id, or nil.
func (n *Notes) Note(id string) *Note {
	note, ok := n.coll.Get(id)
	if !ok || note.Deleted {
		return nil
	}
	return note
}

// Tag attaches a tag title to the note and records the membership on the
// tag side as well.
func (n *Notes) Tag(noteID, tagTitle string) error {
	note := n.Note(noteID)
	if note == nil {
		return newValidationError("note", "no note with id "+noteID, nil)
	}

	if _, err := n.store.Tags.Add(tagTitle, noteID); err != nil {
		return err
	}
	title := n.store.Tags.Sanitize(tagTitle)
	clone := *note
	clone.Tags = unionStrings(note.Tags, []string{title})
	_, err := n.coll.Add(&clone)
	return err
}

// Untag removes a tag title from the note and drops the membership on
// the tag side.
func (n *Notes) Untag(noteID, tagTitle string) error {
	title := n.store.Tags.Sanitize(tagTitle)
	if err := n.removeTagRef(noteID, title); err != nil {
		return err
	}
	return n.store.Tags.Untag(title, noteID)
}

// removeTagRef drops the note-side tag reference only. Missing notes are
// skipped so tag removal stays best-effort.
func (n *Notes) removeTagRef(noteID, tagTitle string) error {
	note := n.Note(noteID)
	if note == nil {
		return nil
	}
	clone := *note
	clone.Tags = subtractStrings(append([]string(nil), note.Tags...), []string{tagTitle})
	_, err := n.coll.Add(&clone)
	return err
}

// Delete tombstones the note and detaches it from every tag it carried.
func (n *Notes) Delete(id string) error {
	note := n.Note(id)
	if note == nil {
		return nil
	}
	for _, title := range note.Tags {
		if err := n.store.Tags.Untag(title, id); err != nil {
			return err
		}
	}
	if err := n.store.Settings.Unpin(id); err != nil {
		return err
	}
	return n.coll.Tombstone(id)
}

// All returns every live note, most recently modified first.
func (n *Notes) All() []*Note {
	return n.coll.Items(nil)
}

// Raw returns the unresolved persisted form, used by the sync engine.
func (n *Notes) Raw() ([]RawItem, error) {
	return n.coll.Raw()
}
