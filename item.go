package inkstone

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemType discriminates synchronized item kinds.
type ItemType string

const (
	ItemTypeNote     ItemType = "note"
	ItemTypeTag      ItemType = "tag"
	ItemTypeSettings ItemType = "settings"
)

// ItemMeta is the common shape shared by everything that synchronizes.
//
// DateModified is a unix-millisecond timestamp and is monotonically
// non-decreasing per item. Deleted items are retained as tombstones until
// the sync engine confirms the deletion has propagated; they are never
// silently purged. RemoteVersion is the opaque token the server assigned
// on the last acknowledged upload, empty if the item has never synced.
type ItemMeta struct {
	ID            string   `json:"id"`
	Type          ItemType `json:"type"`
	DateModified  int64    `json:"dateModified"`
	Deleted       bool     `json:"deleted,omitempty"`
	RemoteVersion string   `json:"remoteVersion,omitempty"`
	LocalOnly     bool     `json:"localOnly,omitempty"`

	// Dirty marks an item changed since the last acknowledged upload for
	// its collection. Cleared when the server acks the item or when the
	// item is applied from a downloaded batch.
	Dirty bool `json:"dirty,omitempty"`
}

// Meta implements Item.
func (m *ItemMeta) Meta() *ItemMeta { return m }

// touch bumps DateModified, keeping it monotone, and marks the item dirty.
func (m *ItemMeta) touch() {
	now := time.Now().UnixMilli()
	if now <= m.DateModified {
		now = m.DateModified + 1
	}
	m.DateModified = now
	m.Dirty = true
}

// Item is implemented by every synchronized kind. Items are mutated only
// through their owning domain collection, never in place by any other
// component.
type Item interface {
	Meta() *ItemMeta
}

// NoteContent is a typed note payload. Type discriminates the body format
// ("text", "tiny" rich text, or "encrypted" for vault-locked notes).
type NoteContent struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Note is a user-authored document.
type Note struct {
	ItemMeta

	Title    string      `json:"title,omitempty"`
	Content  NoteContent `json:"content"`
	Tags     []string    `json:"tags,omitempty"`
	Color    string      `json:"color,omitempty"`
	Pinned   bool        `json:"pinned,omitempty"`
	Favorite bool        `json:"favorite,omitempty"`
	Locked   bool        `json:"locked,omitempty"`
}

// Tag groups notes by a sanitized canonical title. The id derives from
// the lower-cased title at creation time, so renames only change the
// display alias stored in settings.
type Tag struct {
	ItemMeta

	Title   string   `json:"title"`
	NoteIDs []string `json:"noteIds,omitempty"`
}

// SettingsItem holds scalar per-user metadata: tag display aliases and
// pinned item ids. It synchronizes as a single last-write-wins item.
type SettingsItem struct {
	ItemMeta

	Aliases map[string]string `json:"aliases,omitempty"`
	Pins    map[string]bool   `json:"pins,omitempty"`
}

// settingsItemID is the fixed id of the single settings item.
const settingsItemID = "settings"

// RawItem is the storage- and wire-ready representation of an item: the
// common metadata plus the kind-specific payload as raw JSON. The
// collections, the persistence layer and the sync engine exchange it.
type RawItem struct {
	ID            string          `json:"id"`
	Type          ItemType        `json:"type"`
	DateModified  int64           `json:"dateModified"`
	Deleted       bool            `json:"deleted,omitempty"`
	RemoteVersion string          `json:"remoteVersion,omitempty"`
	Dirty         bool            `json:"dirty,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// toRaw converts an item to its wire form.
func toRaw(item Item) (RawItem, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return RawItem{}, fmt.Errorf("marshal %s item: %w", item.Meta().Type, err)
	}
	m := item.Meta()
	return RawItem{
		ID:            m.ID,
		Type:          m.Type,
		DateModified:  m.DateModified,
		Deleted:       m.Deleted,
		RemoteVersion: m.RemoteVersion,
		Dirty:         m.Dirty,
		Payload:       payload,
	}, nil
}

// fromRaw reconstructs a typed item from its wire form. The payload's
// embedded metadata is overwritten by the envelope fields, which are
// authoritative.
func fromRaw(raw RawItem) (Item, error) {
	var item Item
	switch raw.Type {
	case ItemTypeNote:
		item = &Note{}
	case ItemTypeTag:
		item = &Tag{}
	case ItemTypeSettings:
		item = &SettingsItem{}
	default:
		return nil, fmt.Errorf("unknown item type %q", raw.Type)
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, item); err != nil {
			return nil, fmt.Errorf("unmarshal %s item %s: %w", raw.Type, raw.ID, err)
		}
	}
	localOnly := item.Meta().LocalOnly
	*item.Meta() = ItemMeta{
		ID:            raw.ID,
		Type:          raw.Type,
		DateModified:  raw.DateModified,
		Deleted:       raw.Deleted,
		RemoteVersion: raw.RemoteVersion,
		LocalOnly:     localOnly,
		Dirty:         raw.Dirty,
	}
	return item, nil
}

// makeTagID derives a stable tag id from the sanitized creation title.
func makeTagID(title string) string {
	sum := sha256.Sum256([]byte(title))
	return hex.EncodeToString(sum[:8])
}

// makeItemID returns a fresh globally unique item id.
func makeItemID() string {
	return uuid.NewString()
}
