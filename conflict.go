package inkstone

import (
	"bytes"
	"encoding/json"
)

// MergePolicy selects how concurrent edits of one item kind reconcile.
type MergePolicy int

const (
	// MergeLastWriteWins keeps the side with the higher DateModified.
	// Used for scalar metadata.
	MergeLastWriteWins MergePolicy = iota
	// MergeUnion unions set membership from both sides so no membership
	// edit is ever lost. Used for tags and pins.
	MergeUnion
	// MergeContent fast-forwards when only one side diverged from the
	// common ancestor and reports a conflict when both did. Used for
	// user-authored note content, where silently discarding an edit is a
	// correctness violation.
	MergeContent
)

func policyFor(t ItemType) MergePolicy {
	switch t {
	case ItemTypeTag:
		return MergeUnion
	case ItemTypeNote:
		return MergeContent
	default:
		return MergeLastWriteWins
	}
}

// Outcome is the resolver's decision for one item.
type Outcome int

const (
	// OutcomeApplyRemote replaces the local version with the remote one.
	OutcomeApplyRemote Outcome = iota
	// OutcomeKeepLocal keeps the local version; it will upload next.
	OutcomeKeepLocal
	// OutcomeMerged applies the merged item carried in the resolution.
	OutcomeMerged
	// OutcomeConflict means both sides changed content since the common
	// ancestor; the round must surface a merge conflict, not pick a
	// winner.
	OutcomeConflict
)

// Resolution is the transient record of resolving one conflicting item.
// It never outlives a single merge phase: the engine either applies it
// or fails the round for that item.
type Resolution struct {
	Outcome Outcome
	Merged  RawItem
}

// Resolve decides between a local and a remote version of the same item.
// It is a pure function of its inputs; all writes stay with the caller.
//
// remote.RemoteVersion is the server's current version token for the
// item; local.RemoteVersion is the token the device last synchronized
// against. Equal tokens mean the server has not moved since the common
// ancestor.
func Resolve(local, remote RawItem) (Resolution, error) {
	if !local.Dirty {
		return Resolution{Outcome: OutcomeApplyRemote}, nil
	}
	if remote.RemoteVersion != "" && remote.RemoteVersion == local.RemoteVersion {
		// Server unchanged since the ancestor; only we diverged.
		return Resolution{Outcome: OutcomeKeepLocal}, nil
	}

	// Both sides diverged.
	if local.Deleted && remote.Deleted {
		return Resolution{Outcome: OutcomeApplyRemote}, nil
	}

	switch policyFor(local.Type) {
	case MergeUnion:
		merged, err := mergeTagUnion(local, remote)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Outcome: OutcomeMerged, Merged: merged}, nil

	case MergeLastWriteWins:
		if local.Type == ItemTypeSettings {
			merged, err := mergeSettings(local, remote)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Outcome: OutcomeMerged, Merged: merged}, nil
		}
		if local.DateModified > remote.DateModified {
			return Resolution{Outcome: OutcomeKeepLocal}, nil
		}
		return Resolution{Outcome: OutcomeApplyRemote}, nil

	default: // MergeContent
		if !local.Deleted && !remote.Deleted && bytes.Equal(local.Payload, remote.Payload) {
			// Identical edits on both sides; adopt the server token.
			merged := remote
			merged.Dirty = false
			return Resolution{Outcome: OutcomeMerged, Merged: merged}, nil
		}
		return Resolution{Outcome: OutcomeConflict}, nil
	}
}

// mergeTagUnion unions note membership from both versions. A deletion on
// one side loses to a concurrent membership edit on the other; the tag
// survives with the union.
func mergeTagUnion(local, remote RawItem) (RawItem, error) {
	switch {
	case local.Deleted:
		merged := remote
		merged.Dirty = false
		return merged, nil
	case remote.Deleted:
		merged := local
		merged.RemoteVersion = remote.RemoteVersion
		merged.Dirty = true
		return merged, nil
	}

	var localTag, remoteTag Tag
	if err := json.Unmarshal(local.Payload, &localTag); err != nil {
		return RawItem{}, err
	}
	if err := json.Unmarshal(remote.Payload, &remoteTag); err != nil {
		return RawItem{}, err
	}

	remoteTag.NoteIDs = unionStrings(remoteTag.NoteIDs, localTag.NoteIDs)
	payload, err := json.Marshal(&remoteTag)
	if err != nil {
		return RawItem{}, err
	}

	merged := remote
	merged.Payload = payload
	if merged.DateModified < local.DateModified {
		merged.DateModified = local.DateModified
	}
	// Dirty when the union carries members the server has not seen.
	merged.Dirty = hasExtraMembers(remoteTag.NoteIDs, remote)
	return merged, nil
}

// hasExtraMembers reports whether the merged membership differs from what
// the server already holds, meaning the merge must upload.
func hasExtraMembers(merged []string, remote RawItem) bool {
	var remoteTag Tag
	if err := json.Unmarshal(remote.Payload, &remoteTag); err != nil {
		return true
	}
	if len(merged) != len(remoteTag.NoteIDs) {
		return true
	}
	have := make(map[string]struct{}, len(remoteTag.NoteIDs))
	for _, id := range remoteTag.NoteIDs {
		have[id] = struct{}{}
	}
	for _, id := range merged {
		if _, ok := have[id]; !ok {
			return true
		}
	}
	return false
}

// mergeSettings merges the single settings item: pins union (set
// membership must survive both sides), aliases last-write-wins at item
// granularity with the loser's entries kept where the winner has none.
func mergeSettings(local, remote RawItem) (RawItem, error) {
	if local.Deleted || remote.Deleted {
		// Settings is never tombstoned in practice; fall back to LWW.
		if local.DateModified > remote.DateModified {
			merged := local
			merged.RemoteVersion = remote.RemoteVersion
			merged.Dirty = true
			return merged, nil
		}
		merged := remote
		merged.Dirty = false
		return merged, nil
	}

	var localSet, remoteSet SettingsItem
	if err := json.Unmarshal(local.Payload, &localSet); err != nil {
		return RawItem{}, err
	}
	if err := json.Unmarshal(remote.Payload, &remoteSet); err != nil {
		return RawItem{}, err
	}

	winner, loser := &remoteSet, &localSet
	if local.DateModified > remote.DateModified {
		winner, loser = &localSet, &remoteSet
	}

	out := SettingsItem{
		Aliases: make(map[string]string),
		Pins:    make(map[string]bool),
	}
	for k, v := range loser.Aliases {
		out.Aliases[k] = v
	}
	for k, v := range winner.Aliases {
		out.Aliases[k] = v
	}
	for k := range loser.Pins {
		out.Pins[k] = true
	}
	for k := range winner.Pins {
		out.Pins[k] = true
	}

	payload, err := json.Marshal(&out)
	if err != nil {
		return RawItem{}, err
	}

	merged := remote
	merged.Payload = payload
	if merged.DateModified < local.DateModified {
		merged.DateModified = local.DateModified
	}
	merged.Dirty = true
	return merged, nil
}
