package inkstone

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the inkstone package.
var (
	// ErrCollectionClosed is returned when operations are attempted on a
	// closed collection or store.
	ErrCollectionClosed = errors.New("collection is closed")

	// ErrEmptyTitle is returned when a title sanitizes to nothing.
	ErrEmptyTitle = errors.New("title cannot be empty")

	// ErrTagExists is returned when re-creating an existing tag without
	// any note ids.
	ErrTagExists = errors.New("a tag with this id already exists")

	// ErrNotAuthenticated is returned when sync is attempted without a
	// valid session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSyncBusy is returned when a sync round is already in progress.
	ErrSyncBusy = errors.New("sync already in progress")

	// ErrSyncInterrupted is returned when a round is stopped cooperatively.
	ErrSyncInterrupted = errors.New("sync interrupted")

	// ErrMergeConflict is returned when both sides changed an item's
	// content since their common ancestor.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrTransport is the base classification for network failures during
	// upload or download.
	ErrTransport = errors.New("transport failure")

	// ErrVaultLocked is returned when locked content is accessed without
	// unlocking the vault first.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrInvalidPassword is returned when a vault password does not match.
	ErrInvalidPassword = errors.New("invalid vault password")

	// ErrVaultNotSetup is returned when vault operations run before a
	// vault password has been created.
	ErrVaultNotSetup = errors.New("vault has not been set up")
)

// ValidationError reports invalid caller input. It is raised synchronously
// before any lock is acquired and is never retried.
type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed [%s]: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return e.Cause != nil && errors.Is(e.Cause, target)
}

func newValidationError(field, message string, cause error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Cause: cause}
}

// TransportError wraps a network or server failure. Retryable failures may
// be attempted again by the transport's retryer; the sync engine itself
// never retries and leaves the checkpoint at its last safe position.
type TransportError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s failed: status %d", e.Op, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// MergeConflictError reports that the same item's content was changed on
// both sides since their last common synchronized state. It carries both
// versions so callers can surface them; it is never resolved silently.
type MergeConflictError struct {
	ItemID     string
	Collection string
	Local      RawItem
	Remote     RawItem
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on %s item %s: changed on both sides since last sync", e.Collection, e.ItemID)
}

// Is implements error matching for MergeConflictError.
func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}
