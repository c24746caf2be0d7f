package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCursor is returned when a change-set carries no next cursor.
	// Persisting nothing would restart from scratch next time, so the pass
	// fails instead.
	ErrMissingCursor = errors.New("change set has no next cursor")

	// ErrAmbiguousChangeSet is returned when a change-set carries both inline
	// upserts and a blob reference.
	ErrAmbiguousChangeSet = errors.New("change set has both inline upserts and a blob reference")

	// ErrCursorExpired is returned by a source that no longer accepts the
	// cursor it was given. A full sync is required.
	ErrCursorExpired = errors.New("sync cursor expired")
)

// Cursor is the opaque resume token of an incremental sync. A nil *Cursor
// means no prior state.
type Cursor struct {
	SyncToken string `json:"sync_token"`
}

// ChangeSet is what a source returns for one fetch.
type ChangeSet struct {
	// Upserted holds created or modified events when they are carried inline.
	Upserted []Event `json:"upserted,omitempty"`

	// UpsertedFileID references a blob holding the upserts instead.
	UpsertedFileID string `json:"upserted_file_id,omitempty"`

	DeletedIDs []string `json:"deleted_ids,omitempty"`

	NextCursor *Cursor `json:"next_cursor,omitempty"`
}

// BlobBacked reports whether the upserts live in blob storage.
func (c *ChangeSet) BlobBacked() bool {
	return c.UpsertedFileID != ""
}

// Validate checks the structural invariants of a change-set.
func (c *ChangeSet) Validate() error {
	if c.UpsertedFileID != "" && len(c.Upserted) > 0 {
		return fmt.Errorf("%w: file %q and %d inline events", ErrAmbiguousChangeSet, c.UpsertedFileID, len(c.Upserted))
	}
	if c.NextCursor == nil || c.NextCursor.SyncToken == "" {
		return ErrMissingCursor
	}
	return nil
}
