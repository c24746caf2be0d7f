package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/calrelay/internal/model"
	syncp "github.com/njoerd114/calrelay/internal/sync"
)

// Mode selects when upserts are moved to blob storage.
type Mode string

const (
	// ModeAlways offloads every non-empty upsert list.
	ModeAlways Mode = "always"
	// ModeThreshold offloads once the list reaches Policy.Threshold events.
	ModeThreshold Mode = "threshold"
	// ModeNever keeps upserts inline.
	ModeNever Mode = "never"
)

// Policy decides whether a change-set is offloaded.
type Policy struct {
	Mode      Mode
	Threshold int
}

// ParseMode maps a config value onto a Mode. Empty means ModeAlways.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAlways:
		return ModeAlways, nil
	case ModeThreshold, ModeNever:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown offload mode %q", s)
	}
}

// ShouldOffload reports whether n upserts should be offloaded.
func (p Policy) ShouldOffload(n int) bool {
	if n == 0 {
		return false
	}
	switch p.Mode {
	case ModeNever:
		return false
	case ModeThreshold:
		return n >= p.Threshold
	default:
		return true
	}
}

// OffloadingSource wraps a source and replaces inline upserts with a blob
// reference according to Policy.
type OffloadingSource struct {
	Source  syncp.Source
	Adapter *Adapter
	Policy  Policy
	Log     *slog.Logger
}

// GetChanges fetches from the wrapped source and offloads the upserts.
func (o *OffloadingSource) GetChanges(ctx context.Context, calendarID string, cursor *model.Cursor) (model.ChangeSet, error) {
	cs, err := o.Source.GetChanges(ctx, calendarID, cursor)
	if err != nil {
		return cs, err
	}
	if cs.BlobBacked() || !o.Policy.ShouldOffload(len(cs.Upserted)) {
		return cs, nil
	}

	fileID, err := o.Adapter.Upload(ctx, calendarID, cs.Upserted)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("offloading changes for %q: %w", calendarID, err)
	}
	o.Log.Debug("offloaded upserts", "calendar_id", calendarID, "file_id", fileID, "event_count", len(cs.Upserted))
	return model.ChangeSet{
		UpsertedFileID: fileID,
		DeletedIDs:     cs.DeletedIDs,
		NextCursor:     cs.NextCursor,
	}, nil
}
