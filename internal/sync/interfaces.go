// Package sync implements the one-way calendar replication engine. A pass
// fetches changes from a [Source] since the stored cursor, computes the
// create/update/delete delta against the touched records of a [Sink], applies
// it in one idempotent call, and only then stores the new cursor.
//
// The package contains two main components:
//
//   - [Syncer] runs a single pass for one source/sink calendar pair.
//   - [Engine] drives passes for every configured pair, retrying failed
//     passes and recording telemetry.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// Source yields change-sets for a calendar. A nil cursor asks for the full
// state. Implemented by [google.Source] and [caldav.Source].
type Source interface {
	GetChanges(ctx context.Context, calendarID string, cursor *model.Cursor) (model.ChangeSet, error)
}

// EventReader provides read-only queries over stored or remote events.
// Implemented by [state.Store] and the source adapters.
type EventReader interface {
	GetEventsByIDs(ctx context.Context, calendarID string, ids []string) ([]model.Event, error)
	GetAllEvents(ctx context.Context, calendarID string) ([]model.Event, error)
	GetEventsByDateRange(ctx context.Context, calendarID string, from, to time.Time) ([]model.Event, error)
	GetEventsByDateRangeMulti(ctx context.Context, calendarIDs []string, from, to time.Time) ([]model.Event, error)
}

// Sink is the durable replica. Implemented by [state.Store].
type Sink interface {
	GetEventsByIDs(ctx context.Context, calendarID string, ids []string) ([]model.Event, error)
	ApplyChanges(ctx context.Context, calendarID string, creates, updates []model.Event, deletes []string) error
	GetSyncState(ctx context.Context, sourceCalendarID string) (*model.Cursor, error)
	StoreSyncState(ctx context.Context, sourceCalendarID string, cursor model.Cursor) error
}

// ChangeTransfer resolves blob-backed upserts. Implemented by
// [transfer.Adapter].
type ChangeTransfer interface {
	Fetch(ctx context.Context, fileID string) ([]model.Event, error)
}

// Discarder is implemented by a [ChangeTransfer] that can remove a blob once
// its pass has stored the new cursor.
type Discarder interface {
	Discard(ctx context.Context, fileID string) error
}
