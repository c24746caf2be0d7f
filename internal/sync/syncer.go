package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/calrelay/internal/blob"
	"github.com/njoerd114/calrelay/internal/model"
)

// Timeouts bounds each external call of a pass. Zero leaves a call bounded
// only by the caller's context.
type Timeouts struct {
	Source time.Duration
	Blob   time.Duration
	Sink   time.Duration
}

// Result summarises one pass.
type Result struct {
	SourceCalendarID string
	SinkCalendarID   string

	// Full is true when the pass ran without a cursor, either on request or
	// after the source rejected the stored cursor.
	Full bool
	// CursorReset is true when the stored cursor was rejected as expired.
	CursorReset bool
	// BlobBacked is true when the upserts were fetched from blob storage.
	BlobBacked bool
	// BlobMissing is true when the referenced blob no longer existed.
	BlobMissing bool
	// Applied is false when nothing was touched and the apply step was skipped.
	Applied bool

	Created        int
	Updated        int
	Deleted        int
	Unchanged      int
	IgnoredDeletes int

	Cursor model.Cursor
}

// Syncer performs single sync passes. It holds no state between passes and
// never retries; callers re-run a failed pass as a whole.
type Syncer struct {
	source   Source
	sink     Sink
	transfer ChangeTransfer
	timeouts Timeouts
	log      *slog.Logger
}

// NewSyncer creates a Syncer. transfer may be nil when the source never
// returns blob-backed change-sets.
func NewSyncer(source Source, sink Sink, transfer ChangeTransfer, timeouts Timeouts, logger *slog.Logger) *Syncer {
	return &Syncer{source: source, sink: sink, transfer: transfer, timeouts: timeouts, log: logger}
}

// Sync replicates the changes of sourceCalendarID into sinkCalendarID. With
// fullSync the stored cursor is not read and the source returns its full state.
func (s *Syncer) Sync(ctx context.Context, sourceCalendarID, sinkCalendarID string, fullSync bool) (Result, error) {
	res := Result{SourceCalendarID: sourceCalendarID, SinkCalendarID: sinkCalendarID, Full: fullSync}
	log := s.log.With("source_calendar_id", sourceCalendarID, "sink_calendar_id", sinkCalendarID)

	// 1. Cursor.
	var cursor *model.Cursor
	if !fullSync {
		err := s.withTimeout(ctx, s.timeouts.Sink, func(ctx context.Context) error {
			var err error
			cursor, err = s.sink.GetSyncState(ctx, sourceCalendarID)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("reading sync state: %w", err)
		}
		res.Full = cursor == nil
	}

	// 2. Changes.
	changes, err := s.getChanges(ctx, sourceCalendarID, cursor)
	if errors.Is(err, model.ErrCursorExpired) && cursor != nil {
		log.Warn("sync cursor expired, falling back to full sync")
		res.Full, res.CursorReset = true, true
		changes, err = s.getChanges(ctx, sourceCalendarID, nil)
	}
	if err != nil {
		return res, fmt.Errorf("fetching changes: %w", err)
	}
	if err := changes.Validate(); err != nil {
		return res, fmt.Errorf("source %q: %w", sourceCalendarID, err)
	}

	// 3. Resolve upserts.
	upserts := changes.Upserted
	if changes.BlobBacked() {
		res.BlobBacked = true
		upserts, err = s.fetchBlob(ctx, changes.UpsertedFileID)
		if errors.Is(err, blob.ErrNotFound) {
			log.Warn("change set blob not found, treating as no upserts", "file_id", changes.UpsertedFileID)
			res.BlobMissing = true
			upserts, err = nil, nil
		}
		if err != nil {
			return res, fmt.Errorf("fetching upserts: %w", err)
		}
	}

	// 4. Delta against the touched sink records only.
	upserts, deletes := normalizeChanges(upserts, changes.DeletedIDs)
	touched := touchedIDs(upserts, deletes)

	if len(touched) > 0 {
		var existing []model.Event
		err := s.withTimeout(ctx, s.timeouts.Sink, func(ctx context.Context) error {
			var err error
			existing, err = s.sink.GetEventsByIDs(ctx, sinkCalendarID, touched)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("reading sink events: %w", err)
		}

		d := computeDelta(upserts, deletes, existing)
		res.Created, res.Updated, res.Deleted = len(d.Creates), len(d.Updates), len(d.Deletes)
		res.Unchanged, res.IgnoredDeletes = d.Unchanged, d.IgnoredDeletes

		// 5. Apply.
		err = s.withTimeout(ctx, s.timeouts.Sink, func(ctx context.Context) error {
			return s.sink.ApplyChanges(ctx, sinkCalendarID, d.Creates, d.Updates, d.Deletes)
		})
		if err != nil {
			return res, fmt.Errorf("applying changes: %w", err)
		}
		res.Applied = true
	} else {
		log.Debug("no changes")
	}

	// 6. Cursor, only after a successful apply.
	res.Cursor = *changes.NextCursor
	err = s.withTimeout(ctx, s.timeouts.Sink, func(ctx context.Context) error {
		return s.sink.StoreSyncState(ctx, sourceCalendarID, res.Cursor)
	})
	if err != nil {
		return res, fmt.Errorf("storing sync state: %w", err)
	}
	if res.BlobBacked && !res.BlobMissing {
		s.discardBlob(ctx, changes.UpsertedFileID, log)
	}

	log.Info("sync pass complete",
		"full", res.Full,
		"blob_backed", res.BlobBacked,
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged,
		"ignored_deletes", res.IgnoredDeletes,
	)
	return res, nil
}

func (s *Syncer) getChanges(ctx context.Context, calendarID string, cursor *model.Cursor) (model.ChangeSet, error) {
	var cs model.ChangeSet
	err := s.withTimeout(ctx, s.timeouts.Source, func(ctx context.Context) error {
		var err error
		cs, err = s.source.GetChanges(ctx, calendarID, cursor)
		return err
	})
	return cs, err
}

func (s *Syncer) fetchBlob(ctx context.Context, fileID string) ([]model.Event, error) {
	if s.transfer == nil {
		return nil, fmt.Errorf("change set references blob %q but no transfer is configured", fileID)
	}
	var events []model.Event
	err := s.withTimeout(ctx, s.timeouts.Blob, func(ctx context.Context) error {
		var err error
		events, err = s.transfer.Fetch(ctx, fileID)
		return err
	})
	return events, err
}

// discardBlob removes a consumed blob. Failure only leaves garbage behind, so
// it is logged and the pass still succeeds.
func (s *Syncer) discardBlob(ctx context.Context, fileID string, log *slog.Logger) {
	d, ok := s.transfer.(Discarder)
	if !ok {
		return
	}
	err := s.withTimeout(ctx, s.timeouts.Blob, func(ctx context.Context) error {
		return d.Discard(ctx, fileID)
	})
	if err != nil {
		log.Warn("could not discard change set blob", "file_id", fileID, "error", err)
	}
}

func (s *Syncer) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
