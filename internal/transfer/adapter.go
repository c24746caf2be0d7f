// Package transfer moves change-set payloads through blob storage so large
// upsert lists never travel inline between the source and the sync engine.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/blob"
	"github.com/njoerd114/calrelay/internal/model"
)

const (
	fileIDPrefix = "calendar-events-"

	// maxCalendarPart bounds the calendar segment so ids stay under the blob
	// id limit.
	maxCalendarPart = 150
)

// Adapter uploads and fetches event lists through a blob store.
type Adapter struct {
	store blob.Store
	codec Codec
	log   *slog.Logger
}

// NewAdapter returns an Adapter writing with codec. Fetch accepts payloads of
// any supported codec.
func NewAdapter(store blob.Store, codec Codec, logger *slog.Logger) *Adapter {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Adapter{store: store, codec: codec, log: logger}
}

// Upload stores events under a fresh id and returns it.
func (a *Adapter) Upload(ctx context.Context, calendarID string, events []model.Event) (string, error) {
	data, err := a.codec.Encode(events)
	if err != nil {
		return "", err
	}
	fileID := NewFileID(calendarID, a.codec.Extension())
	if _, err := a.store.Upload(ctx, fileID, data, a.codec.ContentType()); err != nil {
		return "", fmt.Errorf("uploading %d events for %q: %w", len(events), calendarID, err)
	}
	a.log.Info("uploaded change set",
		"calendar_id", calendarID,
		"file_id", fileID,
		"event_count", len(events),
		"size", len(data),
	)
	return fileID, nil
}

// Fetch downloads and decodes fileID. Malformed records are logged and
// dropped. A missing blob surfaces as an error wrapping [blob.ErrNotFound].
func (a *Adapter) Fetch(ctx context.Context, fileID string) ([]model.Event, error) {
	data, err := a.store.Download(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("downloading %q: %w", fileID, err)
	}
	batch, err := sniff(data).Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", fileID, err)
	}
	for _, rej := range batch.Rejected {
		a.log.Warn("skipping malformed event in change set", "file_id", fileID, "error", rej)
	}
	a.log.Debug("fetched change set", "file_id", fileID, "event_count", len(batch.Events))
	return batch.Events, nil
}

// Discard removes a consumed change set. A missing blob is not an error.
func (a *Adapter) Discard(ctx context.Context, fileID string) error {
	if err := a.store.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("discarding %q: %w", fileID, err)
	}
	a.log.Debug("discarded change set", "file_id", fileID)
	return nil
}

// NewFileID returns "calendar-events-<calendar>-<uuid><ext>" with the
// calendar segment reduced to characters accepted as a blob id.
func NewFileID(calendarID, ext string) string {
	return fileIDPrefix + safeSegment(calendarID) + "-" + uuid.NewString() + ext
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '@', r == '+':
			b.WriteRune(r)
		case r == '.':
			// Dots are kept singly; ".." is rejected by the blob store.
			if !strings.HasSuffix(b.String(), ".") {
				b.WriteRune(r)
			}
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxCalendarPart {
		out = out[:maxCalendarPart]
	}
	if out == "" {
		out = "calendar"
	}
	return out
}
