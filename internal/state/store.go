// Package state manages the SQLite database that holds the replicated calendar
// events and the per-source sync cursors.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/calrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_events (
    calendar_id    TEXT    NOT NULL,
    event_id       TEXT    NOT NULL,
    start_time     INTEGER NOT NULL,
    end_time       INTEGER NOT NULL,
    title          TEXT    NOT NULL DEFAULT '',
    organizer      TEXT    NOT NULL DEFAULT '',
    attendee_count INTEGER NOT NULL DEFAULT 0,
    status         TEXT    NOT NULL DEFAULT 'confirmed',
    event_data     TEXT    NOT NULL,
    last_modified  INTEGER NOT NULL,
    PRIMARY KEY (calendar_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_range ON calendar_events (calendar_id, start_time, end_time);

CREATE TABLE IF NOT EXISTS calendar_sync_state (
    source_calendar_id TEXT PRIMARY KEY,
    sync_token         TEXT NOT NULL,
    updated_at         TEXT NOT NULL DEFAULT ''
);
`

// maxQueryParams keeps IN (...) lists below SQLite's host parameter limit.
const maxQueryParams = 500

// SyncState is a stored cursor together with the time it was written.
type SyncState struct {
	SourceCalendarID string
	Cursor           model.Cursor
	UpdatedAt        time.Time
}

// Store is the SQLite-backed sink.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	locks *keyedMutex
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/calrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// Write transactions start with BEGIN IMMEDIATE so concurrent writers queue on
// the busy timeout instead of failing on lock upgrade.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger, locks: newKeyedMutex()}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so sibling storage (the SQLite blob backend) can share
// one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- Events ------------------------------------------------------------------

// GetEventsByIDs returns the events of calendarID whose IDs are in ids. Unknown
// IDs are simply absent from the result.
func (s *Store) GetEventsByIDs(ctx context.Context, calendarID string, ids []string) ([]model.Event, error) {
	var events []model.Event
	for start := 0; start < len(ids); start += maxQueryParams {
		end := min(start+maxQueryParams, len(ids))
		chunk := ids[start:end]

		q := `SELECT event_data FROM calendar_events WHERE calendar_id = ? AND event_id IN (` +
			placeholders(len(chunk)) + `)`
		args := make([]any, 0, len(chunk)+1)
		args = append(args, calendarID)
		for _, id := range chunk {
			args = append(args, id)
		}

		got, err := s.queryEvents(ctx, calendarID, q, args...)
		if err != nil {
			return nil, fmt.Errorf("querying events by id for %q: %w", calendarID, err)
		}
		events = append(events, got...)
	}
	return events, nil
}

// GetAllEvents returns every stored event of calendarID.
func (s *Store) GetAllEvents(ctx context.Context, calendarID string) ([]model.Event, error) {
	const q = `SELECT event_data FROM calendar_events WHERE calendar_id = ? ORDER BY start_time`
	events, err := s.queryEvents(ctx, calendarID, q, calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying events for %q: %w", calendarID, err)
	}
	return events, nil
}

// GetEventsByDateRange returns the events of calendarID overlapping
// [from, to], ordered by start time.
func (s *Store) GetEventsByDateRange(ctx context.Context, calendarID string, from, to time.Time) ([]model.Event, error) {
	return s.GetEventsByDateRangeMulti(ctx, []string{calendarID}, from, to)
}

// GetEventsByDateRangeMulti is GetEventsByDateRange across several calendars,
// ordered by start time then calendar.
func (s *Store) GetEventsByDateRangeMulti(ctx context.Context, calendarIDs []string, from, to time.Time) ([]model.Event, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}
	q := `SELECT event_data FROM calendar_events
		WHERE calendar_id IN (` + placeholders(len(calendarIDs)) + `)
		  AND start_time <= ? AND end_time >= ?
		ORDER BY start_time, calendar_id`
	args := make([]any, 0, len(calendarIDs)+2)
	for _, id := range calendarIDs {
		args = append(args, id)
	}
	args = append(args, to.UnixNano(), from.UnixNano())

	label := strings.Join(calendarIDs, ",")
	events, err := s.queryEvents(ctx, label, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events in range for %q: %w", label, err)
	}
	return events, nil
}

// CountEvents returns the number of stored events for calendarID.
func (s *Store) CountEvents(ctx context.Context, calendarID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendar_events WHERE calendar_id = ?`, calendarID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events for %q: %w", calendarID, err)
	}
	return n, nil
}

// ApplyChanges writes creates and updates then removes deletes for calendarID
// in one transaction. Applies for the same calendar are serialised; deleting
// an ID that is already gone is not an error. An upsert never replaces a row
// carrying a strictly newer last_modified.
func (s *Store) ApplyChanges(ctx context.Context, calendarID string, creates, updates []model.Event, deletes []string) error {
	unlock := s.locks.Lock(calendarID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning apply for %q: %w", calendarID, err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO calendar_events
		    (calendar_id, event_id, start_time, end_time, title, organizer,
		     attendee_count, status, event_data, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id, event_id) DO UPDATE SET
		    start_time     = excluded.start_time,
		    end_time       = excluded.end_time,
		    title          = excluded.title,
		    organizer      = excluded.organizer,
		    attendee_count = excluded.attendee_count,
		    status         = excluded.status,
		    event_data     = excluded.event_data,
		    last_modified  = excluded.last_modified
		WHERE excluded.last_modified >= calendar_events.last_modified`

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, batch := range [][]model.Event{creates, updates} {
		for i := range batch {
			e := &batch[i]
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding event %q: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				calendarID,
				e.ID,
				e.Start.UnixNano(),
				e.End.UnixNano(),
				e.Title,
				e.Organizer,
				len(e.Attendees),
				string(e.Status),
				string(data),
				e.LastModified.UnixNano(),
			); err != nil {
				return fmt.Errorf("upserting event %q: %w", e.ID, err)
			}
		}
	}

	for start := 0; start < len(deletes); start += maxQueryParams {
		end := min(start+maxQueryParams, len(deletes))
		chunk := deletes[start:end]
		q := `DELETE FROM calendar_events WHERE calendar_id = ? AND event_id IN (` + placeholders(len(chunk)) + `)`
		args := make([]any, 0, len(chunk)+1)
		args = append(args, calendarID)
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("deleting events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing apply for %q: %w", calendarID, err)
	}

	s.log.Info("applied calendar changes",
		"calendar_id", calendarID,
		"created", len(creates),
		"updated", len(updates),
		"deleted", len(deletes),
	)
	return nil
}

// --- Sync state --------------------------------------------------------------

// GetSyncState returns the stored cursor for sourceCalendarID, or (nil, nil)
// if none has been stored yet.
func (s *Store) GetSyncState(ctx context.Context, sourceCalendarID string) (*model.Cursor, error) {
	const q = `SELECT sync_token FROM calendar_sync_state WHERE source_calendar_id = ?`
	var token string
	err := s.db.QueryRowContext(ctx, q, sourceCalendarID).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state for %q: %w", sourceCalendarID, err)
	}
	return &model.Cursor{SyncToken: token}, nil
}

// StoreSyncState replaces the cursor for sourceCalendarID.
func (s *Store) StoreSyncState(ctx context.Context, sourceCalendarID string, cursor model.Cursor) error {
	const q = `
		INSERT INTO calendar_sync_state (source_calendar_id, sync_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_calendar_id) DO UPDATE SET
		    sync_token = excluded.sync_token,
		    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, sourceCalendarID, cursor.SyncToken, formatTime(time.Now())); err != nil {
		return fmt.Errorf("storing sync state for %q: %w", sourceCalendarID, err)
	}
	s.log.Debug("stored sync state", "source_calendar_id", sourceCalendarID)
	return nil
}

// ListSyncStates returns every stored cursor ordered by source calendar.
func (s *Store) ListSyncStates(ctx context.Context) ([]SyncState, error) {
	const q = `SELECT source_calendar_id, sync_token, updated_at FROM calendar_sync_state`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []SyncState
	for rows.Next() {
		var st SyncState
		var updated string
		if err := rows.Scan(&st.SourceCalendarID, &st.Cursor.SyncToken, &updated); err != nil {
			return nil, fmt.Errorf("scanning sync state row: %w", err)
		}
		st.UpdatedAt, _ = parseTime(updated)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SourceCalendarID < states[j].SourceCalendarID })
	return states, nil
}

// --- helpers -----------------------------------------------------------------

// queryEvents runs q and decodes the event_data column of each row. Rows that
// fail to decode are logged and skipped.
func (s *Store) queryEvents(ctx context.Context, label, q string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			s.log.Warn("skipping unreadable stored event", "calendar_id", label, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.Event, error) {
	var data string
	if err := s.Scan(&data); err != nil {
		return model.Event{}, fmt.Errorf("scanning event row: %w", err)
	}
	var raw model.Event
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return model.Event{}, fmt.Errorf("decoding event data: %w", err)
	}
	e, _, err := model.NewEvent(raw)
	if err != nil {
		return model.Event{}, err
	}
	return e, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
