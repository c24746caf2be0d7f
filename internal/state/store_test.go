package state

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func sampleEvent(id string, modified time.Time) model.Event {
	e, _, err := model.NewEvent(model.Event{
		ID:           id,
		CalendarID:   "src",
		Title:        "Event " + id,
		Start:        baseTime,
		End:          baseTime.Add(time.Hour),
		Attendees:    []model.Attendee{{Email: "a@example.com", ResponseStatus: model.ResponseAccepted}},
		LastModified: modified,
	})
	if err != nil {
		panic(err)
	}
	return e
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.ApplyChanges(context.Background(), "cal", []model.Event{sampleEvent("a", baseTime)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	n, err := s2.CountEvents(context.Background(), "cal")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("CountEvents = %d, want 1", n)
	}
}

// --- ApplyChanges ------------------------------------------------------------

func TestApplyChanges_CreateUpdateDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleEvent("a", baseTime)
	b := sampleEvent("b", baseTime)
	if err := s.ApplyChanges(ctx, "cal", []model.Event{a, b}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges create: %v", err)
	}

	a2 := a
	a2.Title = "Renamed"
	a2.LastModified = baseTime.Add(time.Minute)
	if err := s.ApplyChanges(ctx, "cal", nil, []model.Event{a2}, []string{"b"}); err != nil {
		t.Fatalf("ApplyChanges update: %v", err)
	}

	got, err := s.GetAllEvents(ctx, "cal")
	if err != nil {
		t.Fatalf("GetAllEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(got))
	}
	if got[0].Title != "Renamed" {
		t.Errorf("Title = %q, want %q", got[0].Title, "Renamed")
	}
	if !got[0].LastModified.Equal(a2.LastModified) {
		t.Errorf("LastModified = %v, want %v", got[0].LastModified, a2.LastModified)
	}
	if len(got[0].Attendees) != 1 || got[0].Attendees[0].ResponseStatus != model.ResponseAccepted {
		t.Errorf("Attendees = %+v, want one accepted attendee", got[0].Attendees)
	}
}

func TestApplyChanges_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	creates := []model.Event{sampleEvent("a", baseTime), sampleEvent("b", baseTime)}
	deletes := []string{"gone"}
	for i := range 2 {
		if err := s.ApplyChanges(ctx, "cal", creates, nil, deletes); err != nil {
			t.Fatalf("ApplyChanges #%d: %v", i+1, err)
		}
	}
	n, err := s.CountEvents(ctx, "cal")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("CountEvents = %d, want 2", n)
	}
}

func TestApplyChanges_DeleteMissingIsNotError(t *testing.T) {
	s := openTestStore(t)
	if err := s.ApplyChanges(context.Background(), "cal", nil, nil, []string{"x", "y"}); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
}

func TestApplyChanges_NeverOverwritesNewerRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	newer := sampleEvent("a", baseTime.Add(time.Hour))
	newer.Title = "newer"
	if err := s.ApplyChanges(ctx, "cal", []model.Event{newer}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	older := sampleEvent("a", baseTime)
	older.Title = "older"
	if err := s.ApplyChanges(ctx, "cal", nil, []model.Event{older}, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	got, err := s.GetEventsByIDs(ctx, "cal", []string{"a"})
	if err != nil {
		t.Fatalf("GetEventsByIDs: %v", err)
	}
	if len(got) != 1 || got[0].Title != "newer" {
		t.Errorf("got %+v, want the newer row to survive", got)
	}
}

func TestApplyChanges_CalendarsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.ApplyChanges(ctx, "cal-1", []model.Event{sampleEvent("a", baseTime)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if err := s.ApplyChanges(ctx, "cal-2", nil, nil, []string{"a"}); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	n, _ := s.CountEvents(ctx, "cal-1")
	if n != 1 {
		t.Errorf("cal-1 count = %d, want 1 (delete in cal-2 must not leak)", n)
	}
}

func TestApplyChanges_ConcurrentCalendars(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cal := fmt.Sprintf("cal-%d", i%4)
			ev := sampleEvent(fmt.Sprintf("e-%d", i), baseTime)
			errs <- s.ApplyChanges(ctx, cal, []model.Event{ev}, nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ApplyChanges: %v", err)
		}
	}
	for i := range 4 {
		n, _ := s.CountEvents(ctx, fmt.Sprintf("cal-%d", i))
		if n != 2 {
			t.Errorf("cal-%d count = %d, want 2", i, n)
		}
	}
}

// --- Queries -----------------------------------------------------------------

func TestGetEventsByIDs_OnlyTouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var events []model.Event
	for i := range 5 {
		events = append(events, sampleEvent(fmt.Sprintf("e%d", i), baseTime))
	}
	if err := s.ApplyChanges(ctx, "cal", events, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	got, err := s.GetEventsByIDs(ctx, "cal", []string{"e1", "e3", "unknown"})
	if err != nil {
		t.Fatalf("GetEventsByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	none, err := s.GetEventsByIDs(ctx, "cal", nil)
	if err != nil || len(none) != 0 {
		t.Errorf("GetEventsByIDs(nil) = (%v, %v), want empty", none, err)
	}
}

func TestGetEventsByIDs_LargeIDList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, 1200)
	for i := range 1200 {
		ids = append(ids, fmt.Sprintf("id-%d", i))
	}
	if err := s.ApplyChanges(ctx, "cal", []model.Event{sampleEvent("id-1100", baseTime)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	got, err := s.GetEventsByIDs(ctx, "cal", ids)
	if err != nil {
		t.Fatalf("GetEventsByIDs: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestGetEventsByIDs_SkipsCorruptRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.ApplyChanges(ctx, "cal", []model.Event{sampleEvent("good", baseTime)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	_, err := s.db.Exec(`INSERT INTO calendar_events
		(calendar_id, event_id, start_time, end_time, event_data, last_modified)
		VALUES ('cal', 'bad', 0, 0, '{not json', 0)`)
	if err != nil {
		t.Fatalf("inserting corrupt row: %v", err)
	}

	got, err := s.GetEventsByIDs(ctx, "cal", []string{"good", "bad"})
	if err != nil {
		t.Fatalf("GetEventsByIDs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Errorf("got %+v, want only the readable row", got)
	}
}

func TestGetEventsByDateRangeMulti(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(id string, offset time.Duration) model.Event {
		e := sampleEvent(id, baseTime)
		e.Start = baseTime.Add(offset)
		e.End = e.Start.Add(time.Hour)
		return e
	}
	if err := s.ApplyChanges(ctx, "work", []model.Event{mk("w1", 48*time.Hour), mk("w2", 0)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
	if err := s.ApplyChanges(ctx, "home", []model.Event{mk("h1", 2*time.Hour), mk("h2", 30*24*time.Hour)}, nil, nil); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	got, err := s.GetEventsByDateRangeMulti(ctx, []string{"work", "home"}, baseTime, baseTime.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("GetEventsByDateRangeMulti: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	want := []string{"w2", "h1", "w1"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	single, err := s.GetEventsByDateRange(ctx, "home", baseTime, baseTime.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("GetEventsByDateRange: %v", err)
	}
	if len(single) != 1 || single[0].ID != "h1" {
		t.Errorf("single = %+v, want [h1]", single)
	}
}

// --- Sync state --------------------------------------------------------------

func TestSyncState_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetSyncState(ctx, "src")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if got != nil {
		t.Fatalf("GetSyncState before store = %+v, want nil", got)
	}

	for _, tok := range []string{"t1", "t2"} {
		if err := s.StoreSyncState(ctx, "src", model.Cursor{SyncToken: tok}); err != nil {
			t.Fatalf("StoreSyncState: %v", err)
		}
	}
	got, err = s.GetSyncState(ctx, "src")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if got == nil || got.SyncToken != "t2" {
		t.Errorf("GetSyncState = %+v, want t2", got)
	}

	states, err := s.ListSyncStates(ctx)
	if err != nil {
		t.Fatalf("ListSyncStates: %v", err)
	}
	if len(states) != 1 || states[0].UpdatedAt.IsZero() {
		t.Errorf("ListSyncStates = %+v, want one entry with timestamp", states)
	}
}
