package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/njoerd114/calrelay/internal/blob"
	"github.com/njoerd114/calrelay/internal/model"
)

// --- Mock Source -------------------------------------------------------------

// mockSource replays scripted responses in order. When the script runs out
// it returns an empty change-set with a fresh cursor.
type mockSource struct {
	mu      sync.Mutex
	script  []sourceReply
	cursors []*model.Cursor
	calls   int
}

type sourceReply struct {
	changes model.ChangeSet
	err     error
}

func newMockSource(replies ...sourceReply) *mockSource {
	return &mockSource{script: replies}
}

func (m *mockSource) GetChanges(_ context.Context, _ string, cursor *model.Cursor) (model.ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if cursor != nil {
		cp := *cursor
		cursor = &cp
	}
	m.cursors = append(m.cursors, cursor)

	if len(m.script) == 0 {
		return model.ChangeSet{NextCursor: &model.Cursor{SyncToken: fmt.Sprintf("auto-%d", m.calls)}}, nil
	}
	r := m.script[0]
	m.script = m.script[1:]
	return r.changes, r.err
}

func (m *mockSource) receivedCursors() []*model.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cursors)
}

// --- Mock Sink ---------------------------------------------------------------

type applyCall struct {
	calendarID string
	creates    []model.Event
	updates    []model.Event
	deletes    []string
}

type mockSink struct {
	mu      sync.Mutex
	events  map[string]map[string]model.Event // calendar -> id -> event
	cursors map[string]model.Cursor

	applies        []applyCall
	lookups        [][]string
	syncStateReads int

	applyErr error
	storeErr error
}

func newMockSink() *mockSink {
	return &mockSink{
		events:  make(map[string]map[string]model.Event),
		cursors: make(map[string]model.Cursor),
	}
}

func (m *mockSink) seed(calendarID string, events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[calendarID] == nil {
		m.events[calendarID] = make(map[string]model.Event)
	}
	for _, e := range events {
		m.events[calendarID][e.ID] = e
	}
}

func (m *mockSink) GetEventsByIDs(_ context.Context, calendarID string, ids []string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, slices.Clone(ids))

	var out []model.Event
	for _, id := range ids {
		if e, ok := m.events[calendarID][id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockSink) ApplyChanges(_ context.Context, calendarID string, creates, updates []model.Event, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applies = append(m.applies, applyCall{calendarID, slices.Clone(creates), slices.Clone(updates), slices.Clone(deletes)})

	if m.events[calendarID] == nil {
		m.events[calendarID] = make(map[string]model.Event)
	}
	for _, e := range append(slices.Clone(creates), updates...) {
		m.events[calendarID][e.ID] = e
	}
	for _, id := range deletes {
		delete(m.events[calendarID], id)
	}
	return nil
}

func (m *mockSink) GetSyncState(_ context.Context, sourceCalendarID string) (*model.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncStateReads++
	c, ok := m.cursors[sourceCalendarID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockSink) StoreSyncState(_ context.Context, sourceCalendarID string, cursor model.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.cursors[sourceCalendarID] = cursor
	return nil
}

func (m *mockSink) cursor(sourceCalendarID string) (model.Cursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[sourceCalendarID]
	return c, ok
}

func (m *mockSink) event(calendarID, id string) (model.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[calendarID][id]
	return e, ok
}

func (m *mockSink) count(calendarID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[calendarID])
}

// --- Mock Transfer -----------------------------------------------------------

type mockTransfer struct {
	mu        sync.Mutex
	blobs     map[string][]model.Event
	fetched   []string
	discarded []string
}

func newMockTransfer() *mockTransfer {
	return &mockTransfer{blobs: make(map[string][]model.Event)}
}

func (m *mockTransfer) put(fileID string, events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[fileID] = events
}

func (m *mockTransfer) Fetch(_ context.Context, fileID string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = append(m.fetched, fileID)
	events, ok := m.blobs[fileID]
	if !ok {
		return nil, fmt.Errorf("downloading %q: %w", fileID, blob.ErrNotFound)
	}
	return slices.Clone(events), nil
}

func (m *mockTransfer) Discard(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, fileID)
	delete(m.blobs, fileID)
	return nil
}
