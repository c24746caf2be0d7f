// Package caldav implements the sync source over a CalDAV server. CalDAV has
// no portable change feed, so the cursor is a snapshot of event ETags and each
// pass diffs the server state against it.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/njoerd114/calrelay/internal/ics"
	"github.com/njoerd114/calrelay/internal/model"
)

// Config holds the server connection settings.
type Config struct {
	Endpoint string
	Username string
	Password string
}

// Source reads events from CalDAV calendars. Calendar ids are either a
// collection path ("/calendars/me/work/") or a display name resolved through
// principal discovery.
type Source struct {
	client *caldav.Client
	log    *slog.Logger

	mu    sync.Mutex
	paths map[string]string
}

// New connects to cfg.Endpoint with basic auth. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Source, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("caldav endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	client, err := caldav.NewClient(hc, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating caldav client: %w", err)
	}
	return &Source{client: client, log: logger, paths: make(map[string]string)}, nil
}

// ListCalendars discovers the calendars of the authenticated principal.
func (s *Source) ListCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := s.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding principal: %w", err)
	}
	homeSet, err := s.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("finding calendar home set: %w", err)
	}
	cals, err := s.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("finding calendars: %w", err)
	}
	return cals, nil
}

// GetChanges queries every VEVENT of the calendar, re-reads the ones whose
// ETag differs from the cursor snapshot and reports vanished UIDs as
// deletions.
func (s *Source) GetChanges(ctx context.Context, calendarID string, cursor *model.Cursor) (model.ChangeSet, error) {
	prev, err := decodeCursor(cursor)
	if err != nil {
		return model.ChangeSet{}, fmt.Errorf("calendar %q: %w", calendarID, err)
	}
	objects, err := s.query(ctx, calendarID, time.Time{}, time.Time{})
	if err != nil {
		return model.ChangeSet{}, err
	}

	cs, err := s.diff(calendarID, prev, objects)
	if err != nil {
		return model.ChangeSet{}, err
	}
	s.log.Debug("fetched changes",
		"calendar_id", calendarID,
		"incremental", prev != nil,
		"objects", len(objects),
		"upserted", len(cs.Upserted),
		"deleted", len(cs.DeletedIDs),
	)
	return cs, nil
}

// diff builds the change-set of objects against prev. A nil prev yields every
// event as an upsert and no deletions.
func (s *Source) diff(calendarID string, prev snapshot, objects []caldav.CalendarObject) (model.ChangeSet, error) {
	var cs model.ChangeSet
	next := make(snapshot, len(objects))
	for _, obj := range objects {
		for _, comp := range masterEvents(obj) {
			uid := uidOf(comp)
			if uid == "" {
				s.log.Warn("skipping event without UID", "calendar_id", calendarID, "path", obj.Path)
				continue
			}
			// Recorded even when conversion fails so a broken object is not
			// reported as deleted.
			next[uid] = obj.ETag
			if !prev.changed(uid, obj.ETag) {
				continue
			}
			e, err := toEvent(comp, obj, calendarID)
			if err != nil {
				s.log.Warn("skipping invalid event", "calendar_id", calendarID, "path", obj.Path, "error", err)
				continue
			}
			cs.Upserted = append(cs.Upserted, e)
		}
	}
	if prev != nil {
		cs.DeletedIDs = removed(prev, next)
	}

	c, err := encodeCursor(next)
	if err != nil {
		return model.ChangeSet{}, err
	}
	cs.NextCursor = &c
	return cs, nil
}

// GetEventsByIDs reads the whole calendar and keeps the requested UIDs.
func (s *Source) GetEventsByIDs(ctx context.Context, calendarID string, ids []string) ([]model.Event, error) {
	all, err := s.GetAllEvents(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(e model.Event) bool { return !slices.Contains(ids, e.ID) }), nil
}

// GetAllEvents returns every valid event of the calendar.
func (s *Source) GetAllEvents(ctx context.Context, calendarID string) ([]model.Event, error) {
	return s.events(ctx, calendarID, time.Time{}, time.Time{})
}

// GetEventsByDateRange returns the events overlapping [from, to] using a
// server-side time-range filter.
func (s *Source) GetEventsByDateRange(ctx context.Context, calendarID string, from, to time.Time) ([]model.Event, error) {
	return s.events(ctx, calendarID, from, to)
}

// GetEventsByDateRangeMulti merges several calendars ordered by start time.
// Calendars that fail are logged and left out.
func (s *Source) GetEventsByDateRangeMulti(ctx context.Context, calendarIDs []string, from, to time.Time) ([]model.Event, error) {
	var all []model.Event
	for _, id := range calendarIDs {
		events, err := s.GetEventsByDateRange(ctx, id, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("failed to fetch calendar", "calendar_id", id, "error", err)
			continue
		}
		all = append(all, events...)
	}
	slices.SortStableFunc(all, func(a, b model.Event) int { return a.Start.Compare(b.Start) })
	return all, nil
}

func (s *Source) events(ctx context.Context, calendarID string, from, to time.Time) ([]model.Event, error) {
	objects, err := s.query(ctx, calendarID, from, to)
	if err != nil {
		return nil, err
	}
	var out []model.Event
	for _, obj := range objects {
		for _, comp := range masterEvents(obj) {
			e, err := toEvent(comp, obj, calendarID)
			if err != nil {
				s.log.Warn("skipping invalid event", "calendar_id", calendarID, "path", obj.Path, "error", err)
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Source) query(ctx context.Context, calendarID string, from, to time.Time) ([]caldav.CalendarObject, error) {
	path, err := s.resolve(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	q := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: from, End: to}},
		},
	}
	objects, err := s.client.QueryCalendar(ctx, path, q)
	if err != nil {
		return nil, fmt.Errorf("querying calendar %q: %w", calendarID, err)
	}
	return objects, nil
}

// resolve maps a calendar id to its collection path, caching discovery.
func (s *Source) resolve(ctx context.Context, calendarID string) (string, error) {
	if strings.HasPrefix(calendarID, "/") {
		return calendarID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[calendarID]; ok {
		return p, nil
	}
	cals, err := s.ListCalendars(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range cals {
		s.paths[c.Name] = c.Path
	}
	p, ok := s.paths[calendarID]
	if !ok {
		return "", fmt.Errorf("no calendar named %q", calendarID)
	}
	return p, nil
}

// masterEvents returns the VEVENTs of an object, leaving out recurrence
// overrides.
func masterEvents(obj caldav.CalendarObject) []*ical.Component {
	if obj.Data == nil {
		return nil
	}
	var out []*ical.Component
	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent || child.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		out = append(out, child)
	}
	return out
}

func uidOf(comp *ical.Component) string {
	p := comp.Props.Get(ical.PropUID)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// toEvent converts a VEVENT. The object's modification time stands in for a
// missing LAST-MODIFIED and the object ETag replaces any embedded one.
func toEvent(comp *ical.Component, obj caldav.CalendarObject, calendarID string) (model.Event, error) {
	if comp.Props.Get(ical.PropLastModified) == nil && comp.Props.Get(ical.PropDateTimeStamp) == nil && !obj.ModTime.IsZero() {
		comp.Props.SetDateTime(ical.PropLastModified, obj.ModTime.UTC())
	}
	e, err := ics.FromComponent(comp, calendarID)
	if err != nil {
		return model.Event{}, err
	}
	e.CalendarID = calendarID
	if obj.ETag != "" {
		e.ETag = obj.ETag
	}
	return e, nil
}
