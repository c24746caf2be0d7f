// Package google implements the sync source over the Google Calendar API.
// Incremental passes use the API's sync tokens as cursors.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/njoerd114/calrelay/internal/model"
)

// defaultPageSize is the maxResults sent with every list call.
const defaultPageSize = 250

// Source reads events from Google Calendar.
type Source struct {
	svc      *calendar.Service
	log      *slog.Logger
	pageSize int64
}

// New wraps an authenticated calendar service.
func New(svc *calendar.Service, logger *slog.Logger) *Source {
	return &Source{svc: svc, log: logger, pageSize: defaultPageSize}
}

// GetChanges lists the calendar from cursor, or in full when cursor is nil.
// Cancelled items are reported as deletions. Items that cannot be converted
// are logged and skipped.
func (s *Source) GetChanges(ctx context.Context, calendarID string, cursor *model.Cursor) (model.ChangeSet, error) {
	var (
		cs        model.ChangeSet
		pageToken string
		syncToken string
		pages     int
	)
	for {
		call := s.svc.Events.List(calendarID).MaxResults(s.pageSize).Context(ctx)
		if cursor != nil {
			call = call.SyncToken(cursor.SyncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if isGone(err) {
				return model.ChangeSet{}, fmt.Errorf("listing %q: %w", calendarID, model.ErrCursorExpired)
			}
			return model.ChangeSet{}, fmt.Errorf("listing %q: %w", calendarID, err)
		}
		pages++

		for _, item := range resp.Items {
			if item.Status == string(model.StatusCancelled) {
				cs.DeletedIDs = append(cs.DeletedIDs, item.Id)
				continue
			}
			e, err := s.convert(item, calendarID)
			if err != nil {
				s.log.Warn("skipping invalid event", "calendar_id", calendarID, "event_id", item.Id, "error", err)
				continue
			}
			cs.Upserted = append(cs.Upserted, e)
		}

		pageToken = resp.NextPageToken
		syncToken = resp.NextSyncToken
		if pageToken == "" {
			break
		}
	}

	if syncToken == "" {
		return model.ChangeSet{}, fmt.Errorf("calendar %q returned no sync token: %w", calendarID, model.ErrMissingCursor)
	}
	cs.NextCursor = &model.Cursor{SyncToken: syncToken}

	s.log.Debug("fetched changes",
		"calendar_id", calendarID,
		"incremental", cursor != nil,
		"pages", pages,
		"upserted", len(cs.Upserted),
		"deleted", len(cs.DeletedIDs),
	)
	return cs, nil
}

// GetEventsByIDs fetches each event individually. Missing, cancelled and
// unreadable events are skipped.
func (s *Source) GetEventsByIDs(ctx context.Context, calendarID string, ids []string) ([]model.Event, error) {
	var events []model.Event
	for _, id := range ids {
		item, err := s.svc.Events.Get(calendarID, id).Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("could not retrieve event", "calendar_id", calendarID, "event_id", id, "error", err)
			continue
		}
		if item.Status == string(model.StatusCancelled) {
			continue
		}
		e, err := s.convert(item, calendarID)
		if err != nil {
			s.log.Warn("skipping invalid event", "calendar_id", calendarID, "event_id", id, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// GetAllEvents is not offered by the source; replicate with GetChanges and
// read the sink instead.
func (s *Source) GetAllEvents(context.Context, string) ([]model.Event, error) {
	return nil, fmt.Errorf("google source: get all events: %w", errors.ErrUnsupported)
}

// GetEventsByDateRange lists expanded event instances overlapping [from, to].
func (s *Source) GetEventsByDateRange(ctx context.Context, calendarID string, from, to time.Time) ([]model.Event, error) {
	var (
		events    []model.Event
		pageToken string
	)
	for {
		call := s.svc.Events.List(calendarID).
			SingleEvents(true).
			OrderBy("startTime").
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			MaxResults(s.pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing %q between %s and %s: %w",
				calendarID, from.Format(time.RFC3339), to.Format(time.RFC3339), err)
		}
		for _, item := range resp.Items {
			if item.Status == string(model.StatusCancelled) {
				continue
			}
			e, err := s.convert(item, calendarID)
			if err != nil {
				s.log.Warn("skipping invalid event", "calendar_id", calendarID, "event_id", item.Id, "error", err)
				continue
			}
			events = append(events, e)
		}
		if pageToken = resp.NextPageToken; pageToken == "" {
			break
		}
	}
	return events, nil
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

// ListCalendars returns the calendars of the account, id to summary.
func (s *Source) ListCalendars(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, c := range page.Items {
			out[c.Id] = c.Summary
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}
	return out, nil
}

func (s *Source) convert(item *calendar.Event, calendarID string) (model.Event, error) {
	e, repaired, err := toEvent(item, calendarID)
	if err != nil {
		return model.Event{}, err
	}
	if repaired {
		s.log.Debug("repaired event end time", "calendar_id", calendarID, "event_id", e.ID)
	}
	return e, nil
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusGone
}
