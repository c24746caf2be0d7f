package google

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calrelay/internal/model"
)

const dateLayout = "2006-01-02"

// toEvent converts an API event resource. All-day events carry a date
// instead of a date-time and are pinned to UTC midnight.
func toEvent(item *calendar.Event, calendarID string) (model.Event, bool, error) {
	if item.Start == nil || item.End == nil {
		return model.Event{}, false, fmt.Errorf("%w: event %q: missing start or end", model.ErrInvalidEvent, item.Id)
	}
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("%w: event %q start: %v", model.ErrInvalidEvent, item.Id, err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("%w: event %q end: %v", model.ErrInvalidEvent, item.Id, err)
	}
	updated, err := time.Parse(time.RFC3339, item.Updated)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("%w: event %q updated: %v", model.ErrInvalidEvent, item.Id, err)
	}

	raw := model.Event{
		ID:           item.Id,
		CalendarID:   calendarID,
		Title:        item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		Start:        start,
		End:          end,
		AllDay:       allDay,
		Status:       model.EventStatus(item.Status),
		LastModified: updated.UTC(),
		ETag:         item.Etag,
	}
	if item.Organizer != nil {
		raw.Organizer = item.Organizer.Email
	}
	for _, a := range item.Attendees {
		if a == nil {
			continue
		}
		raw.Attendees = append(raw.Attendees, model.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: model.ResponseStatus(a.ResponseStatus),
		})
	}
	return model.NewEvent(raw)
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case t.DateTime != "":
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v.UTC(), false, err
	case t.Date != "":
		v, err := time.Parse(dateLayout, t.Date)
		return v, true, err
	default:
		return time.Time{}, false, fmt.Errorf("neither dateTime nor date set")
	}
}
