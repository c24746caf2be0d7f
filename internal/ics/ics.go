// Package ics converts between iCalendar VEVENT components and [model.Event].
package ics

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	// PropCalendarID carries model.Event.CalendarID across a round trip.
	PropCalendarID = "X-CALRELAY-CALENDAR-ID"
	// PropETag carries model.Event.ETag across a round trip.
	PropETag = "X-CALRELAY-ETAG"
	// PropLastModifiedExact, PropStartExact and PropEndExact carry the
	// RFC 3339 instants with sub-second precision, which DATE-TIME values drop.
	PropLastModifiedExact = "X-CALRELAY-LAST-MODIFIED"
	PropStartExact        = "X-CALRELAY-DTSTART"
	PropEndExact          = "X-CALRELAY-DTEND"

	productID = "-//calrelay//EN"
)

// NewCalendar returns an empty VCALENDAR with the mandatory properties set.
func NewCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// ToComponent converts an event to a VEVENT. Times are written in UTC; all-day
// events use DATE values.
func ToComponent(e model.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.ID)
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, e.LastModified.UTC())
	ve.Props.SetDateTime(ical.PropLastModified, e.LastModified.UTC())
	if e.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, e.Start.UTC())
		ve.Props.SetDate(ical.PropDateTimeEnd, e.End.UTC())
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
		setExact(ve, PropStartExact, e.Start)
		setExact(ve, PropEndExact, e.End)
	}
	setExact(ve, PropLastModifiedExact, e.LastModified)
	ve.Props.SetText(ical.PropStatus, strings.ToUpper(string(e.Status)))
	ve.Props.SetText(PropCalendarID, e.CalendarID)
	if e.ETag != "" {
		ve.Props.SetText(PropETag, e.ETag)
	}

	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Organizer != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + e.Organizer
		ve.Props.Set(p)
	}
	for _, a := range e.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a.Email
		if a.DisplayName != "" {
			p.Params.Set(ical.ParamCommonName, a.DisplayName)
		}
		p.Params.Set(ical.ParamParticipationStatus, partStat(a.ResponseStatus))
		ve.Props.Add(p)
	}
	return ve
}

// FromComponent converts a VEVENT to a validated event. calendarID is used
// when the component does not carry PropCalendarID.
func FromComponent(comp *ical.Component, calendarID string) (model.Event, error) {
	if comp.Name != ical.CompEvent {
		return model.Event{}, fmt.Errorf("%w: component %s is not a VEVENT", model.ErrInvalidEvent, comp.Name)
	}
	ev := ical.Event{Component: comp}

	raw := model.Event{
		ID:          text(comp, ical.PropUID),
		CalendarID:  text(comp, PropCalendarID),
		Title:       text(comp, ical.PropSummary),
		Description: text(comp, ical.PropDescription),
		Location:    text(comp, ical.PropLocation),
		Organizer:   mailbox(comp.Props.Get(ical.PropOrganizer)),
		Status:      model.EventStatus(text(comp, ical.PropStatus)),
		ETag:        text(comp, PropETag),
	}
	if raw.CalendarID == "" {
		raw.CalendarID = calendarID
	}

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: event %q: DTSTART: %v", model.ErrInvalidEvent, raw.ID, err)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: event %q: DTEND: %v", model.ErrInvalidEvent, raw.ID, err)
	}
	raw.Start, raw.End = start, end
	raw.AllDay = isDate(comp.Props.Get(ical.PropDateTimeStart))
	if !raw.AllDay {
		raw.Start = exact(comp, PropStartExact, raw.Start)
		raw.End = exact(comp, PropEndExact, raw.End)
	}

	raw.LastModified, err = lastModified(comp)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: event %q: %v", model.ErrInvalidEvent, raw.ID, err)
	}

	for _, p := range comp.Props.Values(ical.PropAttendee) {
		raw.Attendees = append(raw.Attendees, model.Attendee{
			Email:          mailbox(&p),
			DisplayName:    p.Params.Get(ical.ParamCommonName),
			ResponseStatus: responseStatus(p.Params.Get(ical.ParamParticipationStatus)),
		})
	}

	e, _, err := model.NewEvent(raw)
	return e, err
}

// Encode writes events as a single VCALENDAR.
func Encode(w io.Writer, events []model.Event) error {
	cal := NewCalendar()
	for i := range events {
		cal.Children = append(cal.Children, ToComponent(events[i]))
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}
	return nil
}

// Decode reads every VCALENDAR in r. Events that fail conversion are returned
// in rejected instead of failing the whole stream.
func Decode(r io.Reader, calendarID string) (events []model.Event, rejected []error, err error) {
	dec := ical.NewDecoder(r)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decoding calendar: %w", err)
		}
		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			e, err := FromComponent(child, calendarID)
			if err != nil {
				rejected = append(rejected, err)
				continue
			}
			events = append(events, e)
		}
	}
	return events, rejected, nil
}

// --- helpers -----------------------------------------------------------------

func text(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		return p.Value
	}
	return s
}

func mailbox(p *ical.Prop) string {
	if p == nil {
		return ""
	}
	v := strings.TrimSpace(p.Value)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return v
}

func isDate(p *ical.Prop) bool {
	if p == nil {
		return false
	}
	return strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) || len(p.Value) == len("20060102")
}

// setExact records t only when it has a sub-second part.
func setExact(comp *ical.Component, name string, t time.Time) {
	if t.Nanosecond() == 0 {
		return
	}
	comp.Props.SetText(name, t.UTC().Format(time.RFC3339Nano))
}

// exact returns the instant stored in name when it agrees with fallback to
// the second, and fallback otherwise.
func exact(comp *ical.Component, name string, fallback time.Time) time.Time {
	v := text(comp, name)
	if v == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || !t.Truncate(time.Second).Equal(fallback.Truncate(time.Second)) {
		return fallback
	}
	return t.UTC()
}

func lastModified(comp *ical.Component) (time.Time, error) {
	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			return exact(comp, PropLastModifiedExact, t), nil
		}
	}
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		p := comp.Props.Get(name)
		if p == nil {
			continue
		}
		t, err := p.DateTime(time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", name, err)
		}
		return t, nil
	}
	return time.Time{}, errors.New("no LAST-MODIFIED or DTSTAMP")
}

func partStat(rs model.ResponseStatus) string {
	switch rs {
	case model.ResponseAccepted:
		return "ACCEPTED"
	case model.ResponseDeclined:
		return "DECLINED"
	case model.ResponseTentative:
		return "TENTATIVE"
	default:
		return "NEEDS-ACTION"
	}
}

// responseStatus maps PARTSTAT. Values without a model equivalent
// (DELEGATED, COMPLETED, ...) become needsAction.
func responseStatus(v string) model.ResponseStatus {
	rs, err := model.ParseResponseStatus(v)
	if err != nil {
		return model.ResponseNeedsAction
	}
	return rs
}
