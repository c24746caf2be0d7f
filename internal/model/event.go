// Package model defines the calendar event, cursor and change-set types shared
// by the source adapters, the transfer layer, the sink store and the sync
// engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent marks a single malformed record. Callers skip the record and
// carry on with the rest of the batch.
var ErrInvalidEvent = errors.New("invalid event")

// DefaultDuration is applied when a source reports an end time that does not
// follow the start time.
const DefaultDuration = time.Hour

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// ParseEventStatus maps a wire value onto an EventStatus. An empty string
// yields StatusConfirmed.
func ParseEventStatus(s string) (EventStatus, error) {
	switch EventStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusConfirmed:
		return StatusConfirmed, nil
	case StatusTentative:
		return StatusTentative, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, s)
	}
}

// ResponseStatus is an attendee's reply to an invitation.
type ResponseStatus string

const (
	ResponseNeedsAction ResponseStatus = "needsAction"
	ResponseDeclined    ResponseStatus = "declined"
	ResponseTentative   ResponseStatus = "tentative"
	ResponseAccepted    ResponseStatus = "accepted"
)

// ParseResponseStatus maps a wire value onto a ResponseStatus. Matching is
// case-insensitive so iCalendar PARTSTAT values ("NEEDS-ACTION") and Google
// values ("needsAction") both parse. An empty string yields ResponseNeedsAction.
func ParseResponseStatus(s string) (ResponseStatus, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "")
	switch norm {
	case "", "needsaction":
		return ResponseNeedsAction, nil
	case "declined":
		return ResponseDeclined, nil
	case "tentative":
		return ResponseTentative, nil
	case "accepted":
		return ResponseAccepted, nil
	default:
		return "", fmt.Errorf("%w: unknown response status %q", ErrInvalidEvent, s)
	}
}

// Attendee is a participant of an event.
type Attendee struct {
	Email          string         `json:"email"`
	DisplayName    string         `json:"display_name,omitempty"`
	ResponseStatus ResponseStatus `json:"response_status"`
}

// Event is the normalised calendar entry exchanged between sources, blobs and
// the sink. Events are values: a newer version supersedes an older one by ID.
type Event struct {
	// ID is unique within CalendarID.
	ID string `json:"id"`

	// CalendarID names the calendar the event belongs to.
	CalendarID string `json:"calendar_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Organizer   string `json:"organizer,omitempty"`

	Start  time.Time `json:"start_time"`
	End    time.Time `json:"end_time"`
	AllDay bool      `json:"all_day"`

	Status    EventStatus `json:"status"`
	Attendees []Attendee  `json:"attendees,omitempty"`

	// LastModified drives last-writer-wins ordering between source and sink.
	LastModified time.Time `json:"last_modified"`

	// ETag is the source's version tag. Sources without one get ContentHash.
	ETag string `json:"etag,omitempty"`
}

// NewEvent validates e and returns its normalised form. Every adapter builds
// events through this function, as does the sink when it reads rows back.
//
// The returned bool reports whether the end time had to be repaired.
func NewEvent(e Event) (Event, bool, error) {
	e.ID = strings.TrimSpace(e.ID)
	e.CalendarID = strings.TrimSpace(e.CalendarID)
	if e.ID == "" {
		return Event{}, false, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.CalendarID == "" {
		return Event{}, false, fmt.Errorf("%w: event %q: missing calendar id", ErrInvalidEvent, e.ID)
	}
	if e.Start.IsZero() {
		return Event{}, false, fmt.Errorf("%w: event %q: missing start time", ErrInvalidEvent, e.ID)
	}
	if e.LastModified.IsZero() {
		return Event{}, false, fmt.Errorf("%w: event %q: missing last_modified", ErrInvalidEvent, e.ID)
	}

	status, err := ParseEventStatus(string(e.Status))
	if err != nil {
		return Event{}, false, fmt.Errorf("event %q: %w", e.ID, err)
	}
	e.Status = status

	if len(e.Attendees) > 0 {
		attendees := make([]Attendee, 0, len(e.Attendees))
		for _, a := range e.Attendees {
			rs, err := ParseResponseStatus(string(a.ResponseStatus))
			if err != nil {
				return Event{}, false, fmt.Errorf("event %q attendee %q: %w", e.ID, a.Email, err)
			}
			a.Email = strings.TrimSpace(a.Email)
			a.ResponseStatus = rs
			attendees = append(attendees, a)
		}
		e.Attendees = attendees
	}

	e.Title = strings.TrimSpace(e.Title)

	repaired := false
	if !e.End.After(e.Start) {
		e.End = e.Start.Add(DefaultDuration)
		repaired = true
	}

	if e.ETag == "" {
		e.ETag = e.ContentHash()
	}
	return e, repaired, nil
}

// ContentHash returns a deterministic SHA-256 hex digest of the user-visible
// fields. LastModified and ETag are excluded.
func (e *Event) ContentHash() string {
	h := sha256.New()
	for _, s := range []string{e.ID, e.CalendarID, e.Title, e.Description, e.Location, e.Organizer} {
		h.Write([]byte(s))
		h.Write([]byte("|"))
	}
	h.Write([]byte(e.Start.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write([]byte(e.End.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%t|%s", e.AllDay, e.Status)
	for _, a := range e.Attendees {
		_, _ = fmt.Fprintf(h, "|%s;%s;%s", a.Email, a.DisplayName, a.ResponseStatus)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventIDs returns the IDs of events in order.
func EventIDs(events []Event) []string {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}
