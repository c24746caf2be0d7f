package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njoerd114/calrelay/internal/ics"
	"github.com/njoerd114/calrelay/internal/model"
)

// Batch is the result of decoding a blob. Records that failed validation are
// listed in Rejected; the rest of the batch is still usable.
type Batch struct {
	Events   []model.Event
	Rejected []error
}

// Codec serialises a list of events to a self-describing payload.
type Codec interface {
	ContentType() string
	Extension() string
	Encode(events []model.Event) ([]byte, error)
	Decode(data []byte) (Batch, error)
}

// CodecFor returns the codec registered under name ("json" or "ics").
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "ics", "ical", "icalendar":
		return ICSCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown transfer format %q", name)
	}
}

// sniff picks the codec matching a payload regardless of how it was written.
func sniff(data []byte) Codec {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("BEGIN:VCALENDAR")) {
		return ICSCodec{}
	}
	return JSONCodec{}
}

// --- JSON --------------------------------------------------------------------

// JSONCodec writes a JSON array of events.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }
func (JSONCodec) Extension() string   { return ".json" }

func (JSONCodec) Encode(events []model.Event) ([]byte, error) {
	if events == nil {
		events = []model.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encoding events: %w", err)
	}
	return data, nil
}

// Decode validates each array element on its own.
func (JSONCodec) Decode(data []byte) (Batch, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return Batch{}, fmt.Errorf("decoding event list: %w", err)
	}
	var b Batch
	for i, rec := range records {
		var raw model.Event
		if err := json.Unmarshal(rec, &raw); err != nil {
			b.Rejected = append(b.Rejected, fmt.Errorf("%w: record %d: %v", model.ErrInvalidEvent, i, err))
			continue
		}
		e, _, err := model.NewEvent(raw)
		if err != nil {
			b.Rejected = append(b.Rejected, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		b.Events = append(b.Events, e)
	}
	return b, nil
}

// --- iCalendar ---------------------------------------------------------------

// ICSCodec writes a single VCALENDAR holding one VEVENT per event.
type ICSCodec struct{}

func (ICSCodec) ContentType() string { return "text/calendar" }
func (ICSCodec) Extension() string   { return ".ics" }

func (ICSCodec) Encode(events []model.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := ics.Encode(&buf, events); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ICSCodec) Decode(data []byte) (Batch, error) {
	events, rejected, err := ics.Decode(bytes.NewReader(data), "")
	if err != nil {
		return Batch{}, err
	}
	return Batch{Events: events, Rejected: rejected}, nil
}
