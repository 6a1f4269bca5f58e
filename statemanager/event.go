package statemanager

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned for event payloads that cannot be applied
var ErrMalformedEvent = errors.New("malformed operation event")

// EventKind is the discriminant of an operation event
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventStatus    EventKind = "status"
	EventWarning   EventKind = "warning"
	EventError     EventKind = "error"
	EventCompleted EventKind = "completed"
)

// IsTerminal returns true for kinds that end an operation run.
func (k EventKind) IsTerminal() bool {
	return k == EventError || k == EventCompleted
}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventStarted, EventProgress, EventStatus, EventWarning, EventError, EventCompleted:
		return true
	}
	return false
}

// ParseEventKind matches a tag case-insensitively ("Started", "started").
func ParseEventKind(tag string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(tag)))
	return k, k.Valid()
}

// OperationEvent is one notification from the backend. Which payload field is
// meaningful depends on Kind: Operation for started, Progress for progress,
// Message for status, warning and error.
type OperationEvent struct {
	Key       OperationKey
	Kind      EventKind
	Operation OperationKind
	Progress  Progress
	Message   string
}

// Validate checks that the event can be applied.
func (e OperationEvent) Validate() error {
	if e.Key.SourceURL == "" || e.Key.DestinationPath == "" {
		return fmt.Errorf("%w: incomplete key %+v", ErrMalformedEvent, e.Key)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	if e.Kind == EventProgress && (e.Progress.Current < 0 || e.Progress.Total < 0) {
		return fmt.Errorf("%w: negative progress %d/%d", ErrMalformedEvent, e.Progress.Current, e.Progress.Total)
	}
	return nil
}

type wireEvent struct {
	Key   OperationKey    `json:"key"`
	Event json.RawMessage `json:"event"`
}

// MarshalJSON encodes the canonical externally tagged form.
func (e OperationEvent) MarshalJSON() ([]byte, error) {
	var body interface{}
	switch e.Kind {
	case EventStarted:
		started := map[string]OperationKind{}
		if e.Operation != "" {
			started["operation"] = e.Operation
		}
		body = map[string]interface{}{"started": started}
	case EventProgress:
		body = map[string]Progress{"progress": e.Progress}
	case EventStatus, EventWarning, EventError:
		body = map[string]string{string(e.Kind): e.Message}
	case EventCompleted:
		body = string(EventCompleted)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Key: e.Key, Event: raw})
}

// UnmarshalJSON decodes an event in either tag casing. The bare string form
// is only accepted for completed, the one kind without a payload.
func (e *OperationEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := OperationEvent{Key: w.Key}
	if err := decodeEventBody(w.Event, &ev); err != nil {
		return err
	}
	*e = ev
	return nil
}

// DecodeEvent parses and validates a raw wire event.
func DecodeEvent(data []byte) (OperationEvent, error) {
	var ev OperationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		if !errors.Is(err, ErrMalformedEvent) {
			err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return OperationEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return OperationEvent{}, err
	}
	return ev, nil
}

func decodeEventBody(raw json.RawMessage, ev *OperationEvent) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: missing event", ErrMalformedEvent)
	}

	if raw[0] == '"' {
		var tag string
		if err := json.Unmarshal(raw, &tag); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		kind, ok := ParseEventKind(tag)
		if !ok {
			return fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, tag)
		}
		if kind != EventCompleted {
			return fmt.Errorf("%w: %s requires a payload", ErrMalformedEvent, kind)
		}
		ev.Kind = kind
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(fields) != 1 {
		return fmt.Errorf("%w: expected exactly one event tag, got %d", ErrMalformedEvent, len(fields))
	}

	for tag, body := range fields {
		kind, ok := ParseEventKind(tag)
		if !ok {
			return fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, tag)
		}
		ev.Kind = kind

		switch kind {
		case EventStarted:
			var p struct {
				Operation string `json:"operation"`
			}
			if err := json.Unmarshal(body, &p); err != nil {
				return fmt.Errorf("%w: started: %v", ErrMalformedEvent, err)
			}
			ev.Operation = ParseOperationKind(p.Operation)
		case EventProgress:
			var p struct {
				Current *int `json:"current"`
				Total   *int `json:"total"`
			}
			if err := json.Unmarshal(body, &p); err != nil {
				return fmt.Errorf("%w: progress: %v", ErrMalformedEvent, err)
			}
			if p.Current == nil || p.Total == nil {
				return fmt.Errorf("%w: progress requires current and total", ErrMalformedEvent)
			}
			ev.Progress = Progress{Current: *p.Current, Total: *p.Total}
		case EventStatus, EventWarning, EventError:
			if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
				return fmt.Errorf("%w: %s requires a message", ErrMalformedEvent, kind)
			}
			if err := json.Unmarshal(body, &ev.Message); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, kind, err)
			}
		case EventCompleted:
			// payload ignored
		}
	}
	return nil
}
