package emitter

import (
	"encoding/json"
	"fmt"
)

type EventType int

const (
	CallStart EventType = iota
	CallComplete
	CheckpointBegin
	CheckpointRestore
	CheckpointEnd
	// EventsDropped is synthesized by the emitter after an overflow
	EventsDropped
)

// Event is one record handed to the sink. It is immutable once emitted.
type Event struct {
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Timestamp int64     `json:"ts" msgpack:"ts"` // monotonic nanoseconds since process start
	Type      EventType `json:"type" msgpack:"type"`
	Symbol    string    `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	ThreadID  int       `json:"tid" msgpack:"tid"`
	ThreadSeq uint64    `json:"tseq,omitempty" msgpack:"tseq,omitempty"` // per-thread order
	CallID    uint64    `json:"call_id,omitempty" msgpack:"call_id,omitempty"`
	Depth     int       `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Nested    bool      `json:"nested,omitempty" msgpack:"nested,omitempty"`
	Args      []byte    `json:"args,omitempty" msgpack:"args,omitempty"`
	Return    *uint64   `json:"ret,omitempty" msgpack:"ret,omitempty"`
	DeviceID  int       `json:"device,omitempty" msgpack:"device,omitempty"`
	Detail    string    `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// String returns the string representation of the EventType
func (et EventType) String() string {
	switch et {
	case CallStart:
		return "CallStart"
	case CallComplete:
		return "CallComplete"
	case CheckpointBegin:
		return "CheckpointBegin"
	case CheckpointRestore:
		return "CheckpointRestore"
	case CheckpointEnd:
		return "CheckpointEnd"
	case EventsDropped:
		return "EventsDropped"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := CallStart; et <= EventsDropped; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// MarshalJSON encodes the event type by name.
func (et EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(et.String())
}

// UnmarshalJSON decodes an event type name.
func (et *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

// IsCall reports whether the event belongs to an intercepted call.
func (e *Event) IsCall() bool {
	return e.Type == CallStart || e.Type == CallComplete
}

// String formats the event as one line of a trace listing.
func (e Event) String() string {
	switch e.Type {
	case CallStart, CallComplete:
		s := fmt.Sprintf("[%d] %d tid=%d %s %s#%d", e.Seq, e.Timestamp, e.ThreadID, e.Type, e.Symbol, e.CallID)
		if e.Nested {
			s += fmt.Sprintf(" nested(depth=%d)", e.Depth)
		}
		if e.Return != nil {
			s += fmt.Sprintf(" ret=%d", *e.Return)
		}
		if e.Detail != "" {
			s += " " + e.Detail
		}
		return s
	default:
		return fmt.Sprintf("[%d] %d tid=%d %s device=%d %s", e.Seq, e.Timestamp, e.ThreadID, e.Type, e.DeviceID, e.Detail)
	}
}
