package stream

import (
	"encoding/json"
	"fmt"

	"github.com/fako1024/labscale/pkg/scale"
)

// EventType denotes the type of a stream event
type EventType int

const (

	// EventReading carries a weight reading and the window's stability verdict
	EventReading EventType = iota

	// EventError carries a failed poll
	EventError

	// EventStopped is the last event of every session
	EventStopped
)

// String returns the name of the event type
func (t EventType) String() string {
	switch t {
	case EventReading:
		return "reading"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ErrorKind classifies a failed poll
type ErrorKind int

const (

	// ErrorDisconnected denotes a missing or lost connection to the balance.
	// Consumers should offer manual entry while these persist.
	ErrorDisconnected ErrorKind = iota

	// ErrorTransient denotes a failed poll on a working connection (e.g. an
	// instrument fault or an uninterpretable response)
	ErrorTransient
)

// String returns the name of the error kind
func (k ErrorKind) String() string {
	switch k {
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTransient:
		return "transient"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PollError describes a failed poll
type PollError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Fault holds the fault code reported by the instrument, if any
	Fault string `json:"fault,omitempty"`
}

// Event denotes a single element of a weight stream
type Event struct {
	Type EventType `json:"type"`

	Value float64    `json:"value"`
	Unit  scale.Unit `json:"unit,omitempty"`

	// Stable is the stability verdict of the session's window
	Stable bool `json:"stable"`

	// InstrumentStable is the balance's own flag for this single sample
	InstrumentStable bool `json:"instrument_stable"`

	Error *PollError `json:"error,omitempty"`
}

// Acceptable returns if the event is a reading that may be latched by a consumer
func (e Event) Acceptable() bool {
	return e.Type == EventReading && e.Stable
}

// JSON returns the JSON encoding of the event
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
