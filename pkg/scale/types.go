package scale

import (
	"fmt"
	"time"
)

// Unit denotes the unit of the weight measurement as reported by the balance
type Unit string

const (

	// UnitUnknown denotes an unknown / invalid unit
	UnitUnknown Unit = "--"

	// UnitGrams denotes grams
	UnitGrams Unit = "g"

	// UnitMilligrams denotes milligrams
	UnitMilligrams Unit = "mg"
)

// State denotes a connection state
type State int32

const (

	// StateDisabled is active if no balance is configured. It is terminal.
	StateDisabled State = iota

	// StateDisconnected is active while no connection to the balance is established
	StateDisconnected

	// StateConnected is active while being connected to the balance
	StateConnected
)

// String returns the lower-case name of the state
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionStatus denotes the current status of the balance connection
type ConnectionStatus struct {
	State

	// Host / Port are set for a balance on the network, Device for a
	// balance attached to a serial port (all empty while disabled)
	Host   string
	Port   int
	Device string

	// Error holds the last connection-level error, if any
	Error error

	// RoundTrip is the duration of the last successful exchange
	RoundTrip time.Duration
}

// ManualEntry returns if a consumer should offer manual weight entry instead
// of relying on the balance
func (c ConnectionStatus) ManualEntry() bool {
	return c.State != StateConnected
}

// Reading denotes a single weight measurement as reported by the balance
type Reading struct {
	TimeStamp time.Time
	Unit      Unit
	Weight    float64

	// Stable is the instrument's own per-sample stability flag
	Stable bool

	// Raw is the response line the reading was decoded from
	Raw string
}

// Value provides a method to retrieve the current value (for interface use)
func (r Reading) Value() float64 {
	return r.Weight
}
