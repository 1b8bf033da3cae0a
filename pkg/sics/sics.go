// Package sics implements encoding and decoding of the line based command set
// spoken by the laboratory balance (an MT-SICS dialect). All functions are
// pure and perform no I/O.
package sics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fako1024/labscale/pkg/scale"
)

const (

	// Terminator terminates every command and response line
	Terminator = "\r\n"

	// CmdImmediateWeight requests the current weight regardless of stability
	CmdImmediateWeight = "SI"

	responseWeight = "S"

	statusStable  = "S"
	statusDynamic = "D"
)

// Transmission / syntax error tokens sent in place of a response identifier
const (
	TokenSyntaxError       = "ES"
	TokenTransmissionError = "ET"
	TokenLogicalError      = "EL"
)

// Fault denotes a status character by which the balance reports that it cannot
// provide a weight value
type Fault byte

const (

	// FaultIndeterminate denotes a busy / indeterminate balance (e.g. while taring)
	FaultIndeterminate Fault = 'I'

	// FaultOverload denotes a load above the weighing range
	FaultOverload Fault = '+'

	// FaultUnderload denotes a load below the weighing range
	FaultUnderload Fault = '-'

	// FaultUnderrange denotes a value below the minimum display range
	FaultUnderrange Fault = 'L'

	// FaultInternal denotes an internal instrument error
	FaultInternal Fault = 'E'
)

// String returns a human readable description of the fault
func (f Fault) String() string {
	switch f {
	case FaultIndeterminate:
		return "indeterminate"
	case FaultOverload:
		return "overload"
	case FaultUnderload:
		return "underload"
	case FaultUnderrange:
		return "underrange"
	case FaultInternal:
		return "instrument error"
	}
	return fmt.Sprintf("unknown fault %q", byte(f))
}

var (

	// ErrMalformed is matched by all errors caused by uninterpretable lines
	ErrMalformed = errors.New("malformed response")

	// ErrTransmission is matched by all transmission / syntax errors reported by the balance
	ErrTransmission = errors.New("transmission error")

	// ErrInstrumentFault is matched by all faults reported by the balance
	ErrInstrumentFault = errors.New("instrument fault")
)

// MalformedError denotes a response line that does not match the grammar
type MalformedError struct {
	Line   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s (%s): %q", ErrMalformed, e.Reason, e.Line)
}

// Is allows matching against ErrMalformed
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// TransmissionError denotes a transmission or syntax error reported by the balance
type TransmissionError struct {
	Token string
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("%s reported by balance: %s", ErrTransmission, e.Token)
}

// Is allows matching against ErrTransmission
func (e *TransmissionError) Is(target error) bool {
	return target == ErrTransmission
}

// FaultError denotes a fault condition reported by the balance
type FaultError struct {
	Code Fault
	Line string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInstrumentFault, e.Code)
}

// Is allows matching against ErrInstrumentFault
func (e *FaultError) Is(target error) bool {
	return target == ErrInstrumentFault
}

// EncodeCommand builds a command line from a bare command
func EncodeCommand(cmd string) ([]byte, error) {
	if cmd == "" {
		return nil, fmt.Errorf("empty command")
	}
	for i := 0; i < len(cmd); i++ {
		if cmd[i] < 0x20 || cmd[i] > 0x7e {
			return nil, fmt.Errorf("invalid character %q in command %q", cmd[i], cmd)
		}
	}

	return []byte(cmd + Terminator), nil
}

// EncodeImmediateWeightRequest returns the command line requesting an immediate
// weight report
func EncodeImmediateWeightRequest() []byte {
	return []byte(CmdImmediateWeight + Terminator)
}

// DecodeResponse parses a single response line into a reading. The time stamp
// of the returned reading is left for the caller to set.
func DecodeResponse(line string) (scale.Reading, error) {

	line = strings.TrimRight(line, Terminator)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return scale.Reading{}, &MalformedError{Line: line, Reason: "empty line"}
	}

	switch fields[0] {
	case responseWeight:
	case TokenSyntaxError, TokenTransmissionError, TokenLogicalError:
		return scale.Reading{}, &TransmissionError{Token: fields[0]}
	default:
		return scale.Reading{}, &MalformedError{Line: line, Reason: "unexpected identifier"}
	}

	if len(fields) < 2 {
		return scale.Reading{}, &MalformedError{Line: line, Reason: "missing status"}
	}

	var stable bool
	switch status := fields[1]; status {
	case statusStable:
		stable = true
	case statusDynamic:
	default:
		if len(status) == 1 {
			if code := Fault(status[0]); isFault(code) {
				return scale.Reading{}, &FaultError{Code: code, Line: line}
			}
		}
		return scale.Reading{}, &MalformedError{Line: line, Reason: "unknown status"}
	}

	if len(fields) < 4 {
		return scale.Reading{}, &MalformedError{Line: line, Reason: "missing value or unit"}
	}

	if !isDecimal(fields[2]) {
		return scale.Reading{}, &MalformedError{Line: line, Reason: "invalid value"}
	}
	weight, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return scale.Reading{}, &MalformedError{Line: line, Reason: "invalid value"}
	}

	return scale.Reading{
		Weight: weight,
		Unit:   scale.Unit(fields[3]),
		Stable: stable,
		Raw:    line,
	}, nil
}

////////////////////////////////////////////////////////////////////////////////

func isFault(code Fault) bool {
	switch code {
	case FaultIndeterminate, FaultOverload, FaultUnderload, FaultUnderrange, FaultInternal:
		return true
	}
	return false
}

// isDecimal reports if s is a plain signed decimal number (no exponent, no
// hex notation, no NaN / Inf)
func isDecimal(s string) bool {
	if s != "" && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}

	var digits, dots int
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits++
		case s[i] == '.':
			dots++
		default:
			return false
		}
	}

	return digits > 0 && dots <= 1
}
