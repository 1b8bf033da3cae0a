package sics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fako1024/labscale/pkg/scale"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeImmediateWeightRequest(t *testing.T) {
	if got := string(EncodeImmediateWeightRequest()); got != "SI\r\n" {
		t.Fatalf("unexpected request line: %q", got)
	}
}

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand("Z")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(line) != "Z\r\n" {
		t.Fatalf("unexpected command line: %q", line)
	}

	for _, cmd := range []string{"", "S\nI", "T\x00"} {
		if _, err := EncodeCommand(cmd); err == nil {
			t.Fatalf("expected error for command %q", cmd)
		}
	}
}

func TestDecodeValid(t *testing.T) {
	for _, tc := range []struct {
		line     string
		expected scale.Reading
	}{
		{"S S     100.00 g\r\n", scale.Reading{Weight: 100.00, Unit: "g", Stable: true, Raw: "S S     100.00 g"}},
		{"S D      10.25 g", scale.Reading{Weight: 10.25, Unit: "g", Raw: "S D      10.25 g"}},
		{"S S    -0.0042 g", scale.Reading{Weight: -0.0042, Unit: "g", Stable: true, Raw: "S S    -0.0042 g"}},
		{"S D +512.3 mg\r\n", scale.Reading{Weight: 512.3, Unit: "mg", Raw: "S D +512.3 mg"}},
		{"S S 0 ct", scale.Reading{Weight: 0, Unit: "ct", Stable: true, Raw: "S S 0 ct"}},
	} {
		t.Run(tc.line, func(t *testing.T) {
			reading, err := DecodeResponse(tc.line)
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if diff := cmp.Diff(tc.expected, reading); diff != "" {
				t.Fatalf("unexpected reading (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFaults(t *testing.T) {
	for _, code := range []Fault{FaultIndeterminate, FaultOverload, FaultUnderload, FaultUnderrange, FaultInternal} {
		for _, line := range []string{
			fmt.Sprintf("S %c", code),
			fmt.Sprintf("S %c\r\n", code),
			fmt.Sprintf("S %c 100.00 g", code),
		} {
			_, err := DecodeResponse(line)
			if !errors.Is(err, ErrInstrumentFault) {
				t.Fatalf("expected instrument fault for %q, got %v", line, err)
			}
			var faultErr *FaultError
			if !errors.As(err, &faultErr) || faultErr.Code != code {
				t.Fatalf("unexpected fault for %q: %v", line, err)
			}
		}
	}
}

func TestDecodeTransmissionErrors(t *testing.T) {
	for _, token := range []string{TokenSyntaxError, TokenTransmissionError, TokenLogicalError} {
		_, err := DecodeResponse(token + "\r\n")
		if !errors.Is(err, ErrTransmission) {
			t.Fatalf("expected transmission error for %q, got %v", token, err)
		}
		if errors.Is(err, ErrMalformed) || errors.Is(err, ErrInstrumentFault) {
			t.Fatalf("transmission error for %q unexpectedly matches other kinds", token)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"\r\n",
		"S",
		"S S",
		"S S 100.00",
		"S D 100.00",
		"S S abc g",
		"S S 1e3 g",
		"S S NaN g",
		"S S 0x10 g",
		"S S 1.2.3 g",
		"S S - g",
		"S X 100.00 g",
		"S SS 100.00 g",
		"SI S 100.00 g",
		"X S 100.00 g",
	} {
		t.Run(fmt.Sprintf("%q", line), func(t *testing.T) {
			reading, err := DecodeResponse(line)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected malformed error, got %v (reading %+v)", err, reading)
			}
		})
	}
}

func TestFaultString(t *testing.T) {
	if FaultOverload.String() != "overload" {
		t.Fatalf("unexpected fault name: %s", FaultOverload)
	}
	if Fault('Q').String() != `unknown fault 'Q'` {
		t.Fatalf("unexpected fault name: %s", Fault('Q'))
	}
}
