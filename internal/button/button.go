// Package button samples the configuration button.
//
// The button is wired to one of the modem status inputs of a USB serial
// adapter (CTS, DSR, DCD or RI), which makes a spare adapter usable as a
// single GPIO input on hosts without one.
package button

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// Line is a modem status input.
type Line string

const (
	LineCTS Line = "cts"
	LineDSR Line = "dsr"
	LineDCD Line = "dcd"
	LineRI  Line = "ri"
)

// ParseLine accepts a line name in any case.
func ParseLine(s string) (Line, error) {
	switch l := Line(strings.ToLower(s)); l {
	case LineCTS, LineDSR, LineDCD, LineRI:
		return l, nil
	default:
		return "", fmt.Errorf("unknown modem line %q (supported: cts, dsr, dcd, ri)", s)
	}
}

// statusReader is the part of serial.Port the button needs.
type statusReader interface {
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	Close() error
}

// Serial reads the button from a serial port's modem status line.
type Serial struct {
	port      statusReader
	line      Line
	activeLow bool
}

// OpenSerial opens portName and samples line. With activeLow set, a
// deasserted line means pressed.
func OpenSerial(portName string, line Line, activeLow bool) (*Serial, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: 9600})
	if err != nil {
		return nil, fmt.Errorf("open button port %s: %w", portName, err)
	}
	return &Serial{port: port, line: line, activeLow: activeLow}, nil
}

// Held reports whether the button is pressed right now.
func (s *Serial) Held() (bool, error) {
	bits, err := s.port.GetModemStatusBits()
	if err != nil {
		return false, fmt.Errorf("read modem status: %w", err)
	}
	return lineAsserted(bits, s.line) != s.activeLow, nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}

func lineAsserted(bits *serial.ModemStatusBits, line Line) bool {
	switch line {
	case LineDSR:
		return bits.DSR
	case LineDCD:
		return bits.DCD
	case LineRI:
		return bits.RI
	default:
		return bits.CTS
	}
}
