package node

import "fmt"

// Mode is the operating state of the node. There are exactly two; the zero
// value is ModeConfiguration, which is also what a node reports before Boot
// has evaluated the stored state.
type Mode int32

const (
	// ModeConfiguration exposes the configuration service. It is left only
	// by a restart.
	ModeConfiguration Mode = iota
	// ModeOperational drives the registered outputs.
	ModeOperational
)

func (m Mode) String() string {
	if m == ModeOperational {
		return "operational"
	}
	return "configuration"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "configuration":
		*m = ModeConfiguration
	case "operational":
		*m = ModeOperational
	default:
		return fmt.Errorf("unknown mode %q", b)
	}
	return nil
}
