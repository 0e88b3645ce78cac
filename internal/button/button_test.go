package button

import (
	"errors"
	"testing"

	"go.bug.st/serial"
)

type fakePort struct {
	bits serial.ModemStatusBits
	err  error
}

func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	if f.err != nil {
		return nil, f.err
	}
	bits := f.bits
	return &bits, nil
}

func (f *fakePort) Close() error { return nil }

func TestParseLine(t *testing.T) {
	for in, want := range map[string]Line{"cts": LineCTS, "DSR": LineDSR, "Dcd": LineDCD, "ri": LineRI} {
		got, err := ParseLine(in)
		if err != nil || got != want {
			t.Errorf("ParseLine(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLine("rts"); err == nil {
		t.Error("ParseLine(rts) should fail: RTS is an output")
	}
}

func TestHeld(t *testing.T) {
	tests := []struct {
		name      string
		bits      serial.ModemStatusBits
		line      Line
		activeLow bool
		want      bool
	}{
		{"CTSAsserted", serial.ModemStatusBits{CTS: true}, LineCTS, false, true},
		{"CTSIdle", serial.ModemStatusBits{DSR: true}, LineCTS, false, false},
		{"DSRAsserted", serial.ModemStatusBits{DSR: true}, LineDSR, false, true},
		{"DCDAsserted", serial.ModemStatusBits{DCD: true}, LineDCD, false, true},
		{"RIAsserted", serial.ModemStatusBits{RI: true}, LineRI, false, true},
		{"ActiveLowIdle", serial.ModemStatusBits{CTS: true}, LineCTS, true, false},
		{"ActiveLowPressed", serial.ModemStatusBits{}, LineCTS, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Serial{port: &fakePort{bits: tt.bits}, line: tt.line, activeLow: tt.activeLow}
			got, err := s.Held()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Held() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeldError(t *testing.T) {
	s := &Serial{port: &fakePort{err: errors.New("unplugged")}, line: LineCTS}
	if _, err := s.Held(); err == nil {
		t.Error("expected error")
	}
}
