package settings

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"testing"

	"homenode/internal/layout"
	"homenode/internal/store"
)

func newTestSettings(t *testing.T, status layout.Status) (*Settings, *store.MemStore) {
	t.Helper()
	m := store.NewMemStore(layout.RegionSize)
	if err := layout.WriteStatus(m, status); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(m, logger), m
}

func TestWriteFlagsRoundTrip(t *testing.T) {
	for _, tc := range []struct{ assistant, bus bool }{
		{false, false}, {true, false}, {false, true}, {true, true},
	} {
		s, _ := newTestSettings(t, layout.Status{Count: 3})
		if err := s.WriteFlags(tc.assistant, tc.bus); err != nil {
			t.Fatal(err)
		}
		got, err := s.ReadFlags()
		if err != nil {
			t.Fatal(err)
		}
		want := layout.Status{Count: 3, Assistant: tc.assistant, Bus: tc.bus}
		if got != want {
			t.Errorf("ReadFlags() = %+v, want %+v", got, want)
		}
	}
}

func TestWriteFlagsClearsUnusedBits(t *testing.T) {
	s, m := newTestSettings(t, layout.Status{})
	if err := m.Write(layout.StatusOffset, 0xC2); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFlags(true, false); err != nil {
		t.Fatal(err)
	}
	if b, _ := m.Read(layout.StatusOffset); b != 0x12 {
		t.Errorf("status byte = 0x%02X, want 0x12", b)
	}
}

func TestBusConfigSaveLoad(t *testing.T) {
	s, m := newTestSettings(t, layout.Status{})
	cfg := layout.BusConfig{Host: "10.0.0.2", Port: 1883}
	commits := m.Commits

	if err := s.SaveBusConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if m.Commits != commits+1 {
		t.Errorf("commits = %d, want %d", m.Commits, commits+1)
	}
	got, err := s.LoadBusConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Errorf("LoadBusConfig() = %+v, want %+v", got, cfg)
	}
}

func TestLoadBusConfigNeverWritten(t *testing.T) {
	s, _ := newTestSettings(t, layout.Status{})
	got, err := s.LoadBusConfig()
	if err != nil {
		t.Fatal(err)
	}
	// Erased flash: no terminator in the host field and port 0xFFFF.
	if got.Port != 0xFFFF || len(got.Host) != layout.HostSize {
		t.Errorf("LoadBusConfig() = %+v, want erased contents", got)
	}
}

func TestApply(t *testing.T) {
	s, _ := newTestSettings(t, layout.Status{Count: 2})
	u := Update{Assistant: true, BusEnabled: true, Bus: layout.BusConfig{Host: "broker", Port: 1884}}
	if err := s.Apply(u); err != nil {
		t.Fatal(err)
	}
	st, _ := s.ReadFlags()
	if st != (layout.Status{Count: 2, Assistant: true, Bus: true}) {
		t.Errorf("flags = %+v", st)
	}
	cfg, _ := s.LoadBusConfig()
	if cfg != u.Bus {
		t.Errorf("bus config = %+v, want %+v", cfg, u.Bus)
	}

	// Disabling the bus keeps the stored record.
	if err := s.Apply(Update{}); err != nil {
		t.Fatal(err)
	}
	st, _ = s.ReadFlags()
	if st != (layout.Status{Count: 2}) {
		t.Errorf("flags = %+v, want all off", st)
	}
	if cfg, _ := s.LoadBusConfig(); cfg != u.Bus {
		t.Errorf("bus config after disable = %+v, want unchanged", cfg)
	}
}

func TestApplyInvalidBusWritesNothing(t *testing.T) {
	s, m := newTestSettings(t, layout.Status{Count: 1})
	before := m.Bytes()
	writes := m.Writes

	err := s.Apply(Update{BusEnabled: true, Bus: layout.BusConfig{Host: "", Port: 1883}})
	if !errors.Is(err, ErrInvalidBusConfig) {
		t.Fatalf("err = %v, want ErrInvalidBusConfig", err)
	}
	if m.Writes != writes || !bytes.Equal(before, m.Bytes()) {
		t.Error("rejected update touched the store")
	}
}

func TestResetStatus(t *testing.T) {
	s, _ := newTestSettings(t, layout.Status{Count: 4, Assistant: true, Bus: true})
	if err := s.ResetStatus(); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.ReadFlags(); st != (layout.Status{}) {
		t.Errorf("status = %+v, want zero", st)
	}
}
