package controls

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"homenode/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingDriver struct {
	*MemoryDriver
	badPin uint8
}

func (f failingDriver) Configure(pin uint8) error {
	if pin == f.badPin {
		return errors.New("no such pin")
	}
	return f.MemoryDriver.Configure(pin)
}

func TestBeginDrivesStoredStates(t *testing.T) {
	drv := NewMemoryDriver(testLogger())
	b := New(drv, testLogger())

	err := b.Begin([]registry.Device{
		{Pin: 4, Name: "lamp", State: true},
		{Pin: 5, Name: "fan"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if on, ok := drv.Level(4); !ok || !on {
		t.Errorf("pin 4 = %v/%v, want on/configured", on, ok)
	}
	if on, ok := drv.Level(5); !ok || on {
		t.Errorf("pin 5 = %v/%v, want off/configured", on, ok)
	}
	if d, ok := b.Device("lamp"); !ok || !d.State {
		t.Errorf("lamp = %+v/%v, want driven and on", d, ok)
	}
	if _, ok := b.Device("fan"); !ok {
		t.Error("fan not driven")
	}
}

func TestBeginSkipsFailedOutputs(t *testing.T) {
	drv := failingDriver{MemoryDriver: NewMemoryDriver(testLogger()), badPin: 9}
	b := New(drv, testLogger())

	err := b.Begin([]registry.Device{{Pin: 9, Name: "broken"}, {Pin: 4, Name: "lamp"}})
	if err == nil {
		t.Fatal("expected error for failing pin")
	}
	if _, ok := b.Device("broken"); ok {
		t.Error("failed device should not be driven")
	}
	if _, ok := b.Device("lamp"); !ok {
		t.Error("healthy device missing")
	}
}

func TestSet(t *testing.T) {
	drv := NewMemoryDriver(testLogger())
	b := New(drv, testLogger())
	if err := b.Begin([]registry.Device{{Pin: 4, Name: "lamp"}}); err != nil {
		t.Fatal(err)
	}

	var changed []registry.Device
	b.OnChange(func(d registry.Device) { changed = append(changed, d) })

	d, err := b.Set("lamp", true)
	if err != nil {
		t.Fatal(err)
	}
	if !d.State {
		t.Error("returned device not on")
	}
	if on, _ := drv.Level(4); !on {
		t.Error("pin 4 not driven on")
	}
	if len(changed) != 1 || changed[0].Name != "lamp" {
		t.Errorf("change callbacks = %v", changed)
	}
	if got, _ := b.Device("lamp"); !got.State {
		t.Error("state not kept")
	}

	if _, err := b.Set("nope", true); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestMemoryDriverRequiresConfigure(t *testing.T) {
	drv := NewMemoryDriver(testLogger())
	if err := drv.Set(3, true); err == nil {
		t.Error("Set on unconfigured pin should fail")
	}
}
