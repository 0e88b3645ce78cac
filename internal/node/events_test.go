package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"homenode/internal/registry"
)

func TestSubscribeFiltersKinds(t *testing.T) {
	bus := NewEventBus(testLogger())
	var all, devices []Kind
	bus.Subscribe(func(e Event) { all = append(all, e.Kind()) })
	bus.Subscribe(func(e Event) { devices = append(devices, e.Kind()) }, KindDeviceAdded, KindDeviceDeleted)

	bus.Emit(ModeChanged{Mode: ModeOperational})
	bus.Emit(DeviceAdded{})
	bus.Emit(FlagsChanged{})
	bus.Emit(DeviceDeleted{})

	if got := fmt.Sprint(all); got != "[mode_changed device_added flags_changed device_deleted]" {
		t.Errorf("all = %s", got)
	}
	if got := fmt.Sprint(devices); got != "[device_added device_deleted]" {
		t.Errorf("devices = %s", got)
	}
}

func TestOnDeliversTypedPayload(t *testing.T) {
	bus := NewEventBus(testLogger())
	var got []registry.Device
	unsub := On(bus, func(e DeviceDeleted) { got = append(got, e.Device) })

	bus.Emit(DeviceAdded{Device: registry.Device{Name: "x"}})
	bus.Emit(DeviceDeleted{Device: registry.Device{Pin: 4, Name: "lamp"}})
	unsub()
	bus.Emit(DeviceDeleted{Device: registry.Device{Name: "late"}})

	if len(got) != 1 || got[0].Name != "lamp" || got[0].Pin != 4 {
		t.Errorf("got = %+v", got)
	}
}

func TestUnsubscribeKeepsOthers(t *testing.T) {
	bus := NewEventBus(testLogger())
	var a, b, c int
	bus.Subscribe(func(Event) { a++ })
	unsubB := bus.Subscribe(func(Event) { b++ })
	bus.Subscribe(func(Event) { c++ })

	unsubB()
	unsubB()
	bus.Emit(DevicesCleared{})

	if a != 1 || b != 0 || c != 1 {
		t.Errorf("a, b, c = %d, %d, %d; want 1, 0, 1", a, b, c)
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	bus := NewEventBus(testLogger())
	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	bus.Emit(StorageReset{Count: 9})

	if !delivered {
		t.Error("listener after a panicking one was skipped")
	}
}

func TestNodeEventPayloads(t *testing.T) {
	h := newHarness(t, seededStore(t, 0x00))
	runNode(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var cleared []DevicesCleared
	On(h.node.Events(), func(e DevicesCleared) { cleared = append(cleared, e) })

	for i, name := range []string{"lamp", "fan"} {
		if err := h.node.AddDevice(ctx, uint8(i+1), name); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.node.DeleteAllDevices(ctx); err != nil {
		t.Fatal(err)
	}

	if len(cleared) != 1 || cleared[0].Removed != 2 {
		t.Errorf("cleared = %+v, want one event removing 2", cleared)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	mode, ok := h.events[0].(ModeChanged)
	if !ok || mode.Mode != ModeConfiguration || mode.Reason == "" {
		t.Errorf("first event = %#v, want ModeChanged to configuration", h.events[0])
	}
}
