package node

import (
	"log/slog"
	"sync"

	"homenode/internal/registry"
)

// Kind names an event type in subscriptions and on the wire.
type Kind string

const (
	KindModeChanged    Kind = "mode_changed"
	KindStorageReset   Kind = "storage_reset"
	KindDeviceAdded    Kind = "device_added"
	KindDeviceDeleted  Kind = "device_deleted"
	KindDevicesCleared Kind = "devices_cleared"
	KindDeviceState    Kind = "device_state"
	KindFlagsChanged   Kind = "flags_changed"
)

// Event is something that happened to the node. Each kind has its own
// payload struct below.
type Event interface {
	Kind() Kind
}

// ModeChanged is emitted on every mode entry, including the one made by Boot.
type ModeChanged struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
}

// StorageReset is emitted when Boot finds an impossible device count and
// clears the status cell.
type StorageReset struct {
	Count uint8 `json:"count"`
}

type DeviceAdded struct {
	Device registry.Device `json:"device"`
}

type DeviceDeleted struct {
	Device registry.Device `json:"device"`
}

type DevicesCleared struct {
	Removed int `json:"removed"`
}

// DeviceState reports an output switched through the backend.
type DeviceState struct {
	Device registry.Device `json:"device"`
}

// FlagsChanged carries the stored flags; they apply from the next boot.
type FlagsChanged struct {
	Assistant bool `json:"assistant"`
	Bus       bool `json:"bus"`
}

func (ModeChanged) Kind() Kind    { return KindModeChanged }
func (StorageReset) Kind() Kind   { return KindStorageReset }
func (DeviceAdded) Kind() Kind    { return KindDeviceAdded }
func (DeviceDeleted) Kind() Kind  { return KindDeviceDeleted }
func (DevicesCleared) Kind() Kind { return KindDevicesCleared }
func (DeviceState) Kind() Kind    { return KindDeviceState }
func (FlagsChanged) Kind() Kind   { return KindFlagsChanged }

// Listener receives events on the goroutine that emitted them, which for
// node events is the tick goroutine. Listeners must not block and must not
// call the node's request methods.
type Listener func(Event)

type subscription struct {
	kinds map[Kind]bool // nil: every kind
	fn    Listener
}

func (s *subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// EventBus delivers node events to listeners in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// Subscribe registers fn for the given kinds, or for every kind when none
// are given. The returned func removes the subscription.
func (b *EventBus) Subscribe(fn Listener, kinds ...Kind) func() {
	sub := &subscription{fn: fn}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// On subscribes fn to the events of payload type T only.
//
//	node.On(bus, func(e node.DeviceDeleted) { ... })
func On[T Event](b *EventBus, fn func(T)) func() {
	var zero T
	return b.Subscribe(func(ev Event) {
		if e, ok := ev.(T); ok {
			fn(e)
		}
	}, zero.Kind())
}

// Emit delivers ev to every interested listener. A panicking listener is
// logged and does not stop delivery to the others.
func (b *EventBus) Emit(ev Event) {
	kind := ev.Kind()

	b.mu.RLock()
	var targets []Listener
	for _, s := range b.subs {
		if s.wants(kind) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.deliver(kind, fn, ev)
	}
}

func (b *EventBus) deliver(kind Kind, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panic", "kind", kind, "panic", r)
		}
	}()
	fn(ev)
}
