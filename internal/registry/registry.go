// Package registry keeps the list of output devices in memory and mirrors
// every change to the persistent region.
//
// Devices occupy slots 0..count-1 in insertion order. Deleting a device
// shifts the following records one slot down so the region stays compact and
// slot i is always at layout.DeviceOffset(i). Records beyond count are
// unspecified: they may hold stale copies left by earlier deletes.
package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"homenode/internal/layout"
	"homenode/internal/store"
)

var (
	ErrFull          = errors.New("registry full")
	ErrDuplicateName = errors.New("duplicate device name")
	ErrDuplicatePin  = errors.New("duplicate device pin")
)

// Device is one controlled output.
type Device struct {
	Pin   uint8  `json:"pin"`
	Name  string `json:"name"`
	State bool   `json:"state"`
}

// OutputConfigurer prepares a physical output before it is registered.
type OutputConfigurer interface {
	Configure(pin uint8) error
}

// Registry is the in-memory device list backed by a store.
// It has a single owner; methods are not safe for concurrent use.
type Registry struct {
	store   store.Store
	outputs OutputConfigurer
	logger  *slog.Logger
	devices []Device
}

// New creates an empty registry. outputs may be nil.
func New(st store.Store, outputs OutputConfigurer, logger *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		outputs: outputs,
		logger:  logger.With("component", "registry"),
		devices: make([]Device, 0, layout.MaxDevices),
	}
}

// Len returns the number of registered devices.
func (r *Registry) Len() int { return len(r.devices) }

// Full reports whether the registry is at capacity.
func (r *Registry) Full() bool { return len(r.devices) >= layout.MaxDevices }

// List returns a copy of the devices in registry order.
func (r *Registry) List() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// IndexByName returns the slot of the first device named name, or -1.
func (r *Registry) IndexByName(name string) int {
	for i, d := range r.devices {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// IndexByPin returns the slot of the first device on pin, or -1.
func (r *Registry) IndexByPin(pin uint8) int {
	for i, d := range r.devices {
		if d.Pin == pin {
			return i
		}
	}
	return -1
}

// Get returns the device named name.
func (r *Registry) Get(name string) (Device, bool) {
	i := r.IndexByName(name)
	if i < 0 {
		return Device{}, false
	}
	return r.devices[i], true
}

// Add registers a new device in the next free slot.
//
// All checks happen before anything is written; a rejected add leaves both
// the in-memory list and the store untouched.
func (r *Registry) Add(pin uint8, name string) error {
	if err := layout.ValidName(name); err != nil {
		return err
	}
	if r.Full() {
		return ErrFull
	}
	if r.IndexByName(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if r.IndexByPin(pin) >= 0 {
		return fmt.Errorf("%w: %d", ErrDuplicatePin, pin)
	}
	if r.outputs != nil {
		if err := r.outputs.Configure(pin); err != nil {
			return fmt.Errorf("configure pin %d: %w", pin, err)
		}
	}

	slot := len(r.devices)
	d := Device{Pin: pin, Name: name}
	if err := layout.WriteRecord(r.store, slot, toRecord(d)); err != nil {
		return err
	}
	if err := r.writeCount(slot + 1); err != nil {
		return err
	}
	r.devices = append(r.devices, d)

	r.logger.Info("device added", "name", name, "pin", pin, "slot", slot)
	return nil
}

// Delete removes the device named name. Deleting an unknown name is a no-op.
//
// The shifted list is only adopted once every record and the count are
// stored. On a storage error the records already moved are written back and
// the in-memory list is left as it was.
func (r *Registry) Delete(name string) error {
	idx := r.IndexByName(name)
	if idx < 0 {
		r.logger.Debug("delete: no such device", "name", name)
		return nil
	}

	next := make([]Device, 0, layout.MaxDevices)
	next = append(next, r.devices[:idx]...)
	next = append(next, r.devices[idx+1:]...)

	for i := idx; i < len(next); i++ {
		if err := layout.WriteRecord(r.store, i, toRecord(next[i])); err != nil {
			r.restoreRecords(idx, i)
			return err
		}
	}
	if err := r.writeCount(len(next)); err != nil {
		r.restoreRecords(idx, len(next)-1)
		return err
	}
	r.devices = next

	r.logger.Info("device deleted", "name", name, "remaining", len(r.devices))
	return nil
}

// restoreRecords rewrites slots from..to with the current in-memory devices.
func (r *Registry) restoreRecords(from, to int) {
	for i := from; i <= to && i < len(r.devices); i++ {
		if err := layout.WriteRecord(r.store, i, toRecord(r.devices[i])); err != nil {
			r.logger.Error("restore record", "slot", i, "err", err)
			return
		}
	}
}

// DeleteAll empties the registry. Records are left in place; the zero count
// makes them unreachable.
func (r *Registry) DeleteAll() error {
	if err := r.writeCount(0); err != nil {
		return err
	}
	r.devices = r.devices[:0]
	r.logger.Info("all devices deleted")
	return nil
}

// Load replaces the in-memory list with the first count stored records.
func (r *Registry) Load(count uint8) error {
	if count > layout.MaxDevices {
		return fmt.Errorf("load %d devices: %w", count, ErrFull)
	}
	devices := make([]Device, 0, layout.MaxDevices)
	for slot := 0; slot < int(count); slot++ {
		rec, err := layout.ReadRecord(r.store, slot)
		if err != nil {
			return err
		}
		devices = append(devices, Device{Pin: rec.Pin, Name: rec.Name, State: rec.State})
	}
	r.devices = devices
	for i, d := range r.devices {
		r.logger.Debug("loaded device", "slot", i, "name", d.Name, "pin", d.Pin)
	}
	return nil
}

// Reset clears the in-memory list without touching the store.
func (r *Registry) Reset() {
	r.devices = r.devices[:0]
}

// writeCount persists count, keeping the feature flag bits. If the write
// fails the previous cell is put back into the store image, so a later
// commit cannot publish the rejected count.
func (r *Registry) writeCount(count int) error {
	prev, err := layout.ReadStatus(r.store)
	if err != nil {
		return err
	}
	st := prev
	st.Count = uint8(count)
	if err := layout.WriteStatus(r.store, st); err != nil {
		if rerr := r.store.Write(layout.StatusOffset, prev.Encode()); rerr != nil {
			r.logger.Error("restore status cell", "err", rerr)
		}
		return err
	}
	return nil
}

func toRecord(d Device) layout.Record {
	return layout.Record{Pin: d.Pin, Name: d.Name, State: d.State}
}
