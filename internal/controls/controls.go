// Package controls drives the registered outputs in operational mode.
package controls

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"homenode/internal/registry"
)

// ErrUnknownDevice is returned by Set for a name not passed to Begin.
var ErrUnknownDevice = errors.New("unknown device")

// Driver switches physical outputs.
type Driver interface {
	Configure(pin uint8) error
	Set(pin uint8, on bool) error
}

// Backend realises device states through a Driver.
type Backend struct {
	driver Driver
	logger *slog.Logger

	mu       sync.RWMutex
	devices  []registry.Device
	onChange []func(registry.Device)
}

func New(driver Driver, logger *slog.Logger) *Backend {
	return &Backend{driver: driver, logger: logger.With("component", "controls")}
}

// OnChange registers a callback run after every successful Set.
func (b *Backend) OnChange(fn func(registry.Device)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

// Begin configures every device output and drives it to its stored state.
// A device whose output fails is logged and skipped.
func (b *Backend) Begin(devices []registry.Device) error {
	live := make([]registry.Device, 0, len(devices))
	var errs []error
	for _, d := range devices {
		if err := b.driver.Configure(d.Pin); err != nil {
			errs = append(errs, fmt.Errorf("configure %s (pin %d): %w", d.Name, d.Pin, err))
			continue
		}
		if err := b.driver.Set(d.Pin, d.State); err != nil {
			errs = append(errs, fmt.Errorf("set %s (pin %d): %w", d.Name, d.Pin, err))
			continue
		}
		live = append(live, d)
	}

	b.mu.Lock()
	b.devices = live
	b.mu.Unlock()

	b.logger.Info("device control started", "devices", len(live))
	return errors.Join(errs...)
}

// Set switches the named device on or off.
func (b *Backend) Set(name string, on bool) (registry.Device, error) {
	b.mu.Lock()
	idx := -1
	for i, d := range b.devices {
		if d.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return registry.Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	d := b.devices[idx]
	if err := b.driver.Set(d.Pin, on); err != nil {
		b.mu.Unlock()
		return registry.Device{}, fmt.Errorf("set %s (pin %d): %w", d.Name, d.Pin, err)
	}
	d.State = on
	b.devices[idx] = d
	callbacks := append([]func(registry.Device){}, b.onChange...)
	b.mu.Unlock()

	b.logger.Debug("device switched", "name", d.Name, "pin", d.Pin, "on", on)
	for _, fn := range callbacks {
		fn(d)
	}
	return d, nil
}

// Device returns one driven device with its current state.
func (b *Backend) Device(name string) (registry.Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.devices {
		if d.Name == name {
			return d, true
		}
	}
	return registry.Device{}, false
}
