// Package settings reads and writes the feature flags held in the status cell
// and the message-bus integration record.
package settings

import (
	"errors"
	"fmt"
	"log/slog"

	"homenode/internal/layout"
	"homenode/internal/store"
)

// ErrInvalidBusConfig is returned when the bus is enabled with an unusable
// host or port.
var ErrInvalidBusConfig = errors.New("invalid bus config")

// Update is a flags change requested through the configuration interface.
// Bus is only consulted when BusEnabled is set.
type Update struct {
	Assistant  bool
	BusEnabled bool
	Bus        layout.BusConfig
}

// Settings gives access to the flags and integration config in a store.
type Settings struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Settings {
	return &Settings{store: st, logger: logger.With("component", "settings")}
}

// ReadFlags decodes the status cell.
func (s *Settings) ReadFlags() (layout.Status, error) {
	return layout.ReadStatus(s.store)
}

// WriteFlags rewrites the feature flag bits, keeping the stored count.
func (s *Settings) WriteFlags(assistant, bus bool) error {
	st, err := layout.ReadStatus(s.store)
	if err != nil {
		return err
	}
	st.Assistant = assistant
	st.Bus = bus
	if err := layout.WriteStatus(s.store, st); err != nil {
		return err
	}
	s.logger.Info("flags written", "assistant", assistant, "bus", bus)
	return nil
}

// ResetStatus clears the whole status cell: count 0, both flags off.
func (s *Settings) ResetStatus() error {
	return layout.WriteStatus(s.store, layout.Status{})
}

// SaveBusConfig writes the integration record and commits it.
func (s *Settings) SaveBusConfig(cfg layout.BusConfig) error {
	if err := layout.WriteBlock(s.store, layout.BusConfigOffset, layout.EncodeBusConfig(cfg)); err != nil {
		return fmt.Errorf("write bus config: %w", err)
	}

	// Read-back is an observation point only; the result is not compared
	// with cfg.
	// TODO: decide whether a mismatch should fail the save once the flash
	// driver reports write errors reliably.
	back, err := s.LoadBusConfig()
	if err != nil {
		s.logger.Warn("bus config read-back", "err", err)
		return nil
	}
	s.logger.Debug("bus config saved", "host", back.Host, "port", back.Port)
	return nil
}

// LoadBusConfig returns the stored integration record, whatever it holds.
func (s *Settings) LoadBusConfig() (layout.BusConfig, error) {
	buf, err := layout.ReadBlock(s.store, layout.BusConfigOffset, layout.BusConfigSize)
	if err != nil {
		return layout.BusConfig{}, fmt.Errorf("read bus config: %w", err)
	}
	return layout.DecodeBusConfig(buf), nil
}

// Apply validates and stores a flags update. When the bus is enabled its
// config is saved before the flag is set, so a set bus flag never refers to
// a record from an earlier configuration.
func (s *Settings) Apply(u Update) error {
	if u.BusEnabled {
		if err := u.Bus.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBusConfig, err)
		}
		if err := s.SaveBusConfig(u.Bus); err != nil {
			return err
		}
	}
	return s.WriteFlags(u.Assistant, u.BusEnabled)
}
