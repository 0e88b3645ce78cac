package controls

import (
	"fmt"
	"log/slog"
	"sync"
)

// MemoryDriver keeps output levels in memory and logs every change. It is
// the driver for hosts without GPIO access.
type MemoryDriver struct {
	logger *slog.Logger

	mu         sync.Mutex
	configured map[uint8]bool
	levels     map[uint8]bool
}

func NewMemoryDriver(logger *slog.Logger) *MemoryDriver {
	return &MemoryDriver{
		logger:     logger.With("component", "outputs"),
		configured: make(map[uint8]bool),
		levels:     make(map[uint8]bool),
	}
}

func (m *MemoryDriver) Configure(pin uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured[pin] = true
	m.levels[pin] = false
	m.logger.Debug("output configured", "pin", pin)
	return nil
}

func (m *MemoryDriver) Set(pin uint8, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured[pin] {
		return fmt.Errorf("pin %d not configured", pin)
	}
	m.levels[pin] = on
	m.logger.Info("output set", "pin", pin, "on", on)
	return nil
}

// Level reports the last level written to pin.
func (m *MemoryDriver) Level(pin uint8) (on, configured bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], m.configured[pin]
}
