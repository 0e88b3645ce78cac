// Package node owns the registry, the feature flags and the operating mode of
// a home-automation node.
//
// All state is mutated from a single goroutine: the one calling Boot and then
// Tick (usually through Run). Other goroutines, such as HTTP handlers or MQTT
// callbacks, go through the exported request methods, which queue a closure
// and wait for the next tick to execute it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"homenode/internal/layout"
	"homenode/internal/registry"
	"homenode/internal/settings"
	"homenode/internal/store"
)

// DefaultHoldThreshold is how long the button must be held continuously to
// enter configuration mode.
const DefaultHoldThreshold = 5 * time.Second

const requestQueueSize = 32

var (
	// ErrRestart is returned by Run after a restart request was serviced.
	ErrRestart = errors.New("restart requested")
	// ErrNoBackend is returned by SetDevice when outputs are not being driven.
	ErrNoBackend = errors.New("device control not running")
)

// ConfigService is the configuration interface started on entering
// configuration mode. Start must not block.
type ConfigService interface {
	Start() error
}

// Backend drives the physical outputs in operational mode.
type Backend interface {
	Begin(devices []registry.Device) error
	Set(name string, on bool) (registry.Device, error)
	Device(name string) (registry.Device, bool)
}

// Assistant is the voice-assistant integration.
type Assistant interface {
	Enable(devices []registry.Device) error
}

// Bus is the message-bus integration.
type Bus interface {
	Enable(cfg layout.BusConfig, devices []registry.Device) error
}

// Button samples the configuration button.
type Button interface {
	Held() (bool, error)
}

// Option configures a Node.
type Option func(*Node)

func WithConfigService(s ConfigService) Option { return func(n *Node) { n.config = s } }
func WithBackend(b Backend) Option             { return func(n *Node) { n.backend = b } }
func WithAssistant(a Assistant) Option         { return func(n *Node) { n.assistant = a } }
func WithBus(b Bus) Option                     { return func(n *Node) { n.bus = b } }
func WithEventBus(eb *EventBus) Option         { return func(n *Node) { n.events = eb } }

// WithOutputs sets the configurer called for every newly added device.
func WithOutputs(o registry.OutputConfigurer) Option { return func(n *Node) { n.outputs = o } }

// WithHoldThreshold overrides DefaultHoldThreshold.
func WithHoldThreshold(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.holdThreshold = d
		}
	}
}

// WithClock replaces time.Now for Boot.
func WithClock(clock func() time.Time) Option { return func(n *Node) { n.clock = clock } }

// Node is the mode controller and the single owner of the persistent state.
type Node struct {
	store    store.Store
	registry *registry.Registry
	settings *settings.Settings
	events   *EventBus
	logger   *slog.Logger

	config    ConfigService
	backend   Backend
	assistant Assistant
	bus       Bus
	outputs   registry.OutputConfigurer

	holdThreshold time.Duration
	clock         func() time.Time

	mode       atomic.Int32
	bootedAt   time.Time
	releasedAt time.Time // last tick the button was not held
	restart    bool

	requests chan *request
}

// request is a closure queued for the tick goroutine. claimed decides who
// owns it: the tick (which runs it) or the caller (which gave up on it).
type request struct {
	fn      func() error
	done    chan error
	claimed atomic.Bool
}

// Status is a snapshot of the node for the configuration interface.
type Status struct {
	Mode      Mode      `json:"mode"`
	Devices   int       `json:"devices"`
	Capacity  int       `json:"capacity"`
	CanAdd    bool      `json:"can_add"`
	Assistant bool      `json:"assistant"`
	Bus       bool      `json:"bus"`
	BootedAt  time.Time `json:"booted_at"`
}

// New creates a node over st. Boot must be called before Tick.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Node {
	n := &Node{
		store:         st,
		logger:        logger.With("component", "node"),
		holdThreshold: DefaultHoldThreshold,
		clock:         time.Now,
		requests:      make(chan *request, requestQueueSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.events == nil {
		n.events = NewEventBus(logger)
	}
	n.registry = registry.New(st, n.outputs, logger)
	n.settings = settings.New(st, logger)
	return n
}

// Events returns the node's event bus.
func (n *Node) Events() *EventBus { return n.events }

// Mode returns the current mode. Safe to call from any goroutine.
func (n *Node) Mode() Mode { return Mode(n.mode.Load()) }

// Boot evaluates the stored status cell and enters the matching mode.
//
// A count above capacity means the region was never initialised or is
// corrupt: the status cell is reset and the node starts in configuration
// mode, exactly as for a node that has no devices yet.
func (n *Node) Boot() error {
	now := n.clock()
	n.bootedAt = now
	n.releasedAt = now
	n.restart = false
	n.registry.Reset()

	st, err := n.settings.ReadFlags()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if !st.Valid() {
		n.logger.Warn("stored device count out of range, resetting", "count", st.Count)
		if err := n.settings.ResetStatus(); err != nil {
			return fmt.Errorf("boot: reset status: %w", err)
		}
		n.events.Emit(StorageReset{Count: st.Count})
		st = layout.Status{}
	}

	if st.Count == 0 {
		n.enterConfiguration("no devices configured")
		return nil
	}

	if err := n.registry.Load(st.Count); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	n.setMode(ModeOperational, "devices loaded")
	n.startOperational(st)
	return nil
}

func (n *Node) startOperational(st layout.Status) {
	devices := n.registry.List()

	if st.Assistant {
		if n.assistant == nil {
			n.logger.Warn("voice assistant enabled but no integration is available")
		} else if err := n.assistant.Enable(devices); err != nil {
			n.logger.Error("enable voice assistant", "err", err)
		}
	}

	if st.Bus {
		cfg, err := n.settings.LoadBusConfig()
		switch {
		case err != nil:
			n.logger.Error("load bus config", "err", err)
		case n.bus == nil:
			n.logger.Warn("message bus enabled but no integration is available")
		default:
			if err := n.bus.Enable(cfg, devices); err != nil {
				n.logger.Error("enable message bus", "err", err, "host", cfg.Host, "port", cfg.Port)
			}
		}
	}

	if n.backend != nil {
		if err := n.backend.Begin(devices); err != nil {
			n.logger.Error("start device control", "err", err)
		}
	}
}

func (n *Node) enterConfiguration(reason string) {
	n.setMode(ModeConfiguration, reason)
	if n.config == nil {
		return
	}
	if err := n.config.Start(); err != nil {
		n.logger.Error("start configuration service", "err", err)
	}
}

func (n *Node) setMode(m Mode, reason string) {
	n.mode.Store(int32(m))
	n.logger.Info("mode changed", "mode", m.String(), "reason", reason)
	n.events.Emit(ModeChanged{Mode: m, Reason: reason})
}

// Tick services the requests queued before it started, then samples the
// button once.
func (n *Node) Tick(now time.Time, held bool) {
	n.drain()
	n.sample(now, held)
}

func (n *Node) drain() {
	for pending := len(n.requests); pending > 0; pending-- {
		req := <-n.requests
		if !req.claimed.CompareAndSwap(false, true) {
			continue
		}
		req.done <- req.fn()
	}
}

// sample tracks a continuous button hold. Any release resets the hold start,
// so short presses never add up.
func (n *Node) sample(now time.Time, held bool) {
	if !held {
		n.releasedAt = now
		return
	}
	if n.Mode() != ModeOperational {
		return
	}
	if heldFor := now.Sub(n.releasedAt); heldFor >= n.holdThreshold {
		n.logger.Info("configuration button held", "held_for", heldFor)
		n.enterConfiguration("button held")
	}
}

// Run ticks every interval until ctx is done or a restart was requested.
// button may be nil.
func (n *Node) Run(ctx context.Context, interval time.Duration, button Button) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n.Tick(now, n.sampleButton(button))
			if n.restart {
				return ErrRestart
			}
		}
	}
}

func (n *Node) sampleButton(button Button) bool {
	if button == nil {
		return false
	}
	held, err := button.Held()
	if err != nil {
		n.logger.Debug("sample button", "err", err)
		return false
	}
	return held
}

// submit queues fn for the next tick and waits for its result. If ctx ends
// before the tick picks the request up, fn never runs. Once it has started,
// submit waits for it so the caller always learns the real outcome.
func (n *Node) submit(ctx context.Context, fn func() error) error {
	req := &request{fn: fn, done: make(chan error, 1)}
	select {
	case n.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if req.claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-req.done
	}
}

// AddDevice registers a device.
func (n *Node) AddDevice(ctx context.Context, pin uint8, name string) error {
	return n.submit(ctx, func() error {
		if err := n.registry.Add(pin, name); err != nil {
			return err
		}
		d, _ := n.registry.Get(name)
		n.events.Emit(DeviceAdded{Device: d})
		return nil
	})
}

// Devices lists the registered devices in registry order. Devices the
// backend is driving report their live state instead of the stored one.
func (n *Node) Devices(ctx context.Context) ([]registry.Device, error) {
	var devices []registry.Device
	err := n.submit(ctx, func() error {
		devices = n.registry.List()
		if n.backend == nil {
			return nil
		}
		for i, d := range devices {
			if live, ok := n.backend.Device(d.Name); ok {
				devices[i].State = live.State
			}
		}
		return nil
	})
	return devices, err
}

// DeleteDevice removes the named device. Unknown names are not an error.
func (n *Node) DeleteDevice(ctx context.Context, name string) error {
	return n.submit(ctx, func() error {
		d, ok := n.registry.Get(name)
		if err := n.registry.Delete(name); err != nil {
			return err
		}
		if ok {
			n.events.Emit(DeviceDeleted{Device: d})
		}
		return nil
	})
}

// DeleteAllDevices empties the registry.
func (n *Node) DeleteAllDevices(ctx context.Context) error {
	return n.submit(ctx, func() error {
		removed := n.registry.Len()
		if err := n.registry.DeleteAll(); err != nil {
			return err
		}
		n.events.Emit(DevicesCleared{Removed: removed})
		return nil
	})
}

// Status returns a snapshot of mode, registry size and flags.
func (n *Node) Status(ctx context.Context) (Status, error) {
	var s Status
	err := n.submit(ctx, func() error {
		st, err := n.settings.ReadFlags()
		if err != nil {
			return err
		}
		s = Status{
			Mode:      n.Mode(),
			Devices:   n.registry.Len(),
			Capacity:  layout.MaxDevices,
			CanAdd:    !n.registry.Full(),
			Assistant: st.Assistant,
			Bus:       st.Bus,
			BootedAt:  n.bootedAt,
		}
		return nil
	})
	return s, err
}

// Flags returns the stored flags and integration config.
func (n *Node) Flags(ctx context.Context) (layout.Status, layout.BusConfig, error) {
	var (
		st  layout.Status
		cfg layout.BusConfig
	)
	err := n.submit(ctx, func() error {
		var err error
		if st, err = n.settings.ReadFlags(); err != nil {
			return err
		}
		cfg, err = n.settings.LoadBusConfig()
		return err
	})
	return st, cfg, err
}

// ApplyFlags stores new feature flags. They take effect after a restart.
func (n *Node) ApplyFlags(ctx context.Context, u settings.Update) error {
	return n.submit(ctx, func() error {
		if err := n.settings.Apply(u); err != nil {
			return err
		}
		n.events.Emit(FlagsChanged{Assistant: u.Assistant, Bus: u.BusEnabled})
		return nil
	})
}

// SetDevice switches a device output through the backend.
func (n *Node) SetDevice(ctx context.Context, name string, on bool) (registry.Device, error) {
	var d registry.Device
	err := n.submit(ctx, func() error {
		if n.backend == nil {
			return ErrNoBackend
		}
		var err error
		if d, err = n.backend.Set(name, on); err != nil {
			return err
		}
		n.events.Emit(DeviceState{Device: d})
		return nil
	})
	return d, err
}

// Restart flushes the store and makes Run return ErrRestart after the
// current tick.
func (n *Node) Restart(ctx context.Context) error {
	return n.submit(ctx, func() error {
		if err := n.store.Commit(); err != nil {
			return fmt.Errorf("flush store: %w", err)
		}
		n.logger.Info("restart requested")
		n.restart = true
		return nil
	})
}
