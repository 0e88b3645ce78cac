//go:build !no_mqtt

// Package mqtt connects the node's outputs to an MQTT broker with Home
// Assistant discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"homenode/internal/layout"
	"homenode/internal/registry"
)

// Config holds MQTT settings that are not part of the stored integration
// record. Broker host and port come from the node's storage.
type Config struct {
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	NodeName    string
}

// Commander switches outputs. Calls must be safe from MQTT callback
// goroutines.
type Commander interface {
	SetDevice(ctx context.Context, name string, on bool) (registry.Device, error)
}

// Bridge publishes output states and accepts set commands.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	client  pahomqtt.Client
	cmd     Commander
	devices map[string]registry.Device // topic name -> device
}

// NewBridge creates an unconnected bridge. Bind and Enable connect it.
func NewBridge(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "homenode"
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "homenode"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "homenode-" + uuid.NewString()[:8]
	}
	return &Bridge{
		cfg:     cfg,
		logger:  logger.With("component", "mqtt"),
		devices: make(map[string]registry.Device),
	}
}

// Bind sets the target for incoming set commands.
func (b *Bridge) Bind(cmd Commander) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmd = cmd
}

// Enable connects to the broker in cfg and announces devices.
func (b *Bridge) Enable(cfg layout.BusConfig, devices []registry.Device) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	for _, d := range devices {
		b.devices[topicName(d.Name)] = d
	}
	b.mu.Unlock()

	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	prefix := b.cfg.TopicPrefix
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", broker)
			b.publish(prefix+"/bridge/state", []byte("online"), true)
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	// With ConnectRetry the token only completes once connected; a timeout
	// leaves the client retrying in the background.
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		token := client.Publish(b.cfg.TopicPrefix+"/bridge/state", 1, true, []byte("offline"))
		token.WaitTimeout(2 * time.Second)
	}
	client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// PublishState publishes the current state of one device.
func (b *Bridge) PublishState(d registry.Device) {
	b.mu.Lock()
	b.devices[topicName(d.Name)] = d
	b.mu.Unlock()
	b.publish(b.cfg.TopicPrefix+"/"+topicName(d.Name), statePayload(d.State), true)
}

// Remove withdraws a device's discovery entry.
func (b *Bridge) Remove(d registry.Device) {
	b.mu.Lock()
	delete(b.devices, topicName(d.Name))
	b.mu.Unlock()
	msg := buildRemoveDiscovery(d, b.cfg.NodeName)
	b.publish(msg.Topic, msg.Payload, true)
}

func (b *Bridge) publishAll() {
	b.mu.Lock()
	devices := make([]registry.Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.Unlock()

	for _, d := range devices {
		msg := buildDiscovery(d, b.cfg.TopicPrefix, b.cfg.NodeName)
		b.publish(msg.Topic, msg.Payload, true)
		b.publish(b.cfg.TopicPrefix+"/"+topicName(d.Name), statePayload(d.State), true)
	}
	b.logger.Info("published HA discovery", "devices", len(devices))
}

func (b *Bridge) subscribeCommands() {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	topic := b.cfg.TopicPrefix + "/+/set"
	client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), b.cfg.TopicPrefix+"/"), "/set")
		b.handleCommand(name, msg.Payload())
	})
}

var errBadCommand = errors.New("invalid command")

// parseCommand accepts {"state": "ON"|"OFF"|"TOGGLE"} or the bare words.
func parseCommand(payload []byte) (string, error) {
	state := strings.TrimSpace(string(payload))
	if strings.HasPrefix(state, "{") {
		var cmd struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return "", fmt.Errorf("%w: %v", errBadCommand, err)
		}
		state = cmd.State
	}
	switch state = strings.ToUpper(state); state {
	case "ON", "OFF", "TOGGLE":
		return state, nil
	default:
		return "", fmt.Errorf("%w: state %q", errBadCommand, state)
	}
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	b.mu.Lock()
	dev, ok := b.devices[topic]
	cmd := b.cmd
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}
	if cmd == nil {
		b.logger.Warn("command received before bridge was bound", "device", dev.Name)
		return
	}

	state, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "device", dev.Name, "err", err)
		return
	}
	on := state == "ON" || (state == "TOGGLE" && !dev.State)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cmd.SetDevice(ctx, dev.Name, on); err != nil {
		b.logger.Warn("set command failed", "device", dev.Name, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	token := client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func statePayload(on bool) []byte {
	if on {
		return []byte(`{"state":"ON"}`)
	}
	return []byte(`{"state":"OFF"}`)
}
