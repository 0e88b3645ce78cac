//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "homenode/internal/mqtt"

	"homenode/internal/controls"
	"homenode/internal/node"
)

type busFeature struct {
	bridge *mqttbridge.Bridge
}

func initBus(cfg *Config, logger *slog.Logger) *busFeature {
	return &busFeature{bridge: mqttbridge.NewBridge(mqttbridge.Config{
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		NodeName:    cfg.Node.Name,
	}, logger)}
}

// options registers the bridge as the node's message bus. The node only
// connects it when the stored bus flag is set.
func (f *busFeature) options() []node.Option {
	return []node.Option{node.WithBus(f.bridge)}
}

func (f *busFeature) bind(n *node.Node, backend *controls.Backend) {
	f.bridge.Bind(n)
	backend.OnChange(f.bridge.PublishState)
	node.On(n.Events(), func(e node.DeviceDeleted) {
		f.bridge.Remove(e.Device)
	})
}

func (f *busFeature) Stop() {
	f.bridge.Stop()
}
