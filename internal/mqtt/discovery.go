//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"

	"homenode/internal/registry"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/homenode_lamp/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haSwitch is the HA discovery payload for one output.
type haSwitch struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template"`
	CommandTemplate   string   `json:"command_template"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	Device            haDevice `json:"device"`
}

// topicName sanitises a device name for use as a topic level.
func topicName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(name))
}

func objectID(nodeName string, dev registry.Device) string {
	return topicName(nodeName) + "_" + topicName(dev.Name)
}

// buildDiscovery returns the switch discovery message for a device. The
// node itself is the HA device; every output is one of its entities.
func buildDiscovery(dev registry.Device, prefix, nodeName string) discoveryMsg {
	id := objectID(nodeName, dev)
	stateTopic := prefix + "/" + topicName(dev.Name)
	payload := haSwitch{
		Name:              dev.Name,
		UniqueID:          id,
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: prefix + "/bridge/state",
		ValueTemplate:     "{{ value_json.state }}",
		CommandTemplate:   `{"state": "{{ value }}"}`,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device: haDevice{
			Identifiers:  []string{topicName(nodeName)},
			Manufacturer: "homenode",
			Model:        "output node",
			Name:         nodeName,
		},
	}
	return discoveryMsg{
		Topic:   "homeassistant/switch/" + id + "/config",
		Payload: mustJSON(payload),
	}
}

func buildRemoveDiscovery(dev registry.Device, nodeName string) discoveryMsg {
	return discoveryMsg{Topic: "homeassistant/switch/" + objectID(nodeName, dev) + "/config"}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
