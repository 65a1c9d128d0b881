package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// TopicCallService is where the Node-RED proxy listens for Home Assistant service calls
const TopicCallService = "nodered/proxy/call_service"

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// CallService sends a Home Assistant service call via the Node-RED proxy
func (s *MQTTSender) CallService(domain, service, entityID string, data map[string]any) {
	call := map[string]any{
		"domain":    domain,
		"service":   service,
		"entity_id": entityID,
	}
	if len(data) > 0 {
		call["data"] = data
	}
	payload, _ := json.Marshal(call)

	s.ch <- MQTTMessage{
		Topic:   TopicCallService,
		Payload: payload,
		QoS:     1,
		Retain:  false,
	}
}

// SetCoverPosition moves a cover to position (0 closed, 100 open)
func (s *MQTTSender) SetCoverPosition(entityID string, position int) {
	s.CallService("cover", "set_cover_position", entityID, map[string]any{
		"position": position,
	})
}

// blindStateTopic is the JSON state topic every entity of a blind reads from
func blindStateTopic(blindID string) string {
	return "homeassistant/sensor/blindctl_" + blindID + "/state"
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haEntityConfig struct {
	Name                string         `json:"name,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateTopic          string         `json:"state_topic"`
	JsonAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	UnitOfMeasure       string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string         `json:"value_template"`
	UniqueId            string         `json:"unique_id"`
	ExpireAfter         uint           `json:"expire_after,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	DisplayPrecision    int            `json:"suggested_display_precision,omitempty"`
	Options             []string       `json:"options,omitempty"`
	PayloadOn           string         `json:"payload_on,omitempty"`
	PayloadOff          string         `json:"payload_off,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	Device              haDeviceConfig `json:"device"`
}

// blindEntity describes one discovery entity exposed for every blind
type blindEntity struct {
	component string // sensor or binary_sensor
	key       string // key in the state JSON
	name      string
	class     string
	unit      string
	precision int
	icon      string
}

var blindEntities = []blindEntity{
	{component: "sensor", key: "azimuth", name: "Sun Azimuth", unit: "°", precision: 1, icon: "mdi:sun-compass"},
	{component: "sensor", key: "elevation", name: "Sun Elevation", unit: "°", precision: 1, icon: "mdi:sun-angle"},
	{component: "sensor", key: "shadow_length", name: "Shadow Length", class: "distance", unit: "m", precision: 1},
	{component: "sensor", key: "cover_height", name: "Cover Height", class: "distance", unit: "m", precision: 1},
	{component: "sensor", key: "cover_setting", name: "Cover Setting", unit: "%", icon: "mdi:blinds"},
	{component: "sensor", key: "window_state", name: "Window State", class: "enum", icon: "mdi:window-open-variant"},
	{component: "binary_sensor", key: "sun_in_window", name: "Sun In Window", icon: "mdi:white-balance-sunny"},
	{component: "binary_sensor", key: "manual_override", name: "Manual Override", icon: "mdi:hand-back-right"},
	{component: "binary_sensor", key: "last_update_success", name: "Last Update Success", class: "connectivity"},
}

func discoveryTopic(component, blindID, key string) string {
	return "homeassistant/" + component + "/blindctl_" + blindID + "_" + key + "/config"
}

// CreateBlindEntities creates the Home Assistant entities for one blind via MQTT
// discovery. expireAfter marks them unavailable if no update arrives in time.
func (s *MQTTSender) CreateBlindEntities(blind BlindConfig, expireAfter time.Duration) error {
	device := haDeviceConfig{
		Identifiers:  []string{"blindctl_" + blind.ID},
		Name:         blind.Name,
		Manufacturer: "blindctl",
		Model:        "Sun shading",
	}

	for _, e := range blindEntities {
		config := haEntityConfig{
			Name:             e.name,
			DeviceClass:      e.class,
			StateTopic:       blindStateTopic(blind.ID),
			UnitOfMeasure:    e.unit,
			ValueTemplate:    "{{ value_json." + e.key + " }}",
			UniqueId:         "blindctl_" + blind.ID + "_" + e.key,
			ExpireAfter:      uint(expireAfter.Seconds()),
			DisplayPrecision: e.precision,
			Icon:             e.icon,
			Device:           device,
		}

		switch e.component {
		case "binary_sensor":
			config.ValueTemplate = "{{ 'ON' if value_json." + e.key + " else 'OFF' }}"
			config.PayloadOn = "ON"
			config.PayloadOff = "OFF"
		case "sensor":
			if e.unit != "" {
				config.StateClass = "measurement"
			}
		}
		if e.key == "window_state" {
			config.JsonAttributesTopic = blindStateTopic(blind.ID)
			for _, ws := range windowStates {
				config.Options = append(config.Options, string(ws))
			}
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}

		s.Send(MQTTMessage{
			Topic:   discoveryTopic(e.component, blind.ID, e.key),
			Payload: payload,
			QoS:     2,
			Retain:  true,
		})
	}

	return nil
}

// RemoveBlindEntities deletes the discovery entities of a blind that is no longer
// configured
func (s *MQTTSender) RemoveBlindEntities(blindID string) {
	for _, e := range blindEntities {
		s.Send(MQTTMessage{
			Topic:  discoveryTopic(e.component, blindID, e.key),
			QoS:    2,
			Retain: true,
		})
	}
	s.Send(MQTTMessage{Topic: blindStateTopic(blindID), QoS: 1, Retain: true})
}

// PublishStatus publishes the flat key/value status of a blind
func (s *MQTTSender) PublishStatus(blindID string, attrs map[string]any) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{
		Topic:   blindStateTopic(blindID),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return nil
}

// EntityBlindctlEnabled is the switch that gates cover commands
const EntityBlindctlEnabled = "switch.blindctl_enabled"

// CreateBlindctlSwitch creates the blindctl_enabled switch via MQTT discovery
func (s *MQTTSender) CreateBlindctlSwitch() error {
	type haSwitchConfig struct {
		Name         string         `json:"name"`
		StateTopic   string         `json:"state_topic"`
		CommandTopic string         `json:"command_topic"`
		UniqueId     string         `json:"unique_id"`
		Icon         string         `json:"icon,omitempty"`
		Optimistic   bool           `json:"optimistic"`
		Device       haDeviceConfig `json:"device"`
	}

	config := haSwitchConfig{
		Name:         "Enabled",
		StateTopic:   stateTopic(EntityBlindctlEnabled),
		CommandTopic: "homeassistant/switch/blindctl_enabled/set",
		UniqueId:     "blindctl_enabled",
		Icon:         "mdi:blinds-horizontal",
		Optimistic:   true,
		Device: haDeviceConfig{
			Identifiers:  []string{"blindctl"},
			Name:         "Blindctl",
			Manufacturer: "Custom",
		},
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   "homeassistant/switch/blindctl_enabled/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})

	return nil
}

// isCommandTopic checks if a topic would make Home Assistant act on a device
func isCommandTopic(topic string) bool {
	return topic == TopicCallService
}

// mqttSenderWorker publishes outgoing messages, queuing them while there is no
// connected client
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
	metrics *Metrics,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			// Process any queued messages now that we have a client
			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					publish(msg)
				}
				messageQueue = nil
				metrics.SetQueued(0)
				if queuedCount > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
				continue
			}

			// Newer status replaces an older queued one for the same retained topic
			replaced := false
			if msg.Retain {
				for i := range messageQueue {
					if messageQueue[i].Topic == msg.Topic {
						messageQueue[i] = msg
						replaced = true
						break
					}
				}
			}
			if !replaced {
				messageQueue = append(messageQueue, msg)
			}
			metrics.SetQueued(len(messageQueue))
			log.Printf("MQTT sender worker queued message (total queued: %d)\n", len(messageQueue))

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
