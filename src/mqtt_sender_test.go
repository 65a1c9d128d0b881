package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch chan MQTTMessage) []MQTTMessage {
	var msgs []MQTTMessage
	for {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestSetCoverPosition(t *testing.T) {
	ch := make(chan MQTTMessage, 1)
	NewMQTTSender(ch).SetCoverPosition("cover.office", 35)

	msg := <-ch
	assert.Equal(t, "nodered/proxy/call_service", msg.Topic)
	assert.Equal(t, byte(1), msg.QoS)
	assert.False(t, msg.Retain)
	assert.JSONEq(t, `{"domain":"cover","service":"set_cover_position","entity_id":"cover.office","data":{"position":35}}`, string(msg.Payload))
}

func TestCallServiceWithoutData(t *testing.T) {
	ch := make(chan MQTTMessage, 1)
	NewMQTTSender(ch).CallService("cover", "stop_cover", "cover.office", nil)

	assert.JSONEq(t, `{"domain":"cover","service":"stop_cover","entity_id":"cover.office"}`, string((<-ch).Payload))
}

func TestCreateBlindEntities(t *testing.T) {
	ch := make(chan MQTTMessage, 20)
	blind := BlindConfig{Name: "Office", ID: "office"}
	require.NoError(t, NewMQTTSender(ch).CreateBlindEntities(blind, 30*time.Minute))

	msgs := drain(ch)
	require.Len(t, msgs, len(blindEntities))

	byTopic := make(map[string]map[string]any)
	for _, msg := range msgs {
		assert.Equal(t, byte(2), msg.QoS)
		assert.True(t, msg.Retain)
		var config map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &config))
		byTopic[msg.Topic] = config
	}

	elevation := byTopic["homeassistant/sensor/blindctl_office_elevation/config"]
	require.NotNil(t, elevation)
	assert.Equal(t, "homeassistant/sensor/blindctl_office/state", elevation["state_topic"])
	assert.Equal(t, "{{ value_json.elevation }}", elevation["value_template"])
	assert.Equal(t, "blindctl_office_elevation", elevation["unique_id"])
	assert.Equal(t, 1800.0, elevation["expire_after"])
	assert.Equal(t, "measurement", elevation["state_class"])

	state := byTopic["homeassistant/sensor/blindctl_office_window_state/config"]
	require.NotNil(t, state)
	assert.Equal(t, "enum", state["device_class"])
	assert.Equal(t, []any{"early", "in_front", "just_left", "passed"}, state["options"])
	assert.Equal(t, "homeassistant/sensor/blindctl_office/state", state["json_attributes_topic"])
	assert.NotContains(t, state, "state_class")

	inWindow := byTopic["homeassistant/binary_sensor/blindctl_office_sun_in_window/config"]
	require.NotNil(t, inWindow)
	assert.Equal(t, "{{ 'ON' if value_json.sun_in_window else 'OFF' }}", inWindow["value_template"])
	assert.Equal(t, "ON", inWindow["payload_on"])

	device := inWindow["device"].(map[string]any)
	assert.Equal(t, "Office", device["name"])
	assert.Equal(t, []any{"blindctl_office"}, device["identifiers"])
}

func TestRemoveBlindEntities(t *testing.T) {
	ch := make(chan MQTTMessage, 20)
	NewMQTTSender(ch).RemoveBlindEntities("office")

	msgs := drain(ch)
	require.Len(t, msgs, len(blindEntities)+1)
	for _, msg := range msgs {
		assert.Empty(t, msg.Payload, msg.Topic)
		assert.True(t, msg.Retain)
	}
	assert.Equal(t, "homeassistant/sensor/blindctl_office/state", msgs[len(msgs)-1].Topic)
}

func TestPublishStatus(t *testing.T) {
	ch := make(chan MQTTMessage, 1)
	err := NewMQTTSender(ch).PublishStatus("office", map[string]any{"window_state": "passed", "cover_setting": nil})
	require.NoError(t, err)

	msg := <-ch
	assert.Equal(t, "homeassistant/sensor/blindctl_office/state", msg.Topic)
	assert.True(t, msg.Retain)
	assert.JSONEq(t, `{"window_state":"passed","cover_setting":null}`, string(msg.Payload))

	err = NewMQTTSender(ch).PublishStatus("office", map[string]any{"bad": func() {}})
	assert.Error(t, err)
}

func TestCreateBlindctlSwitch(t *testing.T) {
	ch := make(chan MQTTMessage, 1)
	require.NoError(t, NewMQTTSender(ch).CreateBlindctlSwitch())

	msg := <-ch
	assert.Equal(t, "homeassistant/switch/blindctl_enabled/config", msg.Topic)
	var config map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &config))
	assert.Equal(t, "homeassistant/switch/blindctl_enabled/state", config["state_topic"])
	assert.Equal(t, true, config["optimistic"])
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

// recordingClient is a connected client that remembers what was published
type recordingClient struct {
	mqtt.Client

	mu        sync.Mutex
	published []MQTTMessage
}

func (c *recordingClient) IsConnected() bool { return true }

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, MQTTMessage{Topic: topic, Payload: payload.([]byte), QoS: qos, Retain: retained})
	return doneToken{}
}

func (c *recordingClient) messages() []MQTTMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MQTTMessage(nil), c.published...)
}

func TestMQTTSenderWorkerQueuesUntilConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outgoing := make(chan MQTTMessage)
	clients := make(chan mqtt.Client)
	go mqttSenderWorker(ctx, outgoing, clients, NewMetrics())

	outgoing <- MQTTMessage{Topic: "status", Payload: []byte("1"), Retain: true}
	outgoing <- MQTTMessage{Topic: TopicCallService, Payload: []byte("a")}
	outgoing <- MQTTMessage{Topic: "status", Payload: []byte("2"), Retain: true}

	client := &recordingClient{}
	clients <- client
	outgoing <- MQTTMessage{Topic: "live", Payload: []byte("3")}

	require.Eventually(t, func() bool { return len(client.messages()) == 3 }, time.Second, 10*time.Millisecond)
	msgs := client.messages()

	// The newer retained status took the older one's place in the queue
	assert.Equal(t, "status", msgs[0].Topic)
	assert.Equal(t, []byte("2"), msgs[0].Payload)
	assert.Equal(t, TopicCallService, msgs[1].Topic)
	assert.Equal(t, "live", msgs[2].Topic)
}
