package main

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"
)

// Home Assistant's statestream publishes each entity under this base topic
const statestreamBase = "homeassistant"

// StateChange is a change to one entity's state or one of its attributes
type StateChange struct {
	EntityID  string
	Attribute string // empty for the state itself
	Old       string
	New       string
	Initial   bool // first value seen since startup, usually a retained message
	At        time.Time
}

// IsState reports whether the change is to the entity state rather than an attribute
func (c StateChange) IsState() bool {
	return c.Attribute == ""
}

// stateTopic returns the statestream topic carrying an entity's state,
// e.g. "cover.living_room" -> "homeassistant/cover/living_room/state"
func stateTopic(entityID string) string {
	return attributeTopic(entityID, "state")
}

// attributeTopic returns the statestream topic for one attribute of an entity
func attributeTopic(entityID, attribute string) string {
	domain, object, _ := strings.Cut(entityID, ".")
	return statestreamBase + "/" + domain + "/" + object + "/" + attribute
}

// parseStateTopic splits a statestream topic into entity id and attribute.
// The attribute is empty for the state topic.
func parseStateTopic(topic string) (entityID, attribute string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != statestreamBase {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	entityID = parts[1] + "." + parts[2]
	if parts[3] != "state" {
		attribute = parts[3]
	}
	return entityID, attribute, true
}

// decodeAttribute turns a statestream attribute payload into a plain string.
// Attributes are JSON encoded, so strings arrive quoted.
func decodeAttribute(payload string) string {
	var s string
	if err := json.Unmarshal([]byte(payload), &s); err == nil {
		return s
	}
	return strings.TrimSpace(payload)
}

// stateWorker turns raw statestream messages into entity changes, dropping repeats
func stateWorker(
	ctx context.Context,
	msgChan <-chan SensorMessage,
	outputChan chan<- StateChange,
	expectedTopics []string,
) {
	values := make(map[string]string)

	allTopicsReceived := len(expectedTopics) == 0
	startupCheckTicker := time.NewTicker(30 * time.Second)
	defer startupCheckTicker.Stop()

	for {
		select {
		case msg := <-msgChan:
			entityID, attribute, ok := parseStateTopic(msg.Topic)
			if !ok {
				log.Printf("State worker: ignoring non-statestream topic %s\n", msg.Topic)
				continue
			}

			value := msg.Value
			if attribute != "" {
				value = decodeAttribute(value)
			}

			old, existed := values[msg.Topic]
			if existed && old == value {
				continue
			}
			values[msg.Topic] = value

			change := StateChange{
				EntityID:  entityID,
				Attribute: attribute,
				Old:       old,
				New:       value,
				Initial:   !existed,
				At:        time.Now(),
			}
			select {
			case outputChan <- change:
			case <-ctx.Done():
				return
			}

			if !allTopicsReceived && hasAllTopics(values, expectedTopics) {
				allTopicsReceived = true
				startupCheckTicker.Stop()
				log.Printf("State worker ready: received data for all %d topics\n", len(expectedTopics))
			}

		case <-startupCheckTicker.C:
			if allTopicsReceived {
				continue
			}

			missing := missingTopics(values, expectedTopics)
			log.Printf("WARNING: Still waiting for topics. Missing %d/%d:\n",
				len(missing), len(expectedTopics))
			for _, topic := range missing {
				log.Printf("  - %s\n", topic)
			}

		case <-ctx.Done():
			return
		}
	}
}

func hasAllTopics(values map[string]string, expected []string) bool {
	return len(missingTopics(values, expected)) == 0
}

func missingTopics(values map[string]string, expected []string) []string {
	var missing []string
	for _, topic := range expected {
		if _, ok := values[topic]; !ok {
			missing = append(missing, topic)
		}
	}
	return missing
}
