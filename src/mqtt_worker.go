package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// SensorMessage represents an MQTT message with topic and value
type SensorMessage struct {
	Topic string
	Value string
}

// subscriptionTopics is what the MQTT worker subscribes to. Covers use wildcards so
// a reload can add blinds without reconnecting.
func subscriptionTopics(sunEntity string) []string {
	return []string{
		stateTopic(sunEntity),
		stateTopic(EntityBlindctlEnabled),
		statestreamBase + "/cover/+/state",
		statestreamBase + "/cover/+/current_position",
	}
}

// expectedTopics lists the exact topics the configured blinds rely on, for startup
// reporting
func expectedTopics(sunEntity string, blinds []BlindConfig) []string {
	topics := []string{stateTopic(sunEntity)}
	for _, b := range blinds {
		if b.Cover != "" {
			topics = append(topics, stateTopic(b.Cover))
		}
	}
	return topics
}

// mqttWorker manages MQTT connection and forwards messages to a channel
func mqttWorker(
	ctx context.Context,
	broker string,
	topics []string,
	username, password string,
	msgChan chan<- SensorMessage,
	clientChan chan<- mqtt.Client,
	metrics *Metrics,
) {
	clientID := "blindctl-" + uuid.New().String()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", broker))
	opts.SetClientID(clientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	// Set up connection lost handler
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
		metrics.SetMQTTConnected(false)
	})

	// Set up connection handler
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s as %s\n", broker, clientID)
		metrics.SetMQTTConnected(true)

		// Send the new client to the sender worker
		select {
		case clientChan <- client:
			log.Println("Sent new MQTT client to sender worker")
		case <-ctx.Done():
			return
		}

		// Subscribe to all topics
		for _, topic := range topics {
			token := client.Subscribe(topic, 0, func(client mqtt.Client, msg mqtt.Message) {
				value := string(msg.Payload())

				// Entity has dropped out; keep the last known value
				if value == "Undefined" || value == "unavailable" {
					return
				}

				select {
				case msgChan <- SensorMessage{Topic: msg.Topic(), Value: value}:
				case <-ctx.Done():
					return
				}
			})

			if token.Wait() && token.Error() != nil {
				log.Printf("Failed to subscribe to topic %s: %v\n", topic, token.Error())
			} else {
				log.Printf("Subscribed to topic: %s\n", topic)
			}
		}
	})

	// Retry the first connection with exponential backoff until ctx is done;
	// after that paho reconnects on its own
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	var client mqtt.Client
	log.Printf("Connecting to MQTT broker at %s...\n", broker)
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		log.Printf("Gave up connecting to MQTT broker: %v\n", err)
		return
	}

	// Keep worker alive until context is done
	<-ctx.Done()

	// Cleanup
	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
	metrics.SetMQTTConnected(false)
}
