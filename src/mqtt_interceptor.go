package main

import (
	"context"
	"log"
)

// mqttInterceptorWorker gates service calls on the state of an enable switch.
// It forwards messages from inputChan to outputChan; only command topics are held
// back while the switch is off, so sensors keep updating.
func mqttInterceptorWorker(
	ctx context.Context,
	name string,
	enableEntity string,
	inputChan <-chan MQTTMessage,
	outputChan chan<- MQTTMessage,
	changes <-chan StateChange,
	forceEnable bool,
) {
	log.Printf("%s interceptor started\n", name)
	enabled := true // Default to enabled

	for {
		select {
		case change := <-changes:
			if change.EntityID != enableEntity || !change.IsState() {
				continue
			}
			newEnabled := change.New == "on"
			if newEnabled != enabled {
				log.Printf("%s enabled: %v\n", name, newEnabled)
				enabled = newEnabled
			}

		case msg := <-inputChan:
			if forceEnable || enabled || !isCommandTopic(msg.Topic) {
				select {
				case outputChan <- msg:
				case <-ctx.Done():
					return
				}
			} else {
				log.Printf("%s disabled, dropping message to %s\n", name, msg.Topic)
			}

		case <-ctx.Done():
			log.Printf("%s interceptor stopped\n", name)
			return
		}
	}
}
