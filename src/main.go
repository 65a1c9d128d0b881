package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/blindctl/src/shading"
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
// The returned channel is closed once the goroutine has exited for good.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) <-chan struct{} {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	done := make(chan struct{})
	go func() {
		defer close(done)
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Returned normally, either cancelled or finished
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// blindDeps is what every blind controller shares
type blindDeps struct {
	env        *EnvConfig
	ephemeris  shading.Ephemeris
	hub        *StateHub
	sender     *MQTTSender
	metrics    *Metrics
	statusChan chan<- BlindStatus
}

// blindSet is the group of controllers started from one version of the config
type blindSet struct {
	cancel   context.CancelFunc
	configs  []BlindConfig
	controls map[string]*blindControl
	done     []<-chan struct{}
}

// expireAfter is how long Home Assistant keeps a blind's sensors without an update
func expireAfter(b BlindConfig) time.Duration {
	return max(30*time.Minute, 3*b.Window.DeltaTime)
}

// startBlinds creates the discovery entities and launches one controller per blind
func startBlinds(ctx context.Context, shutdown context.CancelFunc, configs []BlindConfig, deps blindDeps) *blindSet {
	blindCtx, cancel := context.WithCancel(ctx)
	set := &blindSet{
		cancel:   cancel,
		configs:  configs,
		controls: make(map[string]*blindControl, len(configs)),
	}

	for _, b := range configs {
		if err := deps.sender.CreateBlindEntities(b, expireAfter(b)); err != nil {
			log.Printf("Failed to create %s entities: %v\n", b.Name, err)
		}

		control := newBlindControl()
		set.controls[b.ID] = control

		controllerConfig := BlindControllerConfig{
			Blind:        b,
			SunEntity:    deps.env.SunEntity,
			PollInterval: deps.env.PollInterval,
			Ephemeris:    deps.ephemeris,
		}
		done := SafeGo(blindCtx, shutdown, b.ID+"-controller", func(ctx context.Context) {
			blindControllerWorker(ctx, controllerConfig, deps.hub, deps.sender, deps.metrics, control, deps.statusChan)
		})
		set.done = append(set.done, done)
	}

	log.Printf("Started %d blind controllers\n", len(configs))
	return set
}

// Stop cancels every controller in the set and waits for them to exit
func (s *blindSet) Stop() {
	s.cancel()
	for _, done := range s.done {
		<-done
	}
}

// Refresh asks a blind, or every blind when id is empty, to evaluate now.
// Returns false for an unknown id.
func (s *blindSet) Refresh(id string) bool {
	return s.poke(id, func(c *blindControl) chan struct{} { return c.refresh })
}

// ClearOverride ends the manual-override hold of a blind, or of every blind when id
// is empty. Returns false for an unknown id.
func (s *blindSet) ClearOverride(id string) bool {
	return s.poke(id, func(c *blindControl) chan struct{} { return c.clearOverride })
}

func (s *blindSet) poke(id string, pick func(*blindControl) chan struct{}) bool {
	send := func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default: // already pending
		}
	}

	if id == "" {
		for _, c := range s.controls {
			send(pick(c))
		}
		return true
	}
	c, ok := s.controls[id]
	if ok {
		send(pick(c))
	}
	return ok
}

// reloadBlinds re-reads the blinds config and restarts every controller. If the new
// config is invalid the current controllers keep running.
func reloadBlinds(ctx context.Context, shutdown context.CancelFunc, current *blindSet, deps blindDeps) *blindSet {
	configs, err := LoadBlindConfigs(deps.env.BlindsConfigPath)
	if err != nil {
		log.Printf("Reload failed, keeping current blinds: %v\n", err)
		return current
	}

	log.Println("Reloading blinds...")
	current.Stop()

	kept := make(map[string]bool, len(configs))
	for _, b := range configs {
		kept[b.ID] = true
	}
	for _, b := range current.configs {
		if !kept[b.ID] {
			log.Printf("Removing %s\n", b.Name)
			deps.sender.RemoveBlindEntities(b.ID)
			deps.metrics.ForgetBlind(b.ID)
		}
	}

	return startBlinds(ctx, shutdown, configs, deps)
}

func main() {
	log.Println("Starting blindctl...")

	env, err := LoadEnvConfig()
	if err != nil {
		log.Fatal(err)
	}

	blinds, err := LoadBlindConfigs(env.BlindsConfigPath)
	if err != nil {
		log.Fatal(err)
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := NewMetrics()
	hub := NewStateHub(metrics)

	// Create channels for communication between workers
	msgChan := make(chan SensorMessage, 10)
	changeChan := make(chan StateChange, 10)
	commandChan := make(chan MQTTMessage, 100)      // Into the interceptor
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect
	controlChan := make(chan ControlRequest, 4)
	var statusChan chan BlindStatus // Stays nil without the console; sends are skipped

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan, metrics)
	})

	enableSub := hub.Subscribe("interceptor", 4, EntityBlindctlEnabled)
	defer enableSub.Cancel()
	SafeGo(ctx, cancel, "blindctl-interceptor", func(ctx context.Context) {
		mqttInterceptorWorker(ctx, "Blindctl", EntityBlindctlEnabled, commandChan, mqttOutgoingChan, enableSub.C, env.ForceEnable)
	})

	mqttSender := NewMQTTSender(commandChan)
	if err := mqttSender.CreateBlindctlSwitch(); err != nil {
		cancel()
		log.Fatalf("Failed to create enable switch: %v", err)
	}

	SafeGo(ctx, cancel, "state-worker", func(ctx context.Context) {
		stateWorker(ctx, msgChan, changeChan, expectedTopics(env.SunEntity, blinds))
	})
	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, changeChan, hub)
	})
	log.Println("State workers started")

	if env.MetricsAddr != "" {
		SafeGo(ctx, cancel, "http-worker", func(ctx context.Context) {
			httpWorker(ctx, env.MetricsAddr, metrics)
		})
	}

	if env.DebugConsole {
		statusChan = make(chan BlindStatus, 32)
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, statusChan, hub, controlChan)
		})
	}

	deps := blindDeps{
		env:        env,
		ephemeris:  env.Location,
		hub:        hub,
		sender:     mqttSender,
		metrics:    metrics,
		statusChan: statusChan,
	}
	set := startBlinds(ctx, cancel, blinds, deps)

	topics := subscriptionTopics(env.SunEntity)
	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, env.MQTTBroker, topics, env.MQTTUsername, env.MQTTPassword, msgChan, mqttClientChan, metrics)
	})
	log.Println("MQTT worker started")

	// Wait for interrupt signal, reload requests or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)

	for {
		select {
		case <-hupChan:
			set = reloadBlinds(ctx, cancel, set, deps)

		case req := <-controlChan:
			switch req.Kind {
			case "reload":
				set = reloadBlinds(ctx, cancel, set, deps)
			case "refresh":
				if !set.Refresh(req.Blind) {
					log.Printf("Unknown blind: %s\n", req.Blind)
				}
			case "clear_override":
				if !set.ClearOverride(req.Blind) {
					log.Printf("Unknown blind: %s\n", req.Blind)
				}
			}

		case <-sigChan:
			log.Println("\nShutting down...")
			cancel()
			set.Stop()
			return

		case <-ctx.Done():
			log.Println("\nShutting down due to error...")
			set.Stop()
			return
		}
	}
}
