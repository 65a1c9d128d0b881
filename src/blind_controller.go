package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/ryansname/blindctl/src/governor"
	"github.com/ryansname/blindctl/src/schedule"
	"github.com/ryansname/blindctl/src/shading"
)

// How long after a command a blind movement is still considered ours
const commandGrace = 3 * time.Minute

// Position changes up to this many points are sensor noise, not movement
const positionNoise = 1.0

// BlindControllerConfig holds everything one controller needs besides its channels
type BlindControllerConfig struct {
	Blind        BlindConfig
	SunEntity    string
	PollInterval time.Duration
	Ephemeris    shading.Ephemeris
}

// BlindStatus is the externally visible state of one blind
type BlindStatus struct {
	ID                string
	Name              string
	Result            *shading.Result // latest successful evaluation
	LastUpdateSuccess bool
	LastError         string
	ManualOverride    bool
	OverrideUntil     time.Time
	CoverPosition     *float64
	NextRun           time.Time
}

// Attributes is the flat key/value record published to Home Assistant
func (s BlindStatus) Attributes() map[string]any {
	var attrs map[string]any
	if s.Result != nil {
		attrs = s.Result.Attributes()
	} else {
		attrs = map[string]any{
			"timestamp":     nil,
			"azimuth":       nil,
			"elevation":     nil,
			"shadow_length": nil,
			"cover_height":  nil,
			"cover_setting": nil,
			"window_state":  nil,
			"sun_in_window": false,
		}
	}
	attrs["manual_override"] = s.ManualOverride
	attrs["last_update_success"] = s.LastUpdateSuccess
	if s.LastError != "" {
		attrs["last_error"] = s.LastError
	}
	if s.ManualOverride {
		attrs["manual_override_until"] = s.OverrideUntil.Format(time.RFC3339)
	}
	return attrs
}

// blindController owns the evaluation memory and cover bookkeeping of one blind.
// Only the controller's worker goroutine touches it.
type blindController struct {
	cfg     BlindControllerConfig
	hub     *StateHub
	sender  *MQTTSender
	metrics *Metrics
	now     func() time.Time

	mem         shading.Memory
	last        *shading.Result
	lastSuccess bool
	lastErr     error
	nextRun     time.Time

	deadband      *governor.PositionDeadband
	override      *governor.ManualOverride
	coverState    string
	coverPosition *float64
}

func newBlindController(cfg BlindControllerConfig, hub *StateHub, sender *MQTTSender, metrics *Metrics) *blindController {
	return &blindController{
		cfg:      cfg,
		hub:      hub,
		sender:   sender,
		metrics:  metrics,
		now:      time.Now,
		deadband: governor.NewPositionDeadband(cfg.Blind.Window.DeltaPosition),
		override: governor.NewManualOverride(commandGrace, cfg.Blind.ManualOverride, positionNoise),
	}
}

func (c *blindController) watchedEntities() []string {
	ids := []string{c.cfg.SunEntity, EntityBlindctlEnabled}
	if c.cfg.Blind.Cover != "" {
		ids = append(ids, c.cfg.Blind.Cover)
	}
	return ids
}

// primeFromHub picks up cover state that arrived before this controller subscribed,
// e.g. after a reload
func (c *blindController) primeFromHub() {
	if c.cfg.Blind.Cover == "" {
		return
	}
	state, ok := c.hub.Get(c.cfg.Blind.Cover)
	if !ok {
		return
	}
	c.coverState = state.State
	if v, ok := state.Attributes["current_position"]; ok {
		if pos, err := strconv.ParseFloat(v, 64); err == nil {
			c.coverPosition = &pos
		}
	}
	c.observeCover(c.now())
}

func isTransientCoverState(state string) bool {
	return state == "opening" || state == "closing"
}

// handleChange applies an entity change and reports whether it should trigger a cycle
func (c *blindController) handleChange(change StateChange) bool {
	switch change.EntityID {
	case c.cfg.Blind.Cover:
		return c.handleCoverChange(change)

	case EntityBlindctlEnabled:
		// Commands may have been dropped while disabled, so forget where we think
		// the blind is
		if change.IsState() && change.New == "on" && !change.Initial {
			c.deadband = governor.NewPositionDeadband(c.cfg.Blind.Window.DeltaPosition)
			return true
		}
		return false

	case c.cfg.SunEntity:
		return change.IsState()
	}
	return false
}

func (c *blindController) handleCoverChange(change StateChange) bool {
	if !change.IsState() {
		if change.Attribute == "current_position" {
			if pos, err := strconv.ParseFloat(change.New, 64); err == nil {
				c.coverPosition = &pos
				c.observeCover(change.At)
			}
		}
		return false
	}

	c.coverState = change.New
	if isTransientCoverState(change.New) {
		return false
	}
	c.observeCover(change.At)
	return true
}

// observeCover feeds the blind's settled position to the override detector
func (c *blindController) observeCover(at time.Time) {
	var position float64
	switch {
	case c.coverState == "" || c.coverState == "unknown" || isTransientCoverState(c.coverState):
		return
	case c.coverPosition != nil:
		position = *c.coverPosition
	case c.coverState == "closed":
		position = 0
	case c.coverState == "open":
		position = 100
	default:
		return
	}

	if !c.deadband.Known {
		c.deadband.Observe(position)
	}
	if c.override.Observe(position, at) {
		log.Printf("%s: manual movement to %.0f%%, holding until %s\n",
			c.cfg.Blind.Name, position, c.override.Until().Format(time.Kitchen))
		c.deadband.Observe(position)
		c.metrics.SetManualOverride(c.cfg.Blind.ID, true)
	}
}

// checkSun fails with a startup error until the sun entity has a usable state
func (c *blindController) checkSun() error {
	state, ok := c.hub.Get(c.cfg.SunEntity)
	if !ok {
		return shading.Errorf(shading.KindStartup, "%s has not reported yet", c.cfg.SunEntity)
	}
	if state.State == "" || state.State == "unknown" {
		return shading.Errorf(shading.KindStartup, "%s is unknown", c.cfg.SunEntity)
	}
	return nil
}

// runCycle evaluates once and moves the blind if needed. A failed cycle leaves the
// memory and the last good result untouched.
func (c *blindController) runCycle(reason string) {
	now := c.now()

	result, mem, err := c.evaluate(now)
	c.metrics.ObserveEvaluation(c.cfg.Blind.ID, result, err)
	if err != nil {
		c.lastSuccess = false
		c.lastErr = err
		if shading.IsTransient(err) {
			log.Printf("%s: waiting (%s): %v\n", c.cfg.Blind.Name, reason, err)
		} else {
			log.Printf("%s: evaluation failed (%s): %v\n", c.cfg.Blind.Name, reason, err)
		}
		return
	}

	c.mem = mem
	c.last = &result
	c.lastSuccess = true
	c.lastErr = nil
	c.actuate(result, now)
}

func (c *blindController) evaluate(now time.Time) (shading.Result, shading.Memory, error) {
	if err := c.checkSun(); err != nil {
		return shading.Result{}, c.mem, err
	}
	return shading.Evaluate(now, c.cfg.Blind.Window, c.cfg.Ephemeris, c.mem)
}

// actuate moves the cover to a setting this cycle computed. A setting carried over from
// an earlier cycle is only reported, so a blind moved by hand outside the window stays put.
func (c *blindController) actuate(result shading.Result, now time.Time) {
	if c.cfg.Blind.Cover == "" {
		return
	}

	active := c.override.Active(now)
	c.metrics.SetManualOverride(c.cfg.Blind.ID, active)
	if active || !result.Recomputed() || result.CoverSetting == nil {
		return
	}

	target := *result.CoverSetting
	if !c.deadband.Update(target) {
		return
	}

	log.Printf("%s: moving %s to %.0f%% (%s)\n", c.cfg.Blind.Name, c.cfg.Blind.Cover, target, result.WindowState)
	c.sender.SetCoverPosition(c.cfg.Blind.Cover, int(target))
	c.override.Commanded(now)
	c.metrics.CoverCommand(c.cfg.Blind.ID)
}

func (c *blindController) status() BlindStatus {
	now := c.now()
	s := BlindStatus{
		ID:                c.cfg.Blind.ID,
		Name:              c.cfg.Blind.Name,
		Result:            c.last,
		LastUpdateSuccess: c.lastSuccess,
		ManualOverride:    c.override.Active(now),
		OverrideUntil:     c.override.Until(),
		CoverPosition:     c.coverPosition,
		NextRun:           c.nextRun,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// publish sends the status to Home Assistant and, without blocking, to the console
func (c *blindController) publish(statusChan chan<- BlindStatus) {
	status := c.status()
	if err := c.sender.PublishStatus(c.cfg.Blind.ID, status.Attributes()); err != nil {
		log.Printf("%s: failed to encode status: %v\n", c.cfg.Blind.Name, err)
	}

	select {
	case statusChan <- status:
	default:
	}
}

// blindControl carries console requests to one controller. Each channel holds one
// pending request; further requests coalesce with it.
type blindControl struct {
	refresh       chan struct{}
	clearOverride chan struct{}
}

func newBlindControl() *blindControl {
	return &blindControl{
		refresh:       make(chan struct{}, 1),
		clearOverride: make(chan struct{}, 1),
	}
}

// clearOverride ends a manual-override hold so the next cycle may move the blind again
func (c *blindController) clearOverride() {
	if !c.override.Active(c.now()) {
		log.Printf("%s: no manual override to clear\n", c.cfg.Blind.Name)
		return
	}
	c.override.Clear()
	c.metrics.SetManualOverride(c.cfg.Blind.ID, false)
	log.Printf("%s: manual override cleared\n", c.cfg.Blind.Name)
}

// blindControllerWorker runs evaluation cycles for one blind until ctx is done.
// Cycles run on this goroutine only; triggers arriving during a cycle wait their turn.
func blindControllerWorker(
	ctx context.Context,
	config BlindControllerConfig,
	hub *StateHub,
	sender *MQTTSender,
	metrics *Metrics,
	control *blindControl,
	statusChan chan<- BlindStatus,
) {
	c := newBlindController(config, hub, sender, metrics)

	sub := hub.Subscribe(config.Blind.ID, 16, c.watchedEntities()...)
	defer sub.Cancel()
	c.primeFromHub()

	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	var timer *schedule.Timer
	defer func() { timer.Cancel() }()

	cycle := func(reason string) {
		timer.Cancel()
		c.runCycle(reason)
		timer = schedule.At(c.now().Add(config.Blind.Window.DeltaTime))
		c.nextRun = timer.Deadline()
		c.publish(statusChan)
	}

	log.Printf("%s: controller started (window %.0f°-%.0f°, cover %q)\n",
		config.Blind.Name, config.Blind.Window.AziMin(), config.Blind.Window.AziMax(), config.Blind.Cover)
	cycle("startup")

	for {
		select {
		case <-ticker.C:
			cycle("poll")

		case <-timer.C():
			cycle("timer")

		case change := <-sub.C:
			if c.handleChange(change) {
				cycle(change.EntityID + " " + change.New)
			}

		case <-control.refresh:
			cycle("refresh")

		case <-control.clearOverride:
			c.clearOverride()
			cycle("override cleared")

		case <-ctx.Done():
			log.Printf("%s: controller stopped\n", config.Blind.Name)
			return
		}
	}
}
