package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryansname/blindctl/src/shading"
)

// Metrics owns the Prometheus collectors and the health summary served over HTTP
type Metrics struct {
	registry *prometheus.Registry

	evaluations    *prometheus.CounterVec
	coverCommands  *prometheus.CounterVec
	coverSetting   *prometheus.GaugeVec
	sunAzimuth     *prometheus.GaugeVec
	sunElevation   *prometheus.GaugeVec
	windowState    *prometheus.GaugeVec
	manualOverride *prometheus.GaugeVec
	coalesced      *prometheus.CounterVec
	mqttConnected  prometheus.Gauge
	mqttQueued     prometheus.Gauge

	mu        sync.Mutex
	connected bool
	blinds    map[string]blindHealth
}

type blindHealth struct {
	LastUpdateSuccess bool      `json:"last_update_success"`
	LastSuccess       time.Time `json:"last_success,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

// NewMetrics creates collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blindctl_evaluations_total",
			Help: "Evaluation cycles run, by outcome.",
		}, []string{"blind", "result"}),
		coverCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blindctl_cover_commands_total",
			Help: "set_cover_position calls sent.",
		}, []string{"blind"}),
		coverSetting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blindctl_cover_setting_percent",
			Help: "Latest computed cover setting.",
		}, []string{"blind"}),
		sunAzimuth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blindctl_sun_azimuth_degrees",
			Help: "Sun azimuth at the latest evaluation.",
		}, []string{"blind"}),
		sunElevation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blindctl_sun_elevation_degrees",
			Help: "Sun elevation at the latest evaluation.",
		}, []string{"blind"}),
		windowState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blindctl_window_state",
			Help: "1 for the current window state, 0 for the others.",
		}, []string{"blind", "state"}),
		manualOverride: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blindctl_manual_override",
			Help: "1 while automation is held after a manual movement.",
		}, []string{"blind"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blindctl_coalesced_state_changes_total",
			Help: "Entity changes merged into a newer one before a slow subscriber read them.",
		}, []string{"subscriber"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blindctl_mqtt_connected",
			Help: "1 while connected to the broker.",
		}),
		mqttQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blindctl_mqtt_queued_messages",
			Help: "Outgoing messages waiting for a broker connection.",
		}),
		blinds: make(map[string]blindHealth),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.coverCommands,
		m.coverSetting,
		m.sunAzimuth,
		m.sunElevation,
		m.windowState,
		m.manualOverride,
		m.coalesced,
		m.mqttConnected,
		m.mqttQueued,
	)
	return m
}

var windowStates = []shading.WindowState{shading.Early, shading.InFront, shading.JustLeft, shading.Passed}

// ObserveEvaluation records the outcome of one cycle
func (m *Metrics) ObserveEvaluation(blind string, result shading.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.blinds[blind]
	if err != nil {
		m.evaluations.WithLabelValues(blind, shading.KindOf(err).String()).Inc()
		h.LastUpdateSuccess = false
		h.LastError = err.Error()
		m.blinds[blind] = h
		return
	}

	m.evaluations.WithLabelValues(blind, "ok").Inc()
	h.LastUpdateSuccess = true
	h.LastSuccess = result.Timestamp
	h.LastError = ""
	m.blinds[blind] = h

	m.sunAzimuth.WithLabelValues(blind).Set(result.Azimuth)
	m.sunElevation.WithLabelValues(blind).Set(result.Elevation)
	if result.CoverSetting != nil {
		m.coverSetting.WithLabelValues(blind).Set(*result.CoverSetting)
	}
	for _, s := range windowStates {
		v := 0.0
		if s == result.WindowState {
			v = 1
		}
		m.windowState.WithLabelValues(blind, string(s)).Set(v)
	}
}

// CoverCommand counts a position command sent for blind
func (m *Metrics) CoverCommand(blind string) {
	m.coverCommands.WithLabelValues(blind).Inc()
}

// SetManualOverride records whether blind is held after a manual movement
func (m *Metrics) SetManualOverride(blind string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.manualOverride.WithLabelValues(blind).Set(v)
}

// CoalescedChange counts a change superseded before its subscriber read it
func (m *Metrics) CoalescedChange(subscriber string) {
	m.coalesced.WithLabelValues(subscriber).Inc()
}

// SetMQTTConnected records the broker connection state
func (m *Metrics) SetMQTTConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()

	v := 0.0
	if connected {
		v = 1
	}
	m.mqttConnected.Set(v)
}

// SetQueued records how many outgoing messages are waiting for a connection
func (m *Metrics) SetQueued(n int) {
	m.mqttQueued.Set(float64(n))
}

// ForgetBlind drops health and gauges for a blind that no longer exists
func (m *Metrics) ForgetBlind(blind string) {
	m.mu.Lock()
	delete(m.blinds, blind)
	m.mu.Unlock()

	m.coverSetting.DeleteLabelValues(blind)
	m.sunAzimuth.DeleteLabelValues(blind)
	m.sunElevation.DeleteLabelValues(blind)
	m.manualOverride.DeleteLabelValues(blind)
	for _, s := range windowStates {
		m.windowState.DeleteLabelValues(blind, string(s))
	}
}

type healthResponse struct {
	Status        string                 `json:"status"`
	MQTTConnected bool                   `json:"mqtt_connected"`
	Blinds        map[string]blindHealth `json:"blinds"`
}

// handleHealth reports 200 while the broker is connected, 503 otherwise. Blind
// failures are reported but do not fail the check; they retry on their own.
func (m *Metrics) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	resp := healthResponse{
		Status:        "ok",
		MQTTConnected: m.connected,
		Blinds:        make(map[string]blindHealth, len(m.blinds)),
	}
	for k, v := range m.blinds {
		resp.Blinds[k] = v
	}
	m.mu.Unlock()

	code := http.StatusOK
	if !resp.MQTTConnected {
		resp.Status = "mqtt disconnected"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// NewRouter serves /metrics and /healthz
func (m *Metrics) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", m.handleHealth).Methods("GET")
	return r
}

// httpWorker serves the metrics router on addr until ctx is done
func httpWorker(ctx context.Context, addr string, metrics *Metrics) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(os.Stdout, metrics.NewRouter()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Metrics listening on %s\n", addr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v\n", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		log.Println("Metrics server stopped")
	}
}
