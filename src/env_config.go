package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ryansname/blindctl/src/solar"
)

// EnvConfig is everything read from the environment (and .env, when present)
type EnvConfig struct {
	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string

	Location     solar.Observer
	PollInterval time.Duration
	SunEntity    string

	BlindsConfigPath string
	MetricsAddr      string // empty disables the HTTP listener
	ForceEnable      bool   // ignore the enable switch
	DebugConsole     bool
}

// LoadEnvConfig reads the environment. Missing credentials or location are errors;
// everything else has a default.
func LoadEnvConfig() (*EnvConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg := &EnvConfig{
		MQTTBroker:       getEnv("MQTT_BROKER", "homeassistant.lan"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", 10*time.Minute),
		SunEntity:        getEnv("SUN_ENTITY", "sun.sun"),
		BlindsConfigPath: getEnv("BLINDS_CONFIG", "blinds.yaml"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9464"),
		ForceEnable:      getEnvAsBool("FORCE_ENABLE", false),
		DebugConsole:     getEnvAsBool("DEBUG_CONSOLE", false),
	}

	if cfg.MQTTUsername == "" || cfg.MQTTPassword == "" {
		return nil, errors.New("MQTT_USERNAME and MQTT_PASSWORD must be set")
	}

	lat, err := requireEnvAsFloat("LATITUDE")
	if err != nil {
		return nil, err
	}
	lon, err := requireEnvAsFloat("LONGITUDE")
	if err != nil {
		return nil, err
	}
	cfg.Location = solar.Observer{Latitude: lat, Longitude: lon}
	if err := cfg.Location.Validate(); err != nil {
		return nil, err
	}

	if cfg.PollInterval < time.Minute {
		return nil, fmt.Errorf("POLL_INTERVAL must be at least 1m, got %v", cfg.PollInterval)
	}
	if !strings.Contains(cfg.SunEntity, ".") {
		return nil, fmt.Errorf("SUN_ENTITY must be an entity id like sun.sun, got %q", cfg.SunEntity)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func requireEnvAsFloat(key string) (float64, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return 0, fmt.Errorf("%s must be set", key)
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
