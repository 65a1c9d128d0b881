package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ryansname/blindctl/src/shading"
)

// BlindConfig is one window with a blind to drive
type BlindConfig struct {
	Name           string
	ID             string // slug used in topics and unique ids
	Cover          string // cover entity id, empty for sensors only
	Window         shading.WindowConfig
	ManualOverride time.Duration // hold after someone moves the blind by hand
}

// blindOptions mirrors the options file. Pointers distinguish "absent" from zero so
// defaults can be applied.
type blindOptions struct {
	Name                  string   `yaml:"name"`
	Cover                 string   `yaml:"cover"`
	SetAzimuth            *float64 `yaml:"set_azimuth"`
	FOVLeft               *float64 `yaml:"fov_left"`
	FOVRight              *float64 `yaml:"fov_right"`
	WindowHeight          *float64 `yaml:"window_height"`
	DistanceShadedArea    *float64 `yaml:"distance_shaded_area"`
	DefaultPercentage     *float64 `yaml:"default_percentage"`
	DeltaTime             *float64 `yaml:"delta_time"` // minutes
	DeltaPosition         *float64 `yaml:"delta_position"`
	MinElevation          *float64 `yaml:"min_elevation"`
	MaxElevation          *float64 `yaml:"max_elevation"`
	ManualOverrideMinutes *float64 `yaml:"manual_override_minutes"`
}

type optionsFile struct {
	Blinds []blindOptions `yaml:"blinds"`
}

// LoadBlindConfigs reads and validates the options file
func LoadBlindConfigs(path string) ([]BlindConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blinds config: %w", err)
	}
	return ParseBlindConfigs(data)
}

// ParseBlindConfigs decodes the options file contents. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func ParseBlindConfigs(data []byte) ([]BlindConfig, error) {
	var file optionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse blinds config: %w", err)
	}
	if len(file.Blinds) == 0 {
		return nil, errors.New("blinds config has no blinds")
	}

	configs := make([]BlindConfig, 0, len(file.Blinds))
	seen := make(map[string]bool)
	for i, opts := range file.Blinds {
		cfg, err := opts.toConfig()
		if err != nil {
			return nil, fmt.Errorf("blind %d (%q): %w", i+1, opts.Name, err)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("blind %d: duplicate name %q", i+1, cfg.Name)
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (o blindOptions) toConfig() (BlindConfig, error) {
	name := strings.TrimSpace(o.Name)
	if name == "" {
		return BlindConfig{}, errors.New("name is required")
	}
	id := slugify(name)
	if id == "" {
		return BlindConfig{}, fmt.Errorf("name %q has no usable characters", name)
	}
	if o.Cover != "" && !strings.HasPrefix(o.Cover, "cover.") {
		return BlindConfig{}, fmt.Errorf("cover must be a cover entity, got %q", o.Cover)
	}

	window := shading.WindowConfig{
		CenterAzimuth:         orDefault(o.SetAzimuth, 180),
		FOVLeft:               orDefault(o.FOVLeft, 90),
		FOVRight:              orDefault(o.FOVRight, 90),
		WindowHeight:          orDefault(o.WindowHeight, 2.1),
		ShadingDistance:       orDefault(o.DistanceShadedArea, 0.5),
		DefaultOpenPercentage: orDefault(o.DefaultPercentage, 100),
		DeltaTime:             minutes(orDefault(o.DeltaTime, 2)),
		DeltaPosition:         orDefault(o.DeltaPosition, 5),
		MinElevation:          o.MinElevation,
		MaxElevation:          o.MaxElevation,
	}
	if err := window.Validate(); err != nil {
		return BlindConfig{}, err
	}

	override := orDefault(o.ManualOverrideMinutes, 60)
	if override < 0 {
		return BlindConfig{}, fmt.Errorf("manual_override_minutes must not be negative, got %g", override)
	}

	return BlindConfig{
		Name:           name,
		ID:             id,
		Cover:          o.Cover,
		Window:         window,
		ManualOverride: minutes(override),
	}, nil
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// slugify lower-cases name and collapses everything that is not a letter or digit
// into single underscores, e.g. "Living Room (West)" -> "living_room_west".
func slugify(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}
