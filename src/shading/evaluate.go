package shading

import (
	"errors"
	"math"
	"time"
)

// Ephemeris gives the sun's azimuth and elevation in degrees at t.
type Ephemeris interface {
	Position(t time.Time) (azimuth, elevation float64, err error)
}

// EphemerisFunc adapts a plain function to Ephemeris.
type EphemerisFunc func(t time.Time) (azimuth, elevation float64, err error)

// Position calls f(t).
func (f EphemerisFunc) Position(t time.Time) (float64, float64, error) {
	return f(t)
}

// Sample is the sun's position at one instant.
type Sample struct {
	Timestamp time.Time
	Azimuth   float64
	Elevation float64
}

// Memory is what one evaluation hands to the next. The caller owns it and passes it
// back in unchanged if an evaluation fails.
type Memory struct {
	LastAzimuth  float64
	Seeded       bool
	CoverHeight  *float64
	CoverSetting *float64
}

// Result is the outcome of one evaluation. Angles and lengths are rounded to one
// decimal; CoverSetting is a whole percent in [0, 100], nil until the sun has first
// been in front of the window or just left it.
type Result struct {
	Timestamp    time.Time
	Azimuth      float64
	Elevation    float64
	ShadowLength float64
	CoverHeight  *float64
	CoverSetting *float64
	WindowState  WindowState
	SunInWindow  bool
}

// Attributes flattens the result into the key/value mapping published to Home Assistant.
func (r Result) Attributes() map[string]any {
	attrs := map[string]any{
		"timestamp":     r.Timestamp.Format(time.RFC3339),
		"azimuth":       r.Azimuth,
		"elevation":     r.Elevation,
		"shadow_length": r.ShadowLength,
		"cover_height":  nil,
		"cover_setting": nil,
		"window_state":  string(r.WindowState),
		"sun_in_window": r.SunInWindow,
	}
	if r.CoverHeight != nil {
		attrs["cover_height"] = *r.CoverHeight
	}
	if r.CoverSetting != nil {
		attrs["cover_setting"] = *r.CoverSetting
	}
	return attrs
}

// Recomputed reports whether this cycle set the cover height and setting, rather than
// carrying the previous ones over.
func (r Result) Recomputed() bool {
	return r.SunInWindow || r.WindowState == JustLeft
}

// Evaluate runs one evaluation cycle at now.
//
// Outside the field of view the previous cover height and setting are carried over
// untouched. When the sun has just left, the blind goes back to its default position.
// The same (now, cfg, mem) always yields the same result.
func Evaluate(now time.Time, cfg WindowConfig, eph Ephemeris, mem Memory) (Result, Memory, error) {
	sample, err := sampleAt(eph, now)
	if err != nil {
		return Result{}, mem, err
	}

	lastAzimuth := mem.LastAzimuth
	if !mem.Seeded {
		seed, err := sampleAt(eph, now.Add(-cfg.DeltaTime))
		if err != nil {
			return Result{}, mem, err
		}
		lastAzimuth = seed.Azimuth
	}

	state, err := Classify(sample.Azimuth, lastAzimuth, cfg.AziMin(), cfg.AziMax())
	if err != nil {
		return Result{}, mem, err
	}

	shadow, err := ShadowLength(cfg.WindowHeight, sample.Elevation)
	if err != nil {
		return Result{}, mem, err
	}

	height, setting := mem.CoverHeight, mem.CoverSetting
	sunInWindow := state == InFront && cfg.ElevationAllowed(sample.Elevation)

	switch {
	case state == JustLeft:
		h := cfg.DefaultOpenPercentage * cfg.WindowHeight / 100
		height, setting, err = coverFromHeight(h, cfg.WindowHeight)
	case sunInWindow:
		h := CoverHeight(cfg.ShadingDistance, sample.Elevation)
		height, setting, err = coverFromHeight(h, cfg.WindowHeight)
	}
	if err != nil {
		return Result{}, mem, err
	}

	result := Result{
		Timestamp:    sample.Timestamp,
		Azimuth:      sample.Azimuth,
		Elevation:    round1(sample.Elevation),
		ShadowLength: round1(shadow),
		CoverHeight:  height,
		CoverSetting: setting,
		WindowState:  state,
		SunInWindow:  sunInWindow,
	}
	next := Memory{
		LastAzimuth:  sample.Azimuth,
		Seeded:       true,
		CoverHeight:  height,
		CoverSetting: setting,
	}
	return result, next, nil
}

// coverFromHeight derives the published height and setting. The setting is taken from
// the unrounded height so a default percentage round-trips exactly.
func coverFromHeight(h, windowHeight float64) (*float64, *float64, error) {
	s, err := CoverSettingPercent(h, windowHeight)
	if err != nil {
		return nil, nil, err
	}
	height := round1(h)
	setting := clampPercent(s)
	return &height, &setting, nil
}

// sampleAt asks the ephemeris for the sun at t. The azimuth is normalised to [0, 360)
// and rounded; the elevation is kept exact for the geometry.
func sampleAt(eph Ephemeris, t time.Time) (Sample, error) {
	azimuth, elevation, err := eph.Position(t)
	if err != nil {
		var tagged *Error
		if errors.As(err, &tagged) {
			return Sample{}, err
		}
		return Sample{}, &Error{Kind: KindStartup, Err: err}
	}
	if math.IsNaN(azimuth) || math.IsNaN(elevation) {
		return Sample{}, Errorf(KindCalculation, "ephemeris returned NaN at %s", t.Format(time.RFC3339))
	}

	azimuth = round1(math.Mod(math.Mod(azimuth, 360)+360, 360))
	if azimuth >= 360 {
		azimuth -= 360
	}
	return Sample{Timestamp: t, Azimuth: azimuth, Elevation: elevation}, nil
}
