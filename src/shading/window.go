package shading

import (
	"fmt"
	"math"
	"time"
)

// WindowState is where the sun is relative to a window's field of view.
type WindowState string

const (
	Early    WindowState = "early"
	InFront  WindowState = "in_front"
	JustLeft WindowState = "just_left"
	Passed   WindowState = "passed"
)

// WindowConfig describes one window and how its blind should react to the sun.
// Angles are degrees, lengths are metres.
type WindowConfig struct {
	CenterAzimuth         float64
	FOVLeft               float64
	FOVRight              float64
	WindowHeight          float64
	ShadingDistance       float64
	DefaultOpenPercentage float64
	DeltaTime             time.Duration // between forced re-evaluations
	DeltaPosition         float64       // minimum % change worth moving the blind for

	// Optional elevation gates. When unset the sun must be above the horizon
	// and at most overhead.
	MinElevation *float64
	MaxElevation *float64
}

// AziMin is the azimuth where the field of view starts, in [0, 360).
func (c WindowConfig) AziMin() float64 {
	return math.Mod(c.CenterAzimuth-c.FOVLeft+360, 360)
}

// AziMax is the azimuth where the field of view ends, in [0, 360).
func (c WindowConfig) AziMax() float64 {
	return math.Mod(c.CenterAzimuth+c.FOVRight+360, 360)
}

// ElevationAllowed reports whether elevation is inside the configured min/max gates.
// With no gates every elevation is allowed.
func (c WindowConfig) ElevationAllowed(elevation float64) bool {
	if c.MinElevation != nil && elevation < *c.MinElevation {
		return false
	}
	if c.MaxElevation != nil && elevation > *c.MaxElevation {
		return false
	}
	return true
}

// Validate checks the ranges accepted when a window is configured.
func (c WindowConfig) Validate() error {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"set_azimuth", c.CenterAzimuth, 0, 359},
		{"fov_left", c.FOVLeft, 1, 90},
		{"fov_right", c.FOVRight, 1, 90},
		{"window_height", c.WindowHeight, 0.1, 6},
		{"distance_shaded_area", c.ShadingDistance, 0.1, 2},
		{"default_percentage", c.DefaultOpenPercentage, 0, 100},
		{"delta_position", c.DeltaPosition, 1, 90},
	}
	for _, chk := range checks {
		if math.IsNaN(chk.value) || chk.value < chk.min || chk.value > chk.max {
			return fmt.Errorf("%s must be between %g and %g, got %g", chk.name, chk.min, chk.max, chk.value)
		}
	}

	if c.DeltaTime < time.Minute {
		return fmt.Errorf("delta_time must be at least 1 minute, got %v", c.DeltaTime)
	}

	for name, v := range map[string]*float64{"min_elevation": c.MinElevation, "max_elevation": c.MaxElevation} {
		if v != nil && (*v < -90 || *v > 90) {
			return fmt.Errorf("%s must be between -90 and 90, got %g", name, *v)
		}
	}
	if c.MinElevation != nil && c.MaxElevation != nil && *c.MinElevation >= *c.MaxElevation {
		return fmt.Errorf("min_elevation (%g) must be below max_elevation (%g)", *c.MinElevation, *c.MaxElevation)
	}

	return nil
}

// Classify places azimuth relative to the field of view [aziMin, aziMax), using
// lastAzimuth to detect the cycle on which the sun crossed aziMax.
//
// Checks run in priority order: EARLY, IN_FRONT, JUST_LEFT, PASSED. Angles are compared
// on a circle cut at north; when the field of view itself straddles north, the cut moves
// to the point opposite the window so the field of view stays contiguous.
func Classify(azimuth, lastAzimuth, aziMin, aziMax float64) (WindowState, error) {
	for _, a := range []float64{azimuth, lastAzimuth, aziMin, aziMax} {
		if math.IsNaN(a) || a < 0 || a >= 360 {
			return "", Errorf(KindCalculation, "azimuth %.2f outside [0, 360)", a)
		}
	}

	origin := 0.0
	if aziMin > aziMax {
		width := aziMax - aziMin + 360
		origin = math.Mod(aziMin+width/2+180, 360)
	}

	az := rotate(azimuth, origin)
	last := rotate(lastAzimuth, origin)
	lo := rotate(aziMin, origin)
	hi := rotate(aziMax, origin)

	switch {
	case az < lo:
		return Early, nil
	case az < hi:
		return InFront, nil
	case last < hi:
		return JustLeft, nil
	default:
		return Passed, nil
	}
}

// rotate measures a clockwise from origin.
func rotate(a, origin float64) float64 {
	if origin == 0 {
		return a
	}
	d := a - origin
	if d < 0 {
		d += 360
	}
	return d
}
