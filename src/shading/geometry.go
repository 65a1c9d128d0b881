// Package shading turns sun position into blind positions for a single window.
package shading

import "math"

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ShadowLength returns how far the shadow of the window head reaches into the room,
// in the same unit as windowHeight.
// The tangent is undefined (or zero) for any multiple of 180°, which is reported as a
// calculation error rather than an infinite length.
func ShadowLength(windowHeight, elevationDeg float64) (float64, error) {
	if windowHeight <= 0 {
		return 0, Errorf(KindCalculation, "window height must be positive, got %.2f", windowHeight)
	}
	if math.Mod(elevationDeg, 180) == 0 {
		return 0, Errorf(KindCalculation, "shadow length undefined at elevation %.1f°", elevationDeg)
	}

	length := windowHeight / math.Tan(radians(elevationDeg))
	if math.IsInf(length, 0) || math.IsNaN(length) {
		return 0, Errorf(KindCalculation, "shadow length not finite at elevation %.1f°", elevationDeg)
	}
	return length, nil
}

// CoverHeight returns how much of the window must be covered so that sunlight does not
// reach past shadingDistance. Unrounded.
func CoverHeight(shadingDistance, elevationDeg float64) float64 {
	return shadingDistance * math.Tan(radians(elevationDeg))
}

// CoverSettingPercent converts a cover height into a whole percentage of the window.
// The result is not clamped.
func CoverSettingPercent(coverHeight, windowHeight float64) (float64, error) {
	if windowHeight <= 0 {
		return 0, Errorf(KindCalculation, "window height must be positive, got %.2f", windowHeight)
	}
	return math.Round(coverHeight / windowHeight * 100), nil
}

// round1 rounds to one decimal place, the precision published for lengths and angles.
// Negative zero is folded to zero so it never reaches the published JSON.
func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0
	}
	return r
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}
