package governor

import "math"

// PositionDeadband suppresses blind movements smaller than a minimum step so the motor
// is not driven for every fraction of a degree the sun moves.
//
// A move is always allowed when no position is known yet, or when the target is one
// of the end stops (0 or 100) and the blind is not already there, so the resting
// position is reachable whatever the step size.
type PositionDeadband struct {
	Current float64 // Last position commanded or observed
	Known   bool

	delta float64
}

// NewPositionDeadband creates a deadband that ignores changes smaller than delta
// percentage points.
func NewPositionDeadband(delta float64) *PositionDeadband {
	return &PositionDeadband{delta: delta}
}

// Update reports whether the blind should move to target. When it should, target
// becomes the current position.
func (d *PositionDeadband) Update(target float64) bool {
	if !d.Known {
		d.Current, d.Known = target, true
		return true
	}

	diff := math.Abs(target - d.Current)
	endStop := (target == 0 || target == 100) && diff > 0
	if diff < d.delta && !endStop {
		return false
	}

	d.Current = target
	return true
}

// Observe records a position reported by the blind itself, e.g. after someone moved
// it by hand.
func (d *PositionDeadband) Observe(position float64) {
	d.Current, d.Known = position, true
}
