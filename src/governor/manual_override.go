package governor

import (
	"math"
	"time"
)

// ManualOverride tells blind movements we caused apart from ones someone made by hand,
// and holds off automation for a while after a manual one.
//
// A settled position change is ours if it lands within grace of the last command we
// sent. Anything else is manual and starts a hold lasting hold. The first position
// ever observed is the baseline and never counts.
type ManualOverride struct {
	grace     time.Duration
	hold      time.Duration
	tolerance float64

	baseline     bool
	lastPosition float64
	commandedAt  time.Time
	until        time.Time
}

// NewManualOverride creates a detector. Position changes no larger than tolerance
// are treated as sensor noise.
func NewManualOverride(grace, hold time.Duration, tolerance float64) *ManualOverride {
	return &ManualOverride{grace: grace, hold: hold, tolerance: tolerance}
}

// Commanded records that we asked the blind to move at the given time.
func (m *ManualOverride) Commanded(at time.Time) {
	m.commandedAt = at
}

// Observe feeds a settled position reported by the blind. It returns true when this
// observation starts (or extends) a manual override.
func (m *ManualOverride) Observe(position float64, at time.Time) bool {
	if !m.baseline {
		m.baseline = true
		m.lastPosition = position
		return false
	}

	moved := math.Abs(position-m.lastPosition) > m.tolerance
	m.lastPosition = position
	if !moved {
		return false
	}

	if !m.commandedAt.IsZero() && !at.Before(m.commandedAt) && at.Sub(m.commandedAt) <= m.grace {
		return false
	}

	m.until = at.Add(m.hold)
	return true
}

// Active reports whether automation is on hold at the given time.
func (m *ManualOverride) Active(at time.Time) bool {
	return at.Before(m.until)
}

// Until is when the current hold ends. Zero if there has never been one.
func (m *ManualOverride) Until() time.Time {
	return m.until
}

// Clear ends any hold immediately.
func (m *ManualOverride) Clear() {
	m.until = time.Time{}
}
