package shading

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sunAt struct {
	azimuth, elevation float64
}

// fixedSky returns canned positions and fails for any time it does not know.
func fixedSky(positions map[time.Time]sunAt) EphemerisFunc {
	return func(t time.Time) (float64, float64, error) {
		p, ok := positions[t]
		if !ok {
			return 0, 0, errors.New("no sample")
		}
		return p.azimuth, p.elevation, nil
	}
}

func TestEvaluateDayScenario(t *testing.T) {
	cfg := southWindow()
	t0 := time.Date(2025, 6, 21, 7, 0, 0, 0, time.UTC)
	t1 := t0.Add(3 * time.Hour)
	t2 := t0.Add(9 * time.Hour)
	t3 := t2.Add(10 * time.Minute)

	sky := fixedSky(map[time.Time]sunAt{
		t0.Add(-cfg.DeltaTime): {84, 9},
		t0:                     {85, 10},
		t1:                     {150, 40},
		t2:                     {275, 30},
		t3:                     {280, 25},
	})

	// Cycle 1: before the window, nothing computed yet
	r1, mem, err := Evaluate(t0, cfg, sky, Memory{})
	require.NoError(t, err)
	assert.Equal(t, Early, r1.WindowState)
	assert.False(t, r1.SunInWindow)
	assert.Nil(t, r1.CoverHeight)
	assert.Nil(t, r1.CoverSetting)
	assert.Equal(t, 85.0, mem.LastAzimuth)
	assert.True(t, mem.Seeded)

	// Cycle 2: in front, cover follows the sun
	r2, mem, err := Evaluate(t1, cfg, sky, mem)
	require.NoError(t, err)
	assert.Equal(t, InFront, r2.WindowState)
	assert.True(t, r2.SunInWindow)
	require.NotNil(t, r2.CoverHeight)
	assert.Equal(t, 0.4, *r2.CoverHeight)
	assert.Equal(t, 20.0, *r2.CoverSetting)

	// Cycle 3: crossed the edge since cycle 2, back to the default position
	r3, mem, err := Evaluate(t2, cfg, sky, mem)
	require.NoError(t, err)
	assert.Equal(t, JustLeft, r3.WindowState)
	assert.Equal(t, 2.1, *r3.CoverHeight)
	assert.Equal(t, 100.0, *r3.CoverSetting)

	// Cycle 4: passed, values carried over
	r4, mem, err := Evaluate(t3, cfg, sky, mem)
	require.NoError(t, err)
	assert.Equal(t, Passed, r4.WindowState)
	assert.Equal(t, 2.1, *r4.CoverHeight)
	assert.Equal(t, 100.0, *r4.CoverSetting)
	assert.Equal(t, 280.0, mem.LastAzimuth)
}

func TestEvaluateJustLeftRestoresDefaultPercentage(t *testing.T) {
	cfg := southWindow()
	cfg.DefaultOpenPercentage = 50
	now := time.Date(2025, 6, 21, 16, 0, 0, 0, time.UTC)
	sky := fixedSky(map[time.Time]sunAt{now: {271, 20}})

	result, _, err := Evaluate(now, cfg, sky, Memory{LastAzimuth: 268, Seeded: true})
	require.NoError(t, err)
	assert.Equal(t, JustLeft, result.WindowState)
	assert.Equal(t, 50.0, *result.CoverSetting)
	assert.Equal(t, 1.1, *result.CoverHeight)
}

func TestEvaluateSeedsOnlyOnce(t *testing.T) {
	cfg := southWindow()
	now := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	// No seed sample available: a seeded memory must not ask for one
	sky := fixedSky(map[time.Time]sunAt{now: {180, 60}})

	_, _, err := Evaluate(now, cfg, sky, Memory{LastAzimuth: 179, Seeded: true})
	require.NoError(t, err)

	_, _, err = Evaluate(now, cfg, sky, Memory{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestEvaluateIsIdempotent(t *testing.T) {
	cfg := southWindow()
	now := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	sky := fixedSky(map[time.Time]sunAt{now: {200, 55}})
	mem := Memory{LastAzimuth: 198, Seeded: true}

	first, firstMem, err := Evaluate(now, cfg, sky, mem)
	require.NoError(t, err)
	second, secondMem, err := Evaluate(now, cfg, sky, mem)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstMem, secondMem)
}

func TestEvaluateFailureKeepsMemory(t *testing.T) {
	cfg := southWindow()
	now := time.Date(2025, 6, 21, 5, 0, 0, 0, time.UTC)
	setting := 40.0
	mem := Memory{LastAzimuth: 59, Seeded: true, CoverSetting: &setting}

	t.Run("sun on the horizon", func(t *testing.T) {
		sky := fixedSky(map[time.Time]sunAt{now: {60, 0}})
		_, out, err := Evaluate(now, cfg, sky, mem)
		require.Error(t, err)
		assert.Equal(t, KindCalculation, KindOf(err))
		assert.Equal(t, mem, out)
	})

	t.Run("ephemeris not ready", func(t *testing.T) {
		_, out, err := Evaluate(now, cfg, fixedSky(nil), mem)
		require.Error(t, err)
		assert.Equal(t, KindStartup, KindOf(err))
		assert.Equal(t, mem, out)
	})

	t.Run("tagged ephemeris error keeps its kind", func(t *testing.T) {
		sky := EphemerisFunc(func(time.Time) (float64, float64, error) {
			return 0, 0, Errorf(KindAuth, "denied")
		})
		_, _, err := Evaluate(now, cfg, sky, mem)
		assert.Equal(t, KindAuth, KindOf(err))
	})
}

func TestEvaluateBelowHorizon(t *testing.T) {
	now := time.Date(2025, 12, 21, 17, 0, 0, 0, time.UTC)
	sky := fixedSky(map[time.Time]sunAt{now: {120, -2}})
	setting := 35.0
	mem := Memory{LastAzimuth: 119, Seeded: true, CoverSetting: &setting}

	t.Run("recomputed without gates", func(t *testing.T) {
		result, out, err := Evaluate(now, southWindow(), sky, mem)
		require.NoError(t, err)
		assert.Equal(t, InFront, result.WindowState)
		assert.True(t, result.SunInWindow)
		assert.True(t, result.Recomputed())
		require.NotNil(t, result.CoverHeight)
		assert.Equal(t, 0.0, *result.CoverHeight)
		require.NotNil(t, result.CoverSetting)
		assert.Equal(t, 0.0, *result.CoverSetting)
		assert.Equal(t, 0.0, *out.CoverSetting)
	})

	t.Run("held below min_elevation", func(t *testing.T) {
		cfg := southWindow()
		low := 5.0
		cfg.MinElevation = &low

		result, _, err := Evaluate(now, cfg, sky, mem)
		require.NoError(t, err)
		assert.Equal(t, InFront, result.WindowState)
		assert.False(t, result.SunInWindow)
		assert.False(t, result.Recomputed())
		assert.Equal(t, 35.0, *result.CoverSetting)
	})
}

func TestResultRecomputed(t *testing.T) {
	tests := []struct {
		state       WindowState
		sunInWindow bool
		want        bool
	}{
		{Early, false, false},
		{InFront, true, true},
		{InFront, false, false},
		{JustLeft, false, true},
		{Passed, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			r := Result{WindowState: tt.state, SunInWindow: tt.sunInWindow}
			assert.Equal(t, tt.want, r.Recomputed())
		})
	}
}

func TestEvaluateNormalisesAzimuth(t *testing.T) {
	cfg := southWindow()
	now := time.Date(2025, 6, 21, 0, 0, 0, 0, time.UTC)
	sky := fixedSky(map[time.Time]sunAt{now: {359.97, 5}})

	result, mem, err := Evaluate(now, cfg, sky, Memory{LastAzimuth: 359, Seeded: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Azimuth)
	assert.Equal(t, Early, result.WindowState)
	assert.Equal(t, 0.0, mem.LastAzimuth)
}

func TestResultAttributes(t *testing.T) {
	ts := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	setting := 20.0
	r := Result{
		Timestamp:    ts,
		Azimuth:      150,
		Elevation:    40,
		ShadowLength: 2.5,
		CoverSetting: &setting,
		WindowState:  InFront,
		SunInWindow:  true,
	}

	attrs := r.Attributes()
	assert.Equal(t, "2025-06-21T12:00:00Z", attrs["timestamp"])
	assert.Equal(t, 20.0, attrs["cover_setting"])
	assert.Nil(t, attrs["cover_height"])
	assert.Equal(t, "in_front", attrs["window_state"])
	assert.Equal(t, true, attrs["sun_in_window"])
}
