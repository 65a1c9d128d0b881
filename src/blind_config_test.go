package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlindConfigsDefaults(t *testing.T) {
	configs, err := ParseBlindConfigs([]byte(`
blinds:
  - name: Living Room
    cover: cover.living_room
`))
	require.NoError(t, err)
	require.Len(t, configs, 1)

	b := configs[0]
	assert.Equal(t, "Living Room", b.Name)
	assert.Equal(t, "living_room", b.ID)
	assert.Equal(t, "cover.living_room", b.Cover)
	assert.Equal(t, 180.0, b.Window.CenterAzimuth)
	assert.Equal(t, 90.0, b.Window.FOVLeft)
	assert.Equal(t, 90.0, b.Window.FOVRight)
	assert.Equal(t, 2.1, b.Window.WindowHeight)
	assert.Equal(t, 0.5, b.Window.ShadingDistance)
	assert.Equal(t, 100.0, b.Window.DefaultOpenPercentage)
	assert.Equal(t, 2*time.Minute, b.Window.DeltaTime)
	assert.Equal(t, 5.0, b.Window.DeltaPosition)
	assert.Nil(t, b.Window.MinElevation)
	assert.Nil(t, b.Window.MaxElevation)
	assert.Equal(t, time.Hour, b.ManualOverride)
}

func TestParseBlindConfigsAllOptions(t *testing.T) {
	configs, err := ParseBlindConfigs([]byte(`
blinds:
  - name: Office (West)
    set_azimuth: 260
    fov_left: 45
    fov_right: 60
    window_height: 1.5
    distance_shaded_area: 0.8
    default_percentage: 70
    delta_time: 5
    delta_position: 10
    min_elevation: 5
    max_elevation: 70
    manual_override_minutes: 90
`))
	require.NoError(t, err)

	b := configs[0]
	assert.Equal(t, "office_west", b.ID)
	assert.Empty(t, b.Cover)
	assert.Equal(t, 215.0, b.Window.AziMin())
	assert.Equal(t, 320.0, b.Window.AziMax())
	assert.Equal(t, 5*time.Minute, b.Window.DeltaTime)
	require.NotNil(t, b.Window.MinElevation)
	assert.Equal(t, 5.0, *b.Window.MinElevation)
	assert.Equal(t, 70.0, *b.Window.MaxElevation)
	assert.Equal(t, 90*time.Minute, b.ManualOverride)
}

func TestParseBlindConfigsRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `blinds: []`},
		{"missing name", "blinds:\n  - cover: cover.a\n"},
		{"unknown key", "blinds:\n  - name: A\n    azimuth: 100\n"},
		{"azimuth out of range", "blinds:\n  - name: A\n    set_azimuth: 400\n"},
		{"fov zero", "blinds:\n  - name: A\n    fov_left: 0\n"},
		{"window too tall", "blinds:\n  - name: A\n    window_height: 7\n"},
		{"delta time zero", "blinds:\n  - name: A\n    delta_time: 0\n"},
		{"not a cover", "blinds:\n  - name: A\n    cover: light.kitchen\n"},
		{"negative override", "blinds:\n  - name: A\n    manual_override_minutes: -1\n"},
		{"duplicate", "blinds:\n  - name: Living Room\n  - name: living-room\n"},
		{"punctuation only name", "blinds:\n  - name: '!!!'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBlindConfigs([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadBlindConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blinds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blinds:\n  - name: Bedroom\n"), 0o600))

	configs, err := LoadBlindConfigs(path)
	require.NoError(t, err)
	assert.Equal(t, "bedroom", configs[0].ID)

	_, err = LoadBlindConfigs(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "living_room", slugify("Living Room"))
	assert.Equal(t, "living_room_west", slugify("  Living Room (West) "))
	assert.Equal(t, "bed_2", slugify("Bed #2"))
	assert.Equal(t, "", slugify("---"))
}
