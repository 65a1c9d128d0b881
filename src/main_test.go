package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/blindctl/src/shading"
)

func TestSafeGoRecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := SafeGo(ctx, cancel, "test", func(ctx context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never finished")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, ctx.Err(), "a recovered panic must not shut down")
}

func TestSafeGoStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := SafeGo(ctx, cancel, "test", func(ctx context.Context) {
		cancel()
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept retrying after cancel")
	}
}

func TestBlindSetRefresh(t *testing.T) {
	office, bedroom := newBlindControl(), newBlindControl()
	set := &blindSet{
		cancel:   func() {},
		controls: map[string]*blindControl{"office": office, "bedroom": bedroom},
	}

	assert.True(t, set.Refresh("office"))
	assert.True(t, set.Refresh("office"), "a pending refresh is not an error")
	assert.Len(t, office.refresh, 1)
	assert.Empty(t, bedroom.refresh)
	assert.Empty(t, office.clearOverride)

	assert.False(t, set.Refresh("kitchen"))

	assert.True(t, set.Refresh(""))
	assert.Len(t, bedroom.refresh, 1)
}

func TestBlindSetClearOverride(t *testing.T) {
	office, bedroom := newBlindControl(), newBlindControl()
	set := &blindSet{
		cancel:   func() {},
		controls: map[string]*blindControl{"office": office, "bedroom": bedroom},
	}

	assert.True(t, set.ClearOverride("bedroom"))
	assert.Len(t, bedroom.clearOverride, 1)
	assert.Empty(t, bedroom.refresh)
	assert.Empty(t, office.clearOverride)

	assert.False(t, set.ClearOverride("kitchen"))

	assert.True(t, set.ClearOverride(""))
	assert.Len(t, office.clearOverride, 1)
}

func TestExpireAfter(t *testing.T) {
	short := BlindConfig{Window: shading.WindowConfig{DeltaTime: 2 * time.Minute}}
	long := BlindConfig{Window: shading.WindowConfig{DeltaTime: 20 * time.Minute}}

	assert.Equal(t, 30*time.Minute, expireAfter(short))
	assert.Equal(t, time.Hour, expireAfter(long))
}

func TestStartAndStopBlinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan MQTTMessage, 100)
	deps := blindDeps{
		env:       &EnvConfig{SunEntity: "sun.sun", PollInterval: time.Hour},
		ephemeris: &fakeSun{azimuth: 10, elevation: -5},
		hub:       NewStateHub(nil),
		sender:    NewMQTTSender(out),
		metrics:   NewMetrics(),
	}
	configs, err := ParseBlindConfigs([]byte("blinds:\n  - name: Office\n  - name: Bedroom\n"))
	require.NoError(t, err)

	set := startBlinds(ctx, cancel, configs, deps)
	assert.Len(t, set.controls, 2)
	assert.True(t, set.Refresh("bedroom"))

	stopped := make(chan struct{})
	go func() {
		set.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("controllers did not stop")
	}
	assert.NoError(t, ctx.Err())
}
