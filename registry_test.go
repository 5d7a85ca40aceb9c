package uagent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoute(t *testing.T) {
	r := newRegistry()
	noop := func(context.Context, Message) error { return nil }
	entry := func(name string) eventEntry {
		return eventEntry{spec: handlerSpec{name: name}, fn: noop}
	}

	r.addEvent("sensors.*.temp", entry("a"))
	r.addEvent("sensors.**", entry("b"))
	r.addEvent("sensors.*.temp", entry("c"))
	r.addEvent("lights.on", entry("d"))

	assert.Equal(t, []string{"sensors.*.temp", "sensors.**", "lights.on"}, r.patterns())

	routes := r.route("sensors.kitchen.temp")
	require.Len(t, routes, 2)
	assert.Equal(t, "sensors.*.temp", routes[0].pattern)
	require.Len(t, routes[0].handlers, 2)
	assert.Equal(t, "a", routes[0].handlers[0].spec.name)
	assert.Equal(t, "c", routes[0].handlers[1].spec.name)
	assert.Equal(t, "sensors.**", routes[1].pattern)

	assert.Empty(t, r.route("lights.off"))
	assert.Len(t, r.route("lights.on"), 1)
}

func TestRegistrySnapshots(t *testing.T) {
	r := newRegistry()
	fn := func(context.Context) error { return nil }
	r.addLifecycle(onStart, lifecycleEntry{fn: fn})

	snapshot := r.lifecycleHandlers(onStart)
	r.addLifecycle(onStart, lifecycleEntry{fn: fn})

	assert.Len(t, snapshot, 1)
	assert.Len(t, r.lifecycleHandlers(onStart), 2)
	assert.Empty(t, r.lifecycleHandlers(onStop))
}

func TestIntervalDue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &intervalEntry{every: 5 * time.Second}

	assert.True(t, e.due(now), "never run")
	e.lastRun = now
	assert.False(t, e.due(now.Add(4999*time.Millisecond)))
	assert.True(t, e.due(now.Add(5*time.Second)))
}

func TestLifecycleString(t *testing.T) {
	assert.Equal(t, "start", onStart.String())
	assert.Equal(t, "disconnect", onDisconnect.String())
	assert.Equal(t, "unknown", lifecycleCount.String())
}

func TestHandlerSpec(t *testing.T) {
	t.Run("default name", func(t *testing.T) {
		spec := newSpec(TestHandlerSpec, DefaultTimeout, nil)
		assert.Contains(t, spec.name, "TestHandlerSpec")
		assert.Equal(t, DefaultTimeout, spec.timeout)
	})

	t.Run("options", func(t *testing.T) {
		spec := newSpec(TestHandlerSpec, DefaultTimeout, []HandlerOption{Named("probe"), Timeout(0)})
		assert.Equal(t, "probe", spec.name)
		assert.False(t, spec.exceeded(time.Hour), "zero timeout disables the check")
	})

	t.Run("exceeded", func(t *testing.T) {
		spec := handlerSpec{timeout: time.Second}
		assert.False(t, spec.exceeded(time.Second))
		assert.True(t, spec.exceeded(time.Second+time.Nanosecond))
	})
}
