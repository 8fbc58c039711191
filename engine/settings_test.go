package engine

import (
	"strings"
	"testing"
	"time"

	"oss.nandlabs.io/taskflow/config"
	"oss.nandlabs.io/taskflow/testing/assert"
)

func TestFromEnv_UnsetLeavesDefaults(t *testing.T) {
	settings := FromEnv()
	assert.Equal(t, 0, len(settings))
}

func TestFromEnv_ReadsOverrides(t *testing.T) {
	t.Setenv(EnvCPUSlots, "6")
	t.Setenv(EnvTickIntervalMs, "250")

	e, err := New(FromEnv()...)
	assert.NoError(t, err)
	assert.Equal(t, 6, e.cpuSlots)
	assert.Equal(t, 250*time.Millisecond, e.tickInterval)
}

func TestFromProperties_ReadsEngineSection(t *testing.T) {
	props := config.NewProperties()
	props.Put("engine.cpu.slots", "2")
	props.Put("engine.thread.pool.size", "3")

	e, err := New(FromProperties(props)...)
	assert.NoError(t, err)
	assert.Equal(t, 2, e.cpuSlots)
	assert.Equal(t, 3, e.threadPoolMax)
}

func TestLoadSettings_ParsesPropertiesReader(t *testing.T) {
	r := strings.NewReader("engine.cpu.slots=5\nengine.cache.path=/tmp/taskflow\n")
	settings, err := LoadSettings(r)
	assert.NoError(t, err)

	e, err := New(settings...)
	assert.NoError(t, err)
	assert.Equal(t, 5, e.cpuSlots)
	assert.Equal(t, "/tmp/taskflow", e.cachePath)
}
