package engine

import (
	"io"
	"time"

	"oss.nandlabs.io/taskflow/config"
)

// Environment variable names FromEnv reads. Mirrors the GC_LOG_* idiom the rest of the
// stack's logging setup uses for its own environment-first config.
const (
	EnvCPUSlots       = "TASKFLOW_CPU_SLOTS"
	EnvMemSlots       = "TASKFLOW_MEM_SLOTS"
	EnvCachePath      = "TASKFLOW_CACHE_PATH"
	EnvTickIntervalMs = "TASKFLOW_TICK_INTERVAL_MS"
	EnvThreadPoolSize = "TASKFLOW_THREAD_POOL_SIZE"
	EnvProcessPoolMax = "TASKFLOW_PROCESS_POOL_SIZE"
)

// FromEnv builds EngineSettings from the process environment, falling
// back to the New defaults for anything unset. It never errors: a
// malformed integer value is treated the same as unset.
func FromEnv() []EngineSetting {
	var settings []EngineSetting

	if v, err := config.GetEnvAsInt(EnvCPUSlots, -1); err == nil && v >= 0 {
		settings = append(settings, WithCPUSlots(v))
	}
	if v, err := config.GetEnvAsInt(EnvMemSlots, -1); err == nil && v > 0 {
		settings = append(settings, WithMemorySlots(v))
	}
	if v := config.GetEnvAsString(EnvCachePath, ""); v != "" {
		settings = append(settings, WithCachePath(v))
	}
	if v, err := config.GetEnvAsInt(EnvTickIntervalMs, -1); err == nil && v > 0 {
		settings = append(settings, WithTickInterval(time.Duration(v)*time.Millisecond))
	}
	if v, err := config.GetEnvAsInt(EnvThreadPoolSize, -1); err == nil && v > 0 {
		settings = append(settings, WithThreadPoolSize(v))
	}
	if v, err := config.GetEnvAsInt(EnvProcessPoolMax, -1); err == nil && v > 0 {
		settings = append(settings, WithProcessPoolSize(v))
	}
	return settings
}

// FromProperties reads an engine section out of an already-loaded
// config.Configuration (typically a *config.Properties populated via
// Load from a .properties reader) using FromEnv's names with the
// TASKFLOW_ prefix replaced by "engine", lower-cased and dot-separated
// the way Properties keys are written (e.g. engine.cpu.slots).
// Values absent from cfg fall back to New's defaults, same as FromEnv.
func FromProperties(cfg config.Configuration) []EngineSetting {
	var settings []EngineSetting

	if v, err := cfg.GetAsInt("engine.cpu.slots", -1); err == nil && v >= 0 {
		settings = append(settings, WithCPUSlots(v))
	}
	if v, err := cfg.GetAsInt("engine.mem.slots", -1); err == nil && v > 0 {
		settings = append(settings, WithMemorySlots(v))
	}
	if v := cfg.Get("engine.cache.path", ""); v != "" {
		settings = append(settings, WithCachePath(v))
	}
	if v, err := cfg.GetAsInt("engine.tick.interval.ms", -1); err == nil && v > 0 {
		settings = append(settings, WithTickInterval(time.Duration(v)*time.Millisecond))
	}
	if v, err := cfg.GetAsInt("engine.thread.pool.size", -1); err == nil && v > 0 {
		settings = append(settings, WithThreadPoolSize(v))
	}
	if v, err := cfg.GetAsInt("engine.process.pool.size", -1); err == nil && v > 0 {
		settings = append(settings, WithProcessPoolSize(v))
	}
	return settings
}

// LoadSettings reads a properties file (in the format config.Properties
// understands) from r and returns the EngineSettings it describes,
// ready to be passed straight to New.
func LoadSettings(r io.Reader) ([]EngineSetting, error) {
	props := config.NewProperties()
	if err := props.Load(r); err != nil {
		return nil, err
	}
	return FromProperties(props), nil
}
