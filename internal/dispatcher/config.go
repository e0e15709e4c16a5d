package dispatcher

import (
	"time"

	"scand/internal/config"
)

// Delivery tuning that rarely needs changing.
const (
	maxRetries       = 3
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	maxRequeues      = 10
)

// Config holds the knobs exposed through the environment.
type Config struct {
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
}

// LoadConfigFromEnv reads DISPATCHER_* variables.
func LoadConfigFromEnv() Config {
	return Config{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
