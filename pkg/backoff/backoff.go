// Package backoff computes retry delays.
package backoff

import "time"

const (
	defaultInitial = 100 * time.Millisecond
	defaultCeiling = 5 * time.Second
)

// Config bounds the delay growth. Zero values fall back to 100ms and 5s.
type Config struct {
	Initial time.Duration
	Ceiling time.Duration
}

// Delay returns the wait before the given retry attempt. The first
// attempt waits Initial, each following attempt doubles, capped at
// Ceiling.
func Delay(attempt int, cfg *Config) time.Duration {
	initial := defaultInitial
	ceiling := defaultCeiling
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Ceiling > 0 {
			ceiling = cfg.Ceiling
		}
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
