// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the scan service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	RunsDir         string        // Root directory for per-scan run storage
	MaxIterations   int           // Default iteration budget for new scans
	SampleInterval  time.Duration // How often the per-scan stats sampler fires
	CheckpointEvery int           // Checkpoint trace data every N-th sampler tick
	StopTimeout     time.Duration // Force-mark a stopping scan as stopped after this long
	PingInterval    time.Duration // WebSocket liveness ping cadence
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		RunsDir:           GetEnv("RUNS_DIR", "scan_runs"),
		MaxIterations:     GetIntEnv("MAX_ITERATIONS", 300),
		SampleInterval:    GetDurationEnv("SAMPLE_INTERVAL", 2*time.Second),
		CheckpointEvery:   GetIntEnv("CHECKPOINT_EVERY", 5),
		StopTimeout:       GetDurationEnv("STOP_TIMEOUT", 30*time.Second),
		PingInterval:      GetDurationEnv("PING_INTERVAL", 30*time.Second),
	}
}
