package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the variable's value, or the default when unset or
// empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetIntEnv parses the variable as an integer. Unset or unparseable
// values yield the default.
func GetIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetDurationEnv parses the variable in time.ParseDuration syntax
// ("30s", "5m"). Unset or unparseable values yield the default.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// GetSecretFile reads a secret from a mounted file, the way Docker and
// Kubernetes deliver them. Missing files yield an empty string so a
// deployment without secrets still starts.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
