package backoff

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		cfg     *Config
		want    time.Duration
	}{
		{"first attempt", 1, nil, 100 * time.Millisecond},
		{"second doubles", 2, nil, 200 * time.Millisecond},
		{"third doubles again", 3, nil, 400 * time.Millisecond},
		{"zero attempt treated as first", 0, nil, 100 * time.Millisecond},
		{"capped at ceiling", 20, nil, 5 * time.Second},
		{"custom config", 2, &Config{Initial: time.Second, Ceiling: 10 * time.Second}, 2 * time.Second},
		{"custom ceiling caps", 5, &Config{Initial: time.Second, Ceiling: 3 * time.Second}, 3 * time.Second},
		{"initial above ceiling", 1, &Config{Initial: time.Minute, Ceiling: time.Second}, time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Delay(tc.attempt, tc.cfg); got != tc.want {
				t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}
