// Package scan manages the lifecycle of security scans: creation,
// execution, stopping, deletion, and recovery of persisted scans after
// a restart. The registry is the single authority on scan state; the
// runner drives one engine execution per running scan.
package scan

import "time"

// Target describes one thing a scan should assess.
type Target struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Callback configures an optional webhook notified on scan lifecycle
// changes and findings. An empty Events list subscribes to every
// event type.
type Callback struct {
	URL        string   `json:"url"`
	SigningKey string   `json:"signing_key,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Wants reports whether the callback subscribes to eventType.
func (cb Callback) Wants(eventType string) bool {
	if len(cb.Events) == 0 {
		return true
	}
	for _, e := range cb.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Config is the immutable configuration a scan is created with.
type Config struct {
	ScanID           string    `json:"scan_id"`
	RunName          string    `json:"run_name"`
	Targets          []Target  `json:"targets"`
	UserInstructions string    `json:"user_instructions,omitempty"`
	MaxIterations    int       `json:"max_iterations"`
	Callback         *Callback `json:"callback,omitempty"`
}

// Snapshot is the persisted view of a scan, written to metadata.json in
// the scan's run directory and served by the list and get endpoints.
type Snapshot struct {
	ScanID           string     `json:"scan_id"`
	RunName          string     `json:"run_name"`
	Status           Status     `json:"status"`
	Targets          []Target   `json:"targets"`
	UserInstructions string     `json:"user_instructions,omitempty"`
	MaxIterations    int        `json:"max_iterations"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}
