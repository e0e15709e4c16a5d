package scan

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusStopping, StatusStopped, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the scan still has an execution attached.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusStopping
}

// Terminal reports whether the scan can never run again.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}
