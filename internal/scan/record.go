package scan

import (
	"time"

	"scand/internal/trace"
)

// record is the registry's in-memory state for one scan. Fields are
// guarded by the registry's mutex; the trace has its own locking and
// may be read without it.
type record struct {
	cfg    Config
	status Status
	trace  *trace.Trace

	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	errorMsg   string

	// Set while the scan is active.
	engine    Engine        // live engine, nil for recovered or finished scans
	cancel    func()        // cancels the engine context
	forceStop *time.Timer   // fires if a stop request is not honored in time
	done      chan struct{} // closed when the runner goroutine exits
}

// snapshot builds the persisted view from the record. Caller holds the
// registry lock.
func (r *record) snapshot() Snapshot {
	return Snapshot{
		ScanID:           r.cfg.ScanID,
		RunName:          r.cfg.RunName,
		Status:           r.status,
		Targets:          r.cfg.Targets,
		UserInstructions: r.cfg.UserInstructions,
		MaxIterations:    r.cfg.MaxIterations,
		CreatedAt:        r.createdAt,
		StartedAt:        r.startedAt,
		FinishedAt:       r.finishedAt,
		ErrorMessage:     r.errorMsg,
	}
}
