package scan

import (
	"context"
	"errors"
	"fmt"

	"scand/internal/trace"
)

// run drives one engine execution to a terminal status. Cancellation is
// a first-class outcome: an engine that returns because its context was
// cancelled lands in stopped, not failed. Sandbox teardown runs on
// every exit path.
func (rg *Registry) run(ctx context.Context, engine Engine, cfg Config, tr *trace.Trace, done chan struct{}) {
	defer rg.wg.Done()
	defer close(done)

	id := cfg.ScanID
	logger := rg.logger.With("scanId", id)

	err := func() (runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("engine panicked: %v", r)
			}
		}()
		return engine.Run(ctx, cfg, tr)
	}()

	switch {
	case err == nil && ctx.Err() == nil:
		rg.finish(id, StatusCompleted, "")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		rg.finish(id, StatusStopped, "")
	default:
		logger.Error("Scan execution failed", "error", err)
		rg.finish(id, StatusFailed, err.Error())
	}

	rg.teardown(id)
}
