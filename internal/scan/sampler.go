package scan

import (
	"context"
	"time"

	"scand/internal/bridge"
	"scand/internal/trace"
)

// sample publishes periodic stats snapshots for a running scan and
// checkpoints the trace to disk every CheckpointEvery ticks. It exits
// when the scan's execution context is cancelled; the final stats event
// comes from the terminal transition, not from here.
func (rg *Registry) sample(ctx context.Context, id string, tr *trace.Trace, done chan struct{}) {
	defer rg.wg.Done()

	interval := rg.opts.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			tick++
			rg.opts.Bus.Publish(bridge.KindStatsUpdated, id, tr.Counts())
			if rg.opts.CheckpointEvery > 0 && tick%rg.opts.CheckpointEvery == 0 {
				if err := tr.Checkpoint(rg.runDir(id)); err != nil {
					rg.logger.Warn("Trace checkpoint failed", "scanId", id, "error", err)
				}
			}
		}
	}
}
