package scan

import (
	"context"

	"scand/internal/trace"
)

// Engine runs one scan to completion. Run blocks until the scan
// finishes or ctx is cancelled; a nil error means the scan completed on
// its own. Implementations record progress through the trace.
type Engine interface {
	Run(ctx context.Context, cfg Config, tr *trace.Trace) error
}

// Messenger accepts user messages addressed to a running agent.
// Engines that support interactive steering implement this.
type Messenger interface {
	SendMessage(ctx context.Context, agentID, content string) error
}

// AgentStopper stops a single agent within a running scan without
// stopping the scan itself.
type AgentStopper interface {
	StopAgent(ctx context.Context, agentID string) error
}

// Factory builds one engine per scan start. Keeping construction here
// lets each execution carry per-scan wiring without the registry
// knowing engine internals.
type Factory interface {
	NewEngine(cfg Config) (Engine, error)
}
