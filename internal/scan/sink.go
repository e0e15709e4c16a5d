package scan

import (
	"scand/internal/bridge"
	"scand/internal/trace"
)

// traceSink forwards trace mutations onto the event bridge. One sink is
// installed per scan at creation and lives for the scan's lifetime.
type traceSink struct {
	registry *Registry
	scanID   string
}

var _ trace.Sink = (*traceSink)(nil)

func (s *traceSink) AgentCreated(agent trace.Agent) {
	s.registry.opts.Bus.Publish(bridge.KindAgentCreated, s.scanID, agent)
}

func (s *traceSink) AgentUpdated(agentID string, updates map[string]any) {
	s.registry.opts.Bus.Publish(bridge.KindAgentUpdated, s.scanID, map[string]any{
		"agent_id": agentID,
		"updates":  updates,
	})
}

func (s *traceSink) MessageLogged(msg trace.Message) {
	s.registry.opts.Bus.Publish(bridge.KindMessage, s.scanID, msg)
}

func (s *traceSink) ToolExecutionUpdated(tool trace.ToolExecution) {
	s.registry.opts.Bus.Publish(bridge.KindToolExecution, s.scanID, tool)
}

func (s *traceSink) VulnerabilityFound(vuln trace.Vulnerability) {
	rg := s.registry
	rg.opts.Bus.Publish(bridge.KindVulnerabilityFound, s.scanID, vuln)

	rg.mu.Lock()
	var cb *Callback
	if rec, ok := rg.scans[s.scanID]; ok {
		cb = rec.cfg.Callback
	}
	rg.mu.Unlock()
	rg.notify("scand.scan.vulnerability", s.scanID, vuln, cb)
	if rg.opts.Metrics != nil {
		rg.opts.Metrics.RecordVulnerability(vuln.Severity)
	}
}
