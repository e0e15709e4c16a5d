package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type checkpointFile struct {
	ScanID          string          `json:"scan_id"`
	Agents          []Agent         `json:"agents"`
	Messages        []Message       `json:"messages"`
	ToolExecutions  []ToolExecution `json:"tool_executions"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	LLMStats        LLMStats        `json:"llm_stats"`
}

// Checkpoint writes the full trace to trace.json inside dir. The file
// is written to a temp name and renamed so readers never observe a
// partial checkpoint.
func (t *Trace) Checkpoint(dir string) error {
	t.mu.RLock()
	cp := checkpointFile{
		ScanID:          t.scanID,
		Agents:          make([]Agent, 0, len(t.agentOrder)),
		Messages:        append([]Message(nil), t.messages...),
		ToolExecutions:  make([]ToolExecution, 0, len(t.toolOrder)),
		Vulnerabilities: append([]Vulnerability(nil), t.vulns...),
		LLMStats:        t.usage,
	}
	for _, id := range t.agentOrder {
		cp.Agents = append(cp.Agents, t.agents[id])
	}
	for _, id := range t.toolOrder {
		cp.ToolExecutions = append(cp.ToolExecutions, t.tools[id])
	}
	t.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tmp := filepath.Join(dir, "trace.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "trace.json")); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}
