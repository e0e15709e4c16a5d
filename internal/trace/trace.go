// Package trace holds the canonical in-memory state of one scan: the
// agents it spawned, their chat messages, tool executions, vulnerability
// reports, and aggregate LLM usage. The engine mutates this state
// through a fixed set of operations; each operation updates the state
// first and then notifies an event sink installed at construction, so
// observers only ever see events for state that has already landed.
package trace

import (
	"log/slog"
	"sync"
	"time"
)

// Agent is one reasoning agent within a scan.
type Agent struct {
	ID           string    `json:"agent_id"`
	Name         string    `json:"name"`
	Task         string    `json:"task"`
	ParentID     string    `json:"parent_id,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one chat message logged by or for an agent.
type Message struct {
	ID       int            `json:"message_id"`
	AgentID  string         `json:"agent_id,omitempty"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Time     time.Time      `json:"timestamp"`
}

// ToolExecution is one tool invocation by an agent.
type ToolExecution struct {
	ID        int            `json:"execution_id"`
	AgentID   string         `json:"agent_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args,omitempty"`
	Status    string         `json:"status"`
	Result    any            `json:"result,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// Vulnerability is one finding reported during a scan.
type Vulnerability struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Severity string    `json:"severity"`
	FoundAt  time.Time `json:"found_at"`
}

// LLMStats aggregates token and cost usage across a scan.
type LLMStats struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	Requests     int64   `json:"requests"`
	Cost         float64 `json:"cost"`
}

// Stats is a point-in-time aggregate snapshot of a scan.
type Stats struct {
	Agents          int      `json:"agents"`
	Tools           int      `json:"tools"`
	Vulnerabilities int      `json:"vulnerabilities"`
	LLM             LLMStats `json:"llm_stats"`
}

// Sink receives notifications after trace mutations. Implementations
// must not assume they run on any particular goroutine; mutations come
// from whichever worker drives the engine. All methods are best-effort:
// panics and slow sinks are the caller's concern, the trace swallows
// panics so the underlying operation's result is never affected.
type Sink interface {
	AgentCreated(agent Agent)
	AgentUpdated(agentID string, updates map[string]any)
	MessageLogged(msg Message)
	ToolExecutionUpdated(tool ToolExecution)
	VulnerabilityFound(vuln Vulnerability)
}

// Trace is safe for concurrent use: the engine appends from its own
// goroutines while the sampler and API handlers read.
type Trace struct {
	scanID string
	sink   Sink
	logger *slog.Logger

	mu         sync.RWMutex
	agents     map[string]Agent
	agentOrder []string
	messages   []Message
	tools      map[int]ToolExecution
	toolOrder  []int
	vulns      []Vulnerability
	usage      LLMStats
	nextMsgID  int
	nextExecID int
}

// New creates a trace for a scan. A nil sink disables event emission,
// which is how records reconstructed from disk behave.
func New(scanID string, sink Sink) *Trace {
	return &Trace{
		scanID: scanID,
		sink:   sink,
		logger: slog.With("scanId", scanID, "component", "trace"),
		agents: make(map[string]Agent),
		tools:  make(map[int]ToolExecution),
	}
}

// ScanID returns the owning scan's id.
func (t *Trace) ScanID() string {
	return t.scanID
}

// emit invokes one sink callback, swallowing panics so instrumentation
// can never change the outcome of the mutation that triggered it.
func (t *Trace) emit(fn func(Sink)) {
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Event sink panicked", "panic", r)
		}
	}()
	fn(t.sink)
}

// LogAgentCreation records a new agent and emits agent_created.
func (t *Trace) LogAgentCreation(agentID, name, task, parentID string) {
	t.mu.Lock()
	agent := Agent{
		ID:        agentID,
		Name:      name,
		Task:      task,
		ParentID:  parentID,
		Status:    "running",
		CreatedAt: time.Now().UTC(),
	}
	if _, exists := t.agents[agentID]; !exists {
		t.agentOrder = append(t.agentOrder, agentID)
	}
	t.agents[agentID] = agent
	t.mu.Unlock()

	t.emit(func(s Sink) { s.AgentCreated(agent) })
}

// UpdateAgentStatus records an agent status change and emits agent_updated.
// Unknown agent ids are ignored, matching the engine's fire-and-forget use.
func (t *Trace) UpdateAgentStatus(agentID, status, errorMessage string) {
	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	agent.Status = status
	if errorMessage != "" {
		agent.ErrorMessage = errorMessage
	}
	t.agents[agentID] = agent
	t.mu.Unlock()

	updates := map[string]any{"status": status}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	t.emit(func(s Sink) { s.AgentUpdated(agentID, updates) })
}

// LogChatMessage appends a chat message and returns its id. Messages
// with an agent id emit a message event; scan-level messages do not.
func (t *Trace) LogChatMessage(content, role, agentID string, metadata map[string]any) int {
	t.mu.Lock()
	t.nextMsgID++
	msg := Message{
		ID:       t.nextMsgID,
		AgentID:  agentID,
		Role:     role,
		Content:  content,
		Metadata: metadata,
		Time:     time.Now().UTC(),
	}
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	if agentID != "" {
		t.emit(func(s Sink) { s.MessageLogged(msg) })
	}
	return msg.ID
}

// LogToolExecutionStart records the start of a tool invocation and
// returns the execution id.
func (t *Trace) LogToolExecutionStart(agentID, toolName string, args map[string]any) int {
	t.mu.Lock()
	t.nextExecID++
	tool := ToolExecution{
		ID:        t.nextExecID,
		AgentID:   agentID,
		ToolName:  toolName,
		Args:      args,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	t.tools[tool.ID] = tool
	t.toolOrder = append(t.toolOrder, tool.ID)
	t.mu.Unlock()

	t.emit(func(s Sink) { s.ToolExecutionUpdated(tool) })
	return tool.ID
}

// UpdateToolExecution records a tool result. Unknown execution ids are
// ignored.
func (t *Trace) UpdateToolExecution(executionID int, status string, result any) {
	t.mu.Lock()
	tool, ok := t.tools[executionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tool.Status = status
	tool.Result = result
	t.tools[executionID] = tool
	t.mu.Unlock()

	t.emit(func(s Sink) { s.ToolExecutionUpdated(tool) })
}

// AddVulnerabilityReport appends a finding and returns its report id.
func (t *Trace) AddVulnerabilityReport(id, title, content, severity string) string {
	t.mu.Lock()
	vuln := Vulnerability{
		ID:       id,
		Title:    title,
		Content:  content,
		Severity: severity,
		FoundAt:  time.Now().UTC(),
	}
	t.vulns = append(t.vulns, vuln)
	t.mu.Unlock()

	t.emit(func(s Sink) { s.VulnerabilityFound(vuln) })
	return vuln.ID
}

// AddUsage accumulates engine-reported LLM usage. No event is emitted;
// usage surfaces through the periodic stats sampler.
func (t *Trace) AddUsage(inputTokens, outputTokens, cachedTokens int64, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += inputTokens
	t.usage.OutputTokens += outputTokens
	t.usage.CachedTokens += cachedTokens
	t.usage.Cost += cost
	t.usage.Requests++
}

// Agents returns all agents in creation order.
func (t *Trace) Agents() []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Agent, 0, len(t.agentOrder))
	for _, id := range t.agentOrder {
		out = append(out, t.agents[id])
	}
	return out
}

// Agent returns one agent by id.
func (t *Trace) Agent(agentID string) (Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[agentID]
	return a, ok
}

// MessagesFor returns all messages for one agent, oldest first.
func (t *Trace) MessagesFor(agentID string) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Message
	for _, m := range t.messages {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out
}

// ToolsFor returns all tool executions for one agent, oldest first.
func (t *Trace) ToolsFor(agentID string) []ToolExecution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ToolExecution
	for _, id := range t.toolOrder {
		if tool := t.tools[id]; tool.AgentID == agentID {
			out = append(out, tool)
		}
	}
	return out
}

// Vulnerabilities returns all findings, oldest first.
func (t *Trace) Vulnerabilities() []Vulnerability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Vulnerability, len(t.vulns))
	copy(out, t.vulns)
	return out
}

// Counts returns the aggregate stats snapshot used by the sampler and
// the stats endpoint.
func (t *Trace) Counts() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Agents:          len(t.agents),
		Tools:           len(t.tools),
		Vulnerabilities: len(t.vulns),
		LLM:             t.usage,
	}
}

// RunningAgents returns the number of agents currently running.
func (t *Trace) RunningAgents() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.agents {
		if a.Status == "running" {
			n++
		}
	}
	return n
}
