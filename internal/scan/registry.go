package scan

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scand/internal/apperrors"
	"scand/internal/bridge"
	"scand/internal/trace"
)

// CallbackNotifier delivers scan lifecycle webhooks. Implementations
// are fire-and-forget; delivery failures never affect scan state.
type CallbackNotifier interface {
	Notify(eventType, scanID string, payload any, cb Callback)
}

// MetricsRecorder receives scan lifecycle measurements.
type MetricsRecorder interface {
	RecordScanCreated()
	RecordScanFinished(status string, duration time.Duration)
	RecordActiveScans(n int64)
	RecordVulnerability(severity string)
}

// Options configures a Registry.
type Options struct {
	RunsDir         string
	StopTimeout     time.Duration
	SampleInterval  time.Duration
	CheckpointEvery int
	MaxIterations   int
	Logger          *slog.Logger
	Bus             *bridge.Bridge
	Factory         Factory
	Sandbox         Sandbox
	Notifier        CallbackNotifier // optional
	Metrics         MetricsRecorder  // optional
}

// Registry is the single authority on scan state. All lifecycle
// transitions go through it; the map mutation itself happens under one
// lock while engine work runs outside it.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	scans  map[string]*record
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. Call LoadFromDisk afterwards
// to recover persisted scans.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		logger: logger.With("component", "registry"),
		scans:  make(map[string]*record),
	}
}

// CreateRequest carries the caller-supplied fields for a new scan.
// ScanID is optional; when empty a fresh id is allocated.
type CreateRequest struct {
	ScanID           string    `json:"scan_id,omitempty"`
	RunName          string    `json:"run_name"`
	Targets          []Target  `json:"targets"`
	UserInstructions string    `json:"user_instructions"`
	MaxIterations    int       `json:"max_iterations"`
	Callback         *Callback `json:"callback,omitempty"`
}

func newScanID() string {
	u := uuid.New()
	return "scan-" + hex.EncodeToString(u[:4])
}

// validScanID rejects ids that could escape the run-storage root.
func validScanID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Create registers a new scan in status created, persists its snapshot,
// and announces it. The scan does not run until Start is called.
func (rg *Registry) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	if len(req.Targets) == 0 {
		return Snapshot{}, apperrors.Validation("targets", "at least one target is required")
	}
	for i, tgt := range req.Targets {
		if tgt.Value == "" {
			return Snapshot{}, apperrors.Validation(fmt.Sprintf("targets[%d].value", i), "target value cannot be empty")
		}
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = rg.opts.MaxIterations
	}

	id := req.ScanID
	if id == "" {
		id = newScanID()
	} else if !validScanID(id) {
		return Snapshot{}, apperrors.Validation("scan_id", "invalid scan id")
	}
	runName := req.RunName
	if runName == "" {
		runName = id
	}
	cfg := Config{
		ScanID:           id,
		RunName:          runName,
		Targets:          req.Targets,
		UserInstructions: req.UserInstructions,
		MaxIterations:    maxIter,
		Callback:         req.Callback,
	}

	rec := &record{
		cfg:       cfg,
		status:    StatusCreated,
		createdAt: time.Now().UTC(),
	}
	rec.trace = trace.New(id, &traceSink{registry: rg, scanID: id})

	rg.mu.Lock()
	if rg.closed {
		rg.mu.Unlock()
		return Snapshot{}, apperrors.Internal("scan.create", fmt.Errorf("registry is shutting down"))
	}
	if _, exists := rg.scans[id]; exists {
		rg.mu.Unlock()
		return Snapshot{}, apperrors.Duplicate("scan", id)
	}
	rg.scans[id] = rec
	snap := rec.snapshot()
	rg.mu.Unlock()

	if err := writeSnapshot(rg.runDir(id), snap); err != nil {
		rg.mu.Lock()
		delete(rg.scans, id)
		rg.mu.Unlock()
		return Snapshot{}, apperrors.Internal("scan.create", err)
	}

	rg.logger.Info("Scan created", "scanId", id, "runName", runName, "targets", len(req.Targets))
	rg.opts.Bus.Publish(bridge.KindScanCreated, id, snap)
	rg.notify("scand.scan.created", id, snap, cfg.Callback)
	if rg.opts.Metrics != nil {
		rg.opts.Metrics.RecordScanCreated()
	}
	return snap, nil
}

// Start schedules execution for a created or previously stopped scan.
// It returns once the runner is scheduled, not once the scan completes.
func (rg *Registry) Start(ctx context.Context, id string) error {
	rg.mu.Lock()
	rec, ok := rg.scans[id]
	if !ok {
		rg.mu.Unlock()
		return apperrors.NotFound("scan", id)
	}
	if rec.status != StatusCreated && rec.status != StatusStopped {
		status := rec.status
		rg.mu.Unlock()
		return apperrors.InvalidTransition("scan", id, string(status))
	}
	if rg.closed {
		rg.mu.Unlock()
		return apperrors.Internal("scan.start", fmt.Errorf("registry is shutting down"))
	}

	engine, err := rg.opts.Factory.NewEngine(rec.cfg)
	if err != nil {
		rg.mu.Unlock()
		return apperrors.External("engine.new", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	rec.status = StatusRunning
	rec.startedAt = &now
	rec.finishedAt = nil
	rec.errorMsg = ""
	rec.engine = engine
	rec.cancel = cancel
	rec.done = make(chan struct{})
	snap := rec.snapshot()
	cfg := rec.cfg
	tr := rec.trace
	done := rec.done
	rg.wg.Add(2)
	rg.mu.Unlock()

	if err := writeSnapshot(rg.runDir(id), snap); err != nil {
		rg.logger.Warn("Failed to persist scan snapshot", "scanId", id, "error", err)
	}
	rg.logger.Info("Scan started", "scanId", id)
	rg.opts.Bus.Publish(bridge.KindScanUpdated, id, snap)
	rg.notify("scand.scan.updated", id, snap, cfg.Callback)
	rg.recordActive()

	go rg.run(runCtx, engine, cfg, tr, done)
	go rg.sample(runCtx, id, tr, done)
	return nil
}

// Stop requests cancellation of a running scan. It returns true if a
// cancellation was issued and false if the scan is unknown or not
// running. It does not wait for the engine to terminate; termination is
// observed asynchronously through the status transition.
func (rg *Registry) Stop(ctx context.Context, id string) bool {
	rg.mu.Lock()
	rec, ok := rg.scans[id]
	if !ok || rec.status != StatusRunning {
		rg.mu.Unlock()
		return false
	}
	rec.status = StatusStopping
	rec.cancel()
	if rg.opts.StopTimeout > 0 {
		rec.forceStop = time.AfterFunc(rg.opts.StopTimeout, func() {
			if rg.finish(id, StatusStopped, "stop timeout exceeded") {
				rg.logger.Warn("Scan did not honor cancellation in time", "scanId", id)
				go rg.teardown(id)
			}
		})
	}
	snap := rec.snapshot()
	cb := rec.cfg.Callback
	rg.mu.Unlock()

	if err := writeSnapshot(rg.runDir(id), snap); err != nil {
		rg.logger.Warn("Failed to persist scan snapshot", "scanId", id, "error", err)
	}
	rg.logger.Info("Scan stopping", "scanId", id)
	rg.opts.Bus.Publish(bridge.KindScanUpdated, id, snap)
	rg.notify("scand.scan.updated", id, snap, cb)
	return true
}

// Get returns a read-only snapshot of one scan.
func (rg *Registry) Get(id string) (Snapshot, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rec, ok := rg.scans[id]
	if !ok {
		return Snapshot{}, apperrors.NotFound("scan", id)
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all scans, newest first.
func (rg *Registry) List() []Snapshot {
	rg.mu.Lock()
	out := make([]Snapshot, 0, len(rg.scans))
	for _, rec := range rg.scans {
		out = append(out, rec.snapshot())
	}
	rg.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Trace returns the live trace for one scan.
func (rg *Registry) Trace(id string) (*trace.Trace, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rec, ok := rg.scans[id]
	if !ok {
		return nil, apperrors.NotFound("scan", id)
	}
	return rec.trace, nil
}

// liveEngine returns the running scan's engine and trace.
func (rg *Registry) liveEngine(id string) (Engine, *trace.Trace, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	rec, ok := rg.scans[id]
	if !ok {
		return nil, nil, apperrors.NotFound("scan", id)
	}
	if rec.status != StatusRunning || rec.engine == nil {
		return nil, nil, apperrors.InvalidTransition("scan", id, string(rec.status))
	}
	return rec.engine, rec.trace, nil
}

// SendAgentMessage forwards a user message to one agent of a running
// scan and records it in the trace.
func (rg *Registry) SendAgentMessage(ctx context.Context, id, agentID, content string) error {
	engine, tr, err := rg.liveEngine(id)
	if err != nil {
		return err
	}
	if _, ok := tr.Agent(agentID); !ok {
		return apperrors.NotFound("agent", agentID)
	}
	messenger, ok := engine.(Messenger)
	if !ok {
		return apperrors.Validation("agent_id", "engine does not support agent messages")
	}
	if err := messenger.SendMessage(ctx, agentID, content); err != nil {
		return apperrors.External("engine.message", err)
	}
	tr.LogChatMessage(content, "user", agentID, nil)
	return nil
}

// StopAgent stops one agent inside a running scan without stopping the
// scan itself.
func (rg *Registry) StopAgent(ctx context.Context, id, agentID string) error {
	engine, tr, err := rg.liveEngine(id)
	if err != nil {
		return err
	}
	if _, ok := tr.Agent(agentID); !ok {
		return apperrors.NotFound("agent", agentID)
	}
	stopper, ok := engine.(AgentStopper)
	if !ok {
		return apperrors.Validation("agent_id", "engine does not support stopping single agents")
	}
	if err := stopper.StopAgent(ctx, agentID); err != nil {
		return apperrors.External("engine.stopAgent", err)
	}
	tr.UpdateAgentStatus(agentID, "stopped", "")
	return nil
}

// Containers lists the sandbox containers attached to one scan.
func (rg *Registry) Containers(ctx context.Context, id string) ([]ContainerInfo, error) {
	if _, err := rg.Get(id); err != nil {
		return nil, err
	}
	infos, err := rg.opts.Sandbox.ContainersFor(ctx, id)
	if err != nil {
		return nil, apperrors.External("sandbox.containers", err)
	}
	return infos, nil
}

// Delete removes a scan. A running scan is stopped first. The in-memory
// record is removed before external cleanup so a cleanup failure can
// never resurrect the scan; a failed run-directory removal is reported
// as false with the record already gone.
func (rg *Registry) Delete(ctx context.Context, id string) (bool, error) {
	if !validScanID(id) {
		return false, apperrors.Validation("scan_id", "invalid scan id")
	}

	rg.mu.Lock()
	rec, ok := rg.scans[id]
	if !ok {
		rg.mu.Unlock()
		return false, apperrors.NotFound("scan", id)
	}
	if rec.status.Active() {
		if rec.cancel != nil {
			rec.cancel()
		}
		if rec.forceStop != nil {
			rec.forceStop.Stop()
		}
		rec.status = StatusStopped
		now := time.Now().UTC()
		rec.finishedAt = &now
	}
	cb := rec.cfg.Callback
	delete(rg.scans, id)
	rg.mu.Unlock()

	rg.teardown(id)

	cleanupOK := true
	if err := os.RemoveAll(rg.runDir(id)); err != nil {
		rg.logger.Error("Failed to remove scan run directory", "scanId", id, "error", err)
		cleanupOK = false
	}

	rg.logger.Info("Scan deleted", "scanId", id, "cleanupOk", cleanupOK)
	rg.opts.Bus.Publish(bridge.KindScanDeleted, id, map[string]any{"scan_id": id})
	rg.notify("scand.scan.deleted", id, map[string]any{"scan_id": id}, cb)
	rg.recordActive()
	return cleanupOK, nil
}

// LoadFromDisk reconstructs scans from persisted snapshots under the
// run-storage root. Reconstructed scans are historical views with no
// live engine; snapshots whose status implies a live execution are
// marked failed, since the execution did not survive the restart.
// Malformed entries are logged and skipped.
func (rg *Registry) LoadFromDisk() {
	entries, err := os.ReadDir(rg.opts.RunsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			rg.logger.Warn("Failed to read run-storage root", "dir", rg.opts.RunsDir, "error", err)
		}
		return
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(rg.opts.RunsDir, entry.Name())
		snap, err := readSnapshot(dir)
		if err != nil {
			rg.logger.Warn("Skipping malformed scan metadata", "dir", dir, "error", err)
			continue
		}
		if snap.ScanID != entry.Name() {
			rg.logger.Warn("Skipping scan metadata with mismatched id", "dir", dir, "scanId", snap.ScanID)
			continue
		}

		if snap.Status.Active() {
			snap.Status = StatusFailed
			snap.ErrorMessage = "interrupted by restart"
			if snap.FinishedAt == nil {
				now := time.Now().UTC()
				snap.FinishedAt = &now
			}
			if err := writeSnapshot(dir, snap); err != nil {
				rg.logger.Warn("Failed to persist recovered scan snapshot", "scanId", snap.ScanID, "error", err)
			}
		}

		rec := &record{
			cfg: Config{
				ScanID:           snap.ScanID,
				RunName:          snap.RunName,
				Targets:          snap.Targets,
				UserInstructions: snap.UserInstructions,
				MaxIterations:    snap.MaxIterations,
			},
			status:     snap.Status,
			createdAt:  snap.CreatedAt,
			startedAt:  snap.StartedAt,
			finishedAt: snap.FinishedAt,
			errorMsg:   snap.ErrorMessage,
		}
		// A live sink: recovered stopped scans are restartable and
		// their next execution must reach observers.
		rec.trace = trace.New(snap.ScanID, &traceSink{registry: rg, scanID: snap.ScanID})

		rg.mu.Lock()
		if _, exists := rg.scans[snap.ScanID]; !exists {
			rg.scans[snap.ScanID] = rec
			loaded++
		}
		rg.mu.Unlock()
	}
	if loaded > 0 {
		rg.logger.Info("Recovered scans from disk", "count", loaded)
	}
}

// Close cancels all active scans and waits for their runners to exit or
// ctx to expire.
func (rg *Registry) Close(ctx context.Context) error {
	rg.mu.Lock()
	rg.closed = true
	for id, rec := range rg.scans {
		if rec.status == StatusRunning {
			rg.logger.Info("Cancelling scan for shutdown", "scanId", id)
			rec.status = StatusStopping
			rec.cancel()
		}
	}
	rg.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		rg.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scans to stop: %w", ctx.Err())
	}
}

// finish applies a terminal transition. It is the only place a running
// or stopping scan becomes terminal, and it applies at most once per
// execution: the runner, the force-stop timer, and delete all race
// through here and exactly one wins.
func (rg *Registry) finish(id string, status Status, errMsg string) bool {
	rg.mu.Lock()
	rec, ok := rg.scans[id]
	if !ok || !rec.status.Active() {
		rg.mu.Unlock()
		return false
	}
	rec.status = status
	rec.errorMsg = errMsg
	now := time.Now().UTC()
	rec.finishedAt = &now
	if rec.forceStop != nil {
		rec.forceStop.Stop()
		rec.forceStop = nil
	}
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	rec.engine = nil
	snap := rec.snapshot()
	cb := rec.cfg.Callback
	tr := rec.trace
	var duration time.Duration
	if snap.StartedAt != nil {
		duration = now.Sub(*snap.StartedAt)
	}
	rg.mu.Unlock()

	if err := writeSnapshot(rg.runDir(id), snap); err != nil {
		rg.logger.Warn("Failed to persist scan snapshot", "scanId", id, "error", err)
	}
	if err := tr.Checkpoint(rg.runDir(id)); err != nil {
		rg.logger.Warn("Failed to checkpoint scan trace", "scanId", id, "error", err)
	}

	rg.logger.Info("Scan finished", "scanId", id, "status", status, "duration", duration)
	rg.opts.Bus.Publish(bridge.KindScanUpdated, id, snap)
	rg.opts.Bus.Publish(bridge.KindStatsUpdated, id, tr.Counts())
	rg.notify("scand.scan.updated", id, snap, cb)
	if rg.opts.Metrics != nil {
		rg.opts.Metrics.RecordScanFinished(string(status), duration)
	}
	rg.recordActive()
	return true
}

func (rg *Registry) runDir(id string) string {
	return filepath.Join(rg.opts.RunsDir, id)
}

func (rg *Registry) notify(eventType, scanID string, payload any, cb *Callback) {
	if rg.opts.Notifier == nil || cb == nil || cb.URL == "" {
		return
	}
	if !cb.Wants(eventType) {
		return
	}
	rg.opts.Notifier.Notify(eventType, scanID, payload, *cb)
}

// teardown removes the scan's sandbox containers, best-effort.
func (rg *Registry) teardown(id string) {
	if rg.opts.Sandbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rg.opts.Sandbox.Teardown(ctx, id); err != nil {
		rg.logger.Warn("Sandbox teardown failed", "scanId", id, "error", err)
	}
}

func (rg *Registry) recordActive() {
	if rg.opts.Metrics == nil {
		return
	}
	rg.mu.Lock()
	var n int64
	for _, rec := range rg.scans {
		if rec.status.Active() {
			n++
		}
	}
	rg.mu.Unlock()
	rg.opts.Metrics.RecordActiveScans(n)
}
