package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scand/internal/apperrors"
	"scand/internal/bridge"
	"scand/internal/testutil"
	"scand/internal/trace"
)

type stubEngine struct {
	run func(ctx context.Context, cfg Config, tr *trace.Trace) error
}

func (e *stubEngine) Run(ctx context.Context, cfg Config, tr *trace.Trace) error {
	if e.run != nil {
		return e.run(ctx, cfg, tr)
	}
	return nil
}

type stubFactory struct {
	engine Engine
	err    error
}

func (f *stubFactory) NewEngine(cfg Config) (Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

type stubSandbox struct {
	teardowns atomic.Int64
}

func (s *stubSandbox) ContainersFor(ctx context.Context, scanID string) ([]ContainerInfo, error) {
	return nil, nil
}

func (s *stubSandbox) Teardown(ctx context.Context, scanID string) error {
	s.teardowns.Add(1)
	return nil
}

func (s *stubSandbox) Ready(ctx context.Context) error {
	return nil
}

func newTestRegistry(t *testing.T, factory Factory) (*Registry, *stubSandbox, *bridge.Bridge) {
	t.Helper()
	sandbox := &stubSandbox{}
	bus := bridge.New()
	rg := NewRegistry(Options{
		RunsDir:         t.TempDir(),
		StopTimeout:     200 * time.Millisecond,
		SampleInterval:  20 * time.Millisecond,
		CheckpointEvery: 5,
		MaxIterations:   300,
		Bus:             bus,
		Factory:         factory,
		Sandbox:         sandbox,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rg.Close(ctx)
	})
	return rg, sandbox, bus
}

func oneTarget() []Target {
	return []Target{{Type: "web_application", Value: "http://example.com"}}
}

func statusOf(t *testing.T, rg *Registry, id string) Status {
	t.Helper()
	snap, err := rg.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return snap.Status
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	rg, _, _ := newTestRegistry(t, &stubFactory{engine: &stubEngine{}})

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no targets", CreateRequest{RunName: "empty"}},
		{"empty target value", CreateRequest{Targets: []Target{{Type: "repository", Value: ""}}}},
		{"traversal id", CreateRequest{ScanID: "../etc", Targets: oneTarget()}},
		{"id with slash", CreateRequest{ScanID: "a/b", Targets: oneTarget()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rg.Create(context.Background(), tc.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()

	rg, _, _ := newTestRegistry(t, &stubFactory{engine: &stubEngine{}})

	snap, err := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.Status != StatusCreated {
		t.Errorf("expected created, got %s", snap.Status)
	}
	if snap.RunName != snap.ScanID {
		t.Errorf("expected run name to default to scan id, got %q", snap.RunName)
	}
	if snap.MaxIterations != 300 {
		t.Errorf("expected default max iterations, got %d", snap.MaxIterations)
	}
	if len(snap.ScanID) != len("scan-")+8 {
		t.Errorf("unexpected scan id shape: %q", snap.ScanID)
	}
}

func TestCreateWithCallerSuppliedID(t *testing.T) {
	t.Parallel()

	rg, _, _ := newTestRegistry(t, &stubFactory{engine: &stubEngine{}})

	snap, err := rg.Create(context.Background(), CreateRequest{ScanID: "nightly-audit", Targets: oneTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.ScanID != "nightly-audit" {
		t.Errorf("expected caller-supplied id, got %q", snap.ScanID)
	}

	_, err = rg.Create(context.Background(), CreateRequest{ScanID: "nightly-audit", Targets: oneTarget()})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for duplicate id, got %v", err)
	}
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		tr.LogAgentCreation("agent-1", "root", "assess target", "")
		tr.AddVulnerabilityReport("vuln-1", "SQLi", "details", "high")
		return nil
	}}
	rg, _, bus := newTestRegistry(t, &stubFactory{engine: engine})

	// Collect everything the bridge sees.
	var (
		mu     sync.Mutex
		events []bridge.Event
	)
	var eventCount atomic.Int64
	collectCtx, stopCollect := context.WithCancel(context.Background())
	defer stopCollect()
	go func() {
		for {
			ev, err := bus.Next(collectCtx)
			if err != nil {
				return
			}
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			eventCount.Add(1)
		}
	}()

	snap, err := rg.Create(context.Background(), CreateRequest{RunName: "demo", Targets: oneTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusCompleted
	})

	final, _ := rg.Get(snap.ScanID)
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Errorf("expected timestamps set, got %+v", final)
	}
	if final.ErrorMessage != "" {
		t.Errorf("unexpected error message %q", final.ErrorMessage)
	}

	// The terminal transition emits scan_updated then a final stats event.
	testutil.MustWaitFor(t, func() bool { return eventCount.Load() >= 5 })
	stopCollect()
	mu.Lock()
	defer mu.Unlock()
	kinds := make(map[string]int)
	for _, ev := range events {
		if ev.ScanID == snap.ScanID {
			kinds[ev.Kind]++
		}
	}
	for _, want := range []string{
		bridge.KindScanCreated,
		bridge.KindScanUpdated,
		bridge.KindAgentCreated,
		bridge.KindVulnerabilityFound,
		bridge.KindStatsUpdated,
	} {
		if kinds[want] == 0 {
			t.Errorf("expected at least one %s event, got %v", want, kinds)
		}
	}

	// Persisted snapshot reflects the terminal status.
	onDisk, err := readSnapshot(filepath.Join(rg.opts.RunsDir, snap.ScanID))
	if err != nil {
		t.Fatalf("reading persisted snapshot: %v", err)
	}
	if onDisk.Status != StatusCompleted {
		t.Errorf("expected persisted completed, got %s", onDisk.Status)
	}
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rg, _, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, err := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := rg.Start(context.Background(), snap.ScanID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if err := rg.Start(context.Background(), "scan-missing0"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStopAndRestart(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rg, _, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusRunning
	})

	if !rg.Stop(context.Background(), snap.ScanID) {
		t.Fatal("expected stop to return true for a running scan")
	}
	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusStopped
	})
	if rg.Stop(context.Background(), snap.ScanID) {
		t.Error("expected second stop to return false")
	}
	if rg.Stop(context.Background(), "scan-missing0") {
		t.Error("expected stop on unknown scan to return false")
	}

	final, _ := rg.Get(snap.ScanID)
	if final.FinishedAt == nil {
		t.Error("expected finished timestamp after stop")
	}

	// Stopped scans can be started again.
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusRunning
	})
}

func TestStopTimeoutForcesTermination(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		// Ignores cancellation until released.
		<-release
		return nil
	}}
	rg, _, _ := newTestRegistry(t, &stubFactory{engine: engine})
	defer close(release)

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !rg.Stop(context.Background(), snap.ScanID) {
		t.Fatal("expected stop to return true")
	}

	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusStopped
	})
	final, _ := rg.Get(snap.ScanID)
	if final.ErrorMessage != "stop timeout exceeded" {
		t.Errorf("expected force-stop message, got %q", final.ErrorMessage)
	}
}

func TestEngineFailure(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		return errors.New("target unreachable")
	}}
	rg, sandbox, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusFailed
	})
	final, _ := rg.Get(snap.ScanID)
	if final.ErrorMessage != "target unreachable" {
		t.Errorf("expected error message, got %q", final.ErrorMessage)
	}
	testutil.MustWaitForCount(t, &sandbox.teardowns, 1)
}

func TestEnginePanicBecomesFailure(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		panic("boom")
	}}
	rg, _, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		return statusOf(t, rg, snap.ScanID) == StatusFailed
	})
}

func TestDeleteValidation(t *testing.T) {
	t.Parallel()

	rg, sandbox, _ := newTestRegistry(t, &stubFactory{engine: &stubEngine{}})

	for _, id := range []string{"", "../etc", "a/b", `a\b`, "scan-..x"} {
		if _, err := rg.Delete(context.Background(), id); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("id %q: expected validation error, got %v", id, err)
		}
	}
	if sandbox.teardowns.Load() != 0 {
		t.Error("invalid ids must not trigger any cleanup")
	}
}

func TestDeleteRunningScan(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rg, sandbox, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok, err := rg.Delete(context.Background(), snap.ScanID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	// Gone from memory immediately.
	if _, err := rg.Get(snap.ScanID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if len(rg.List()) != 0 {
		t.Error("deleted scan still listed")
	}
	if _, err := os.Stat(filepath.Join(rg.opts.RunsDir, snap.ScanID)); !os.IsNotExist(err) {
		t.Error("run directory still present after delete")
	}
	testutil.MustWaitForCount(t, &sandbox.teardowns, 1)

	// Second delete finds nothing.
	if _, err := rg.Delete(context.Background(), snap.ScanID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	rg, _, _ := newTestRegistry(t, &stubFactory{engine: &stubEngine{}})

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, snap.ScanID)
		time.Sleep(2 * time.Millisecond)
	}

	list := rg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 scans, got %d", len(list))
	}
	if list[0].ScanID != ids[2] || list[2].ScanID != ids[0] {
		t.Errorf("expected newest first, got %v", list)
	}
}

func TestLoadFromDisk(t *testing.T) {
	t.Parallel()

	runsDir := t.TempDir()

	writeMeta := func(id string, snap Snapshot) {
		snap.ScanID = id
		if err := writeSnapshot(filepath.Join(runsDir, id), snap); err != nil {
			t.Fatalf("seeding %s: %v", id, err)
		}
	}
	now := time.Now().UTC()
	writeMeta("scan-aaaa0001", Snapshot{RunName: "done", Status: StatusCompleted, CreatedAt: now, Targets: oneTarget()})
	writeMeta("scan-aaaa0002", Snapshot{RunName: "live", Status: StatusRunning, CreatedAt: now, Targets: oneTarget()})

	corrupt := filepath.Join(runsDir, "scan-corrupt1")
	if err := os.MkdirAll(corrupt, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "metadata.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	rg := NewRegistry(Options{
		RunsDir: runsDir,
		Bus:     bridge.New(),
		Factory: &stubFactory{engine: &stubEngine{}},
		Sandbox: &stubSandbox{},
	})
	rg.LoadFromDisk()

	list := rg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 recovered scans, got %d", len(list))
	}

	// A scan persisted as running did not survive the restart.
	recovered, err := rg.Get("scan-aaaa0002")
	if err != nil {
		t.Fatalf("get recovered: %v", err)
	}
	if recovered.Status != StatusFailed {
		t.Errorf("expected failed, got %s", recovered.Status)
	}
	if recovered.ErrorMessage != "interrupted by restart" {
		t.Errorf("unexpected error message %q", recovered.ErrorMessage)
	}

	if snap, err := rg.Get("scan-aaaa0001"); err != nil || snap.Status != StatusCompleted {
		t.Errorf("expected completed recovery, got %+v err=%v", snap, err)
	}
}

func TestRestartRecoveredScanEmitsEvents(t *testing.T) {
	t.Parallel()

	runsDir := t.TempDir()
	now := time.Now().UTC()
	seed := Snapshot{
		ScanID:    "scan-aaaa0003",
		RunName:   "halted",
		Status:    StatusStopped,
		CreatedAt: now,
		Targets:   oneTarget(),
	}
	if err := writeSnapshot(filepath.Join(runsDir, seed.ScanID), seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		tr.LogAgentCreation("agent-1", "root", "resume", "")
		return nil
	}}
	bus := bridge.New()
	rg := NewRegistry(Options{
		RunsDir: runsDir,
		Bus:     bus,
		Factory: &stubFactory{engine: engine},
		Sandbox: &stubSandbox{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rg.Close(ctx)
	})
	rg.LoadFromDisk()

	if err := rg.Start(context.Background(), seed.ScanID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// The recovered scan's new execution must reach observers.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := bus.Next(ctx)
		if err != nil {
			t.Fatalf("no agent_created event after restart: %v", err)
		}
		if ev.Kind == bridge.KindAgentCreated && ev.ScanID == seed.ScanID {
			return
		}
	}
}

func TestCloseCancelsRunningScans(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{run: func(ctx context.Context, cfg Config, tr *trace.Trace) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rg, _, _ := newTestRegistry(t, &stubFactory{engine: engine})

	snap, _ := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()})
	if err := rg.Start(context.Background(), snap.ScanID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rg.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := statusOf(t, rg, snap.ScanID); got != StatusStopped {
		t.Errorf("expected stopped after shutdown, got %s", got)
	}

	// New work is rejected once closed.
	if _, err := rg.Create(context.Background(), CreateRequest{Targets: oneTarget()}); err == nil {
		t.Error("expected create to fail after close")
	}
}
