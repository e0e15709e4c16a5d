package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"scand/internal/scan"
	"scand/internal/testutil"
	"scand/pkg/circuitbreaker"
	"scand/pkg/cloudevent"
)

func testEvent(destination string) *Event {
	data, _ := json.Marshal(map[string]string{"scan_id": "scan-aaaa0001"})
	return &Event{
		Payload:     cloudevent.New("scand.scan.updated", "/scand", "scan-aaaa0001", "ev-1", data),
		Destination: destination,
	}
}

func newTestDispatcher(t *testing.T, cfg Config) *Memory {
	t.Helper()
	d := NewMemory(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDeliverySuccess(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 2, BufferSize: 16})
	for i := 0; i < 3; i++ {
		if err := d.Dispatch(testEvent(srv.URL)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	testutil.MustWaitForCount(t, &received, 3)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 3 })
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 1, BufferSize: 16})
	if err := d.Dispatch(testEvent(srv.URL)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		s := d.Stats()
		return s.Delivered == 1 && s.RetriesTotal == 2
	})
}

func TestClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 1, BufferSize: 16})
	if err := d.Dispatch(testEvent(srv.URL)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 })
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt for a 4xx, got %d", calls.Load())
	}
}

func TestBufferFullDrops(t *testing.T) {
	t.Parallel()

	// No workers pulling: queue of one fills immediately.
	d := &Memory{
		queue:    make(chan *Event, 1),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
	}

	if err := d.Dispatch(testEvent("http://localhost:0")); err != nil {
		t.Fatalf("first dispatch should queue: %v", err)
	}
	if err := d.Dispatch(testEvent("http://localhost:0")); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if d.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", d.Stats().Dropped)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewMemory(Config{Workers: 2, BufferSize: 64}, nil)
	for i := 0; i < 10; i++ {
		if err := d.Dispatch(testEvent(srv.URL)); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected all queued events delivered on close, got %d", received.Load())
	}
	if err := d.Dispatch(testEvent(srv.URL)); err == nil {
		t.Error("expected dispatch after close to fail")
	}
}

func TestNotifierDeliversSignedCallback(t *testing.T) {
	t.Parallel()

	var gotSig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Signature-256"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 1, BufferSize: 16})
	n := NewNotifier(d, "/scand")
	n.Notify("scand.scan.created", "scan-aaaa0001", map[string]string{"status": "created"}, scan.Callback{
		URL:        srv.URL,
		SigningKey: "secret",
	})

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })
	sig, _ := gotSig.Load().(string)
	if sig == "" {
		t.Error("expected signed callback")
	}
}
