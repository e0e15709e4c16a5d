package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"scand/internal/bridge"
	"scand/internal/testutil"
)

type frame struct {
	Type   string `json:"type"`
	ScanID string `json:"scan_id"`
	Seq    uint64 `json:"seq"`
}

// newTestHub starts a hub with a WS endpoint and returns a dialer that
// yields both ends of a connection.
func newTestHub(t *testing.T) (*Hub, *bridge.Bridge, func() (*websocket.Conn, *Conn)) {
	t.Helper()

	bus := bridge.New()
	h := New(bus, 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	serverConns := make(chan *Conn, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- h.Add(ws)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	dial := func() (*websocket.Conn, *Conn) {
		t.Helper()
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		client, _, err := websocket.Dial(dctx, url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = client.CloseNow() })
		select {
		case sc := <-serverConns:
			return client, sc
		case <-time.After(5 * time.Second):
			t.Fatal("server connection never registered")
			return nil, nil
		}
	}
	return h, bus, dial
}

func readFrame(t *testing.T, client *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, client, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestBroadcastReachesReceiveAll(t *testing.T) {
	t.Parallel()

	h, bus, dial := newTestHub(t)
	client, _ := dial()

	testutil.MustWaitFor(t, func() bool { return h.Count() == 1 })

	bus.Publish(bridge.KindScanCreated, "scan-aaaa0001", nil)
	bus.Publish(bridge.KindScanUpdated, "scan-aaaa0001", nil)

	first := readFrame(t, client)
	second := readFrame(t, client)
	if first.Type != bridge.KindScanCreated || second.Type != bridge.KindScanUpdated {
		t.Errorf("unexpected order: %q then %q", first.Type, second.Type)
	}
	if second.Seq <= first.Seq {
		t.Errorf("sequence not increasing: %d then %d", first.Seq, second.Seq)
	}
}

func TestSubscriptionFiltering(t *testing.T) {
	t.Parallel()

	_, bus, dial := newTestHub(t)
	client, server := dial()

	server.Subscribe("scan-aaaa0001")

	// Events for other scans must never arrive.
	bus.Publish(bridge.KindMessage, "scan-bbbb0002", nil)
	bus.Publish(bridge.KindMessage, "scan-aaaa0001", nil)

	got := readFrame(t, client)
	if got.ScanID != "scan-aaaa0001" {
		t.Fatalf("received event for unsubscribed scan %q", got.ScanID)
	}

	// Unsubscribing the last id returns the connection to receive-all.
	server.Unsubscribe("scan-aaaa0001")
	bus.Publish(bridge.KindMessage, "scan-bbbb0002", nil)
	if got := readFrame(t, client); got.ScanID != "scan-bbbb0002" {
		t.Fatalf("expected receive-all after unsubscribe, got %q", got.ScanID)
	}
}

func TestScopelessEventsReachFilteredConnections(t *testing.T) {
	t.Parallel()

	_, bus, dial := newTestHub(t)
	client, server := dial()

	server.Subscribe("scan-aaaa0001")

	// Events without a scan id concern the whole service and bypass
	// the filter.
	bus.Publish(bridge.KindScanDeleted, "", nil)
	if got := readFrame(t, client); got.Type != bridge.KindScanDeleted {
		t.Fatalf("filtered connection missed scope-less event, got %+v", got)
	}
}

func TestEmptySubscribeClearsFilter(t *testing.T) {
	t.Parallel()

	_, bus, dial := newTestHub(t)
	client, server := dial()

	server.Subscribe("scan-aaaa0001")
	server.Subscribe("")

	// The empty subscribe reset the connection to receive-all.
	bus.Publish(bridge.KindMessage, "scan-bbbb0002", nil)
	if got := readFrame(t, client); got.ScanID != "scan-bbbb0002" {
		t.Fatalf("expected receive-all after filter reset, got %q", got.ScanID)
	}
}

func TestFailedConnectionIsDropped(t *testing.T) {
	t.Parallel()

	h, bus, dial := newTestHub(t)
	client, _ := dial()
	healthy, _ := dial()

	testutil.MustWaitFor(t, func() bool { return h.Count() == 2 })

	_ = client.CloseNow()

	// Keep publishing until the dead connection's send fails.
	testutil.MustWaitFor(t, func() bool {
		bus.Publish(bridge.KindStatsUpdated, "scan-aaaa0001", nil)
		return h.Count() == 1
	}, testutil.WithInterval(50*time.Millisecond))

	// The surviving connection still receives events.
	got := readFrame(t, healthy)
	if got.Type != bridge.KindStatsUpdated {
		t.Errorf("unexpected frame %+v", got)
	}
}
