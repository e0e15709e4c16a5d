package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishNextOrder(t *testing.T) {
	t.Parallel()
	b := New()

	for i := 0; i < 10; i++ {
		b.Publish(KindMessage, "scan-a", map[string]any{"i": i})
	}

	ctx := context.Background()
	var lastSeq uint64
	for i := 0; i < 10; i++ {
		ev, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		payload, ok := ev.Data.(map[string]any)
		if !ok || payload["i"] != i {
			t.Errorf("event %d: got payload %v", i, ev.Data)
		}
		if ev.Seq <= lastSeq {
			t.Errorf("seq not increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}

	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestNextBlocksUntilPublish(t *testing.T) {
	t.Parallel()
	b := New()

	got := make(chan Event, 1)
	go func() {
		ev, err := b.Next(context.Background())
		if err != nil {
			return
		}
		got <- ev
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	b.Publish(KindScanCreated, "scan-a", nil)

	select {
	case ev := <-got:
		if ev.Kind != KindScanCreated {
			t.Errorf("Kind = %q, want scan_created", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not wake up after publish")
	}
}

func TestNextCancellation(t *testing.T) {
	t.Parallel()
	b := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestPerScanOrderingUnderConcurrency(t *testing.T) {
	t.Parallel()
	b := New()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			scanID := fmt.Sprintf("scan-%d", p)
			for i := 0; i < perProducer; i++ {
				b.Publish(KindToolExecution, scanID, map[string]any{"n": i})
			}
		}(p)
	}
	wg.Wait()

	// Single consumer: events from the same scan must come out in
	// publish order even though scans interleave.
	lastPerScan := make(map[string]int)
	ctx := context.Background()
	for i := 0; i < producers*perProducer; i++ {
		ev, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		n := ev.Data.(map[string]any)["n"].(int)
		if last, ok := lastPerScan[ev.ScanID]; ok && n != last+1 {
			t.Fatalf("scan %s: event %d after %d", ev.ScanID, n, last)
		}
		lastPerScan[ev.ScanID] = n
	}
}
