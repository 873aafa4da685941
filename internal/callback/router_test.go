package callback

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/mattjoyce/webrelay/internal/mainloop"
	"github.com/mattjoyce/webrelay/internal/owner"
	"github.com/mattjoyce/webrelay/internal/protocol"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func setupRouter(t *testing.T) (*Router, *mainloop.Loop, *owner.Registry) {
	t.Helper()
	loop := mainloop.New()
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)

	owners := owner.NewRegistry()
	return NewRouter(loop, owners), loop, owners
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestDeliver_InvokesBothCallbacks(t *testing.T) {
	router, _, _ := setupRouter(t)

	done := make(chan struct{})
	var gotCode int
	var gotText string
	var gotResp *protocol.Response

	resp := &protocol.Response{StatusCode: 200}
	rec, err := webreq.NewRecord(webreq.Options{
		URL: "https://example.com",
		Callback: func(code int, text string) {
			gotCode, gotText = code, text
		},
		ResponseCallback: func(r *protocol.Response) {
			gotResp = r
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}

	rec.Complete(200, "body text", resp)
	router.Deliver(rec)

	waitFor(t, done, "callbacks never ran")

	if gotCode != 200 || gotText != "body text" {
		t.Errorf("legacy callback got (%d, %q)", gotCode, gotText)
	}
	if gotResp != resp {
		t.Error("response callback did not receive the structured document")
	}
}

func TestDeliver_RefusesNonTerminalRecord(t *testing.T) {
	router, loop, _ := setupRouter(t)

	called := make(chan struct{}, 1)
	rec, _ := webreq.NewRecord(webreq.Options{
		URL:      "https://example.com",
		Callback: func(int, string) { called <- struct{}{} },
	})

	router.Deliver(rec) // still pending: dropped

	// Use a sentinel continuation to prove the loop is idle afterwards.
	idle := make(chan struct{})
	loop.Submit(func() { close(idle) })
	waitFor(t, idle, "loop stalled")

	select {
	case <-called:
		t.Error("callback ran for a non-terminal record")
	default:
	}
}

func TestDeliver_ExactlyOnceUnderRaces(t *testing.T) {
	router, loop, _ := setupRouter(t)

	var mu sync.Mutex
	invocations := 0
	rec, _ := webreq.NewRecord(webreq.Options{
		URL: "https://example.com",
		Callback: func(int, string) {
			mu.Lock()
			invocations++
			mu.Unlock()
		},
	})
	rec.TimeOut("request timed out after 5s")

	// Timeout path and kill path racing to deliver the same record.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			router.Deliver(rec)
		}()
	}
	wg.Wait()

	idle := make(chan struct{})
	loop.Submit(func() { close(idle) })
	waitFor(t, idle, "loop stalled")

	mu.Lock()
	defer mu.Unlock()
	if invocations != 1 {
		t.Errorf("expected exactly one callback invocation, got %d", invocations)
	}
}

func TestDeliver_PanicContained(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec, _ := webreq.NewRecord(webreq.Options{
		URL:      "https://example.com",
		Callback: func(int, string) { panic("caller bug") },
	})
	rec.Fail(0, "boom")
	router.Deliver(rec)

	// A later delivery must still run: the loop survived the panic.
	done := make(chan struct{})
	rec2, _ := webreq.NewRecord(webreq.Options{
		URL:      "https://example.com/second",
		Callback: func(int, string) { close(done) },
	})
	rec2.Complete(200, "ok", nil)
	router.Deliver(rec2)

	waitFor(t, done, "loop died after a panicking callback")
}

func TestDeliver_RemovedOwnerStillGetsCallback(t *testing.T) {
	router, _, owners := setupRouter(t)

	own := owners.Register("plugin-a")

	done := make(chan struct{})
	rec, _ := webreq.NewRecord(webreq.Options{
		URL:      "https://example.com",
		OwnerID:  own.ID,
		Callback: func(int, string) { close(done) },
	})

	owners.Remove(own.ID)

	rec.Complete(200, "ok", nil)
	router.Deliver(rec)

	waitFor(t, done, "callback suppressed after owner removal")
	if own.Tracking() != 0 {
		t.Errorf("removed owner should see no tracking, got %d", own.Tracking())
	}
}

func TestDeliver_TracksActiveOwner(t *testing.T) {
	router, _, owners := setupRouter(t)

	own := owners.Register("plugin-a")

	done := make(chan struct{})
	var during int64
	rec, _ := webreq.NewRecord(webreq.Options{
		URL:     "https://example.com",
		OwnerID: own.ID,
		Callback: func(int, string) {
			during = own.Tracking()
			close(done)
		},
	})
	rec.Complete(200, "ok", nil)
	router.Deliver(rec)

	waitFor(t, done, "callback never ran")

	if during != 1 {
		t.Errorf("expected tracking window of 1 during delivery, got %d", during)
	}
	if own.Tracking() != 0 {
		t.Errorf("tracking window not closed, got %d", own.Tracking())
	}
	if rec.OwnerID() != "" {
		t.Error("record should release its owner after delivery")
	}
}

func TestDeliver_ConsumesRemovalCancel(t *testing.T) {
	router, loop, _ := setupRouter(t)

	rec, _ := webreq.NewRecord(webreq.Options{
		URL:      "https://example.com",
		Callback: func(int, string) {},
	})

	cancelled := 0
	rec.SetRemovalCancel(func() { cancelled++ })

	rec.Complete(200, "ok", nil)
	router.Deliver(rec)
	router.Deliver(rec) // duplicate

	idle := make(chan struct{})
	loop.Submit(func() { close(idle) })
	waitFor(t, idle, "loop stalled")

	if cancelled != 1 {
		t.Errorf("removal subscription should be cancelled exactly once, got %d", cancelled)
	}
}
