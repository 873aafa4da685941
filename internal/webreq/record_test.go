package webreq

import (
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/webrelay/internal/protocol"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in       string
		expected Method
		hasError bool
	}{
		{"GET", MethodGet, false},
		{"get", MethodGet, false},
		{" post ", MethodPost, false},
		{"PUT", MethodPut, false},
		{"PATCH", MethodPatch, false},
		{"DELETE", MethodDelete, false},
		{"head", MethodHead, false},
		{"OPTIONS", "", true},
		{"", "", true},
		{"FETCH", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseMethod(tt.in)
			if tt.hasError {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tt.in, m)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, m)
			}
		})
	}
}

func TestNewRecord_Validation(t *testing.T) {
	cb := func(int, string) {}

	tests := []struct {
		name     string
		opts     Options
		hasError bool
	}{
		{"valid", Options{URL: "https://example.com", Callback: cb}, false},
		{"missing url", Options{Callback: cb}, true},
		{"missing callback", Options{URL: "https://example.com"}, true},
		{"bad method", Options{URL: "https://example.com", Method: "FETCH", Callback: cb}, true},
		{"response callback only", Options{URL: "https://example.com", ResponseCallback: func(*protocol.Response) {}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewRecord(tt.opts)
			if tt.hasError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.ID == "" {
				t.Error("expected a generated record id")
			}
			if rec.State() != StatePending {
				t.Errorf("expected pending state, got %s", rec.State())
			}
		})
	}
}

func TestNewRecord_DefaultsToGet(t *testing.T) {
	rec, err := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Method != MethodGet {
		t.Errorf("expected GET default, got %s", rec.Method)
	}
}

func TestNewRecord_CanonicalizesHeaders(t *testing.T) {
	rec, err := NewRecord(Options{
		URL:      "https://example.com",
		Callback: func(int, string) {},
		Headers:  map[string]string{"content-type": "text/plain", "x-custom-thing": "1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Headers["Content-Type"]; got != "text/plain" {
		t.Errorf("expected canonicalized Content-Type, got headers %v", rec.Headers)
	}
	if got := rec.Headers["X-Custom-Thing"]; got != "1" {
		t.Errorf("expected canonicalized X-Custom-Thing, got headers %v", rec.Headers)
	}
}

func TestRecord_ResolvedTimeout(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})
	if got := rec.ResolvedTimeout(30 * time.Second); got != 30*time.Second {
		t.Errorf("expected fallback 30s, got %s", got)
	}

	rec, _ = NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}, Timeout: 5 * time.Second})
	if got := rec.ResolvedTimeout(30 * time.Second); got != 5*time.Second {
		t.Errorf("expected explicit 5s, got %s", got)
	}
}

func TestRecord_FreezeOnceTerminal(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})

	rec.MarkRunning()
	if rec.State() != StateRunning {
		t.Fatalf("expected running, got %s", rec.State())
	}

	if !rec.Complete(200, "ok", nil) {
		t.Fatal("first terminal transition should succeed")
	}
	if rec.Fail(500, "late failure") {
		t.Error("Fail after Complete should be rejected")
	}
	if rec.TimeOut("late timeout") {
		t.Error("TimeOut after Complete should be rejected")
	}

	res := rec.Result()
	if res.State != StateCompleted || res.Code != 200 || res.Text != "ok" {
		t.Errorf("terminal result was mutated: %+v", res)
	}

	// MarkRunning after terminal is a no-op.
	rec.MarkRunning()
	if rec.State() != StateCompleted {
		t.Errorf("terminal state was mutated to %s", rec.State())
	}
}

func TestRecord_TimeOutCodeIsZero(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})
	rec.TimeOut("request timed out after 5s")

	res := rec.Result()
	if res.State != StateTimedOut {
		t.Fatalf("expected timed_out, got %s", res.State)
	}
	if res.Code != 0 {
		t.Errorf("timed-out records must carry code 0, got %d", res.Code)
	}
}

func TestRecord_BeginDeliveryExactlyOnce(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})

	// Not yet terminal: delivery must be refused.
	if rec.BeginDelivery() {
		t.Fatal("BeginDelivery before terminal state should fail")
	}

	rec.Complete(200, "ok", nil)

	var granted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec.BeginDelivery() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("expected exactly one delivery grant, got %d", granted)
	}
}

func TestRecord_OwnerLifecycle(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}, OwnerID: "owner-1"})
	if rec.OwnerID() != "owner-1" {
		t.Fatalf("expected owner-1, got %q", rec.OwnerID())
	}

	rec.ClearOwner()
	if rec.OwnerID() != "" {
		t.Errorf("expected cleared owner, got %q", rec.OwnerID())
	}
}

func TestRecord_TakeRemovalCancelClears(t *testing.T) {
	rec, _ := NewRecord(Options{URL: "https://example.com", Callback: func(int, string) {}})

	called := 0
	rec.SetRemovalCancel(func() { called++ })

	if fn := rec.TakeRemovalCancel(); fn == nil {
		t.Fatal("expected stored cancel")
	} else {
		fn()
	}
	if called != 1 {
		t.Errorf("cancel should have run once, ran %d times", called)
	}
	if rec.TakeRemovalCancel() != nil {
		t.Error("second take should return nil")
	}
}
