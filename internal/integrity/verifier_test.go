package integrity

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/webrelay/internal/events"
	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/zeebo/blake3"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func digestOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// distributionServer serves body with its BLAKE3 digest as the ETag,
// the way the trusted distribution source does.
func distributionServer(t *testing.T, body []byte, weak bool, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		etag := fmt.Sprintf("%q", digestOf(body))
		if weak {
			etag = "W/" + etag
		}
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func writeHelper(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "helper")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatalf("failed to write helper binary: %v", err)
	}
	return path
}

func TestComputeDigest(t *testing.T) {
	path := writeHelper(t, t.TempDir(), []byte("binary contents"))

	got, err := ComputeDigest(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != digestOf([]byte("binary contents")) {
		t.Errorf("digest mismatch: %s", got)
	}

	if _, err := ComputeDigest(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestVerifyFileDigest(t *testing.T) {
	body := []byte("helper v1")
	path := writeHelper(t, t.TempDir(), body)

	if err := VerifyFileDigest(path, digestOf(body)); err != nil {
		t.Errorf("unexpected mismatch: %v", err)
	}
	if err := VerifyFileDigest(path, digestOf([]byte("other"))); err == nil {
		t.Error("expected digest mismatch error")
	}
}

func TestVerifier_StartsUntrusted(t *testing.T) {
	v := NewVerifier(Config{BinaryPath: "/nonexistent", DistributionURL: "http://unused"})
	if v.IsTrusted() {
		t.Error("verifier must start untrusted")
	}
}

func TestReverify_MatchingBinaryNoDownload(t *testing.T) {
	body := []byte("helper v1")
	path := writeHelper(t, t.TempDir(), body)
	srv := distributionServer(t, body, false, nil)
	defer srv.Close()

	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	if err := v.Reverify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsTrusted() {
		t.Error("expected trusted state after matching digest")
	}

	// The local file must not have been rewritten.
	data, _ := os.ReadFile(path)
	if string(data) != "helper v1" {
		t.Errorf("binary was rewritten: %q", data)
	}

	local, trusted := v.Digests()
	if local != trusted || local != digestOf(body) {
		t.Errorf("digest cache wrong: local=%s trusted=%s", local, trusted)
	}
}

func TestReverify_WeakETagIsNormalized(t *testing.T) {
	body := []byte("helper v1")
	path := writeHelper(t, t.TempDir(), body)
	srv := distributionServer(t, body, true, nil)
	defer srv.Close()

	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	if err := v.Reverify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsTrusted() {
		t.Error("weak validator prefix should not break verification")
	}
}

func TestReverify_MismatchDownloadsFreshBinary(t *testing.T) {
	current := []byte("helper v2")
	srv := distributionServer(t, current, false, nil)
	defer srv.Close()

	dir := t.TempDir()
	path := writeHelper(t, dir, []byte("helper v1, stale"))

	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	if err := v.Reverify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsTrusted() {
		t.Fatal("expected trusted state after re-download")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read replaced binary: %v", err)
	}
	if string(data) != "helper v2" {
		t.Errorf("binary was not replaced, contents %q", data)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("replaced binary is not executable")
	}
}

func TestReverify_MissingBinaryIsDownloaded(t *testing.T) {
	body := []byte("helper v1")
	srv := distributionServer(t, body, false, nil)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "nested", "helper")
	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	if err := v.Reverify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsTrusted() {
		t.Error("expected trusted state after first download")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("binary was not written: %v", err)
	}
}

func TestReverify_ExhaustedAttemptsStayUntrusted(t *testing.T) {
	// The server always lies: the ETag never matches what it serves.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("ETag", `"`+digestOf([]byte("promised"))+`"`)
		w.Write([]byte("delivered"))
	}))
	defer srv.Close()

	path := writeHelper(t, t.TempDir(), []byte("stale"))
	v := NewVerifier(Config{
		BinaryPath:          path,
		DistributionURL:     srv.URL,
		ManualURL:           "https://example.com/manual",
		MaxDownloadAttempts: 3,
	})

	err := v.Reverify(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausted download attempts")
	}
	if v.IsTrusted() {
		t.Error("verifier must stay untrusted after exhausted attempts")
	}
	// Initial fetch plus two re-fetches (attempt 1 reuses the first body).
	if int(hits.Load()) != 3 {
		t.Errorf("expected 3 fetches, got %d", hits.Load())
	}
}

func TestReverify_DistributionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	path := writeHelper(t, t.TempDir(), []byte("whatever"))
	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	if err := v.Reverify(context.Background()); err == nil {
		t.Error("expected error for non-200 distribution response")
	}

	// Missing ETag is also a hard error.
	noTag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer noTag.Close()

	v = NewVerifier(Config{BinaryPath: path, DistributionURL: noTag.URL})
	if err := v.Reverify(context.Background()); err == nil {
		t.Error("expected error for missing entity tag")
	}
}

func TestReverifyAsync_SingleFlight(t *testing.T) {
	body := []byte("helper v1")
	path := writeHelper(t, t.TempDir(), body)

	var hits atomic.Int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-block
		w.Header().Set("ETag", `"`+digestOf(body)+`"`)
		w.Write(body)
	}))
	defer srv.Close()

	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})

	for range 5 {
		v.ReverifyAsync()
	}
	time.Sleep(100 * time.Millisecond)
	close(block)

	deadline := time.After(2 * time.Second)
	for !v.IsTrusted() {
		select {
		case <-deadline:
			t.Fatal("verifier never became trusted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if hits.Load() != 1 {
		t.Errorf("expected a single in-flight reverify, saw %d fetches", hits.Load())
	}
}

func TestNormalizeETag(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{`"abc123"`, "abc123"},
		{`W/"abc123"`, "abc123"},
		{"abc123", "abc123"},
		{`  "abc123" `, "abc123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeETag(tt.in); got != tt.expected {
			t.Errorf("normalizeETag(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestReverify_PublishesOutcomeEvents(t *testing.T) {
	body := []byte("helper v1")
	dir := t.TempDir()
	path := writeHelper(t, dir, body)
	srv := distributionServer(t, body, false, nil)
	defer srv.Close()

	hub := events.NewHub(16)
	v := NewVerifier(Config{BinaryPath: path, DistributionURL: srv.URL})
	v.SetHub(hub)

	if err := v.Reverify(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buf := hub.SnapshotSince(0)
	if len(buf) != 2 {
		t.Fatalf("expected 2 events, got %d", len(buf))
	}
	if buf[0].Type != "integrity.reverify.started" || buf[1].Type != "integrity.reverify.trusted" {
		t.Errorf("wrong event sequence: %s, %s", buf[0].Type, buf[1].Type)
	}
}
