// Package integrity guards the helper binary: the dispatcher may spawn
// it only while its on-disk digest matches the last digest confirmed
// against the trusted distribution source.
package integrity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/webrelay/internal/events"
	"github.com/mattjoyce/webrelay/internal/log"
)

// Config configures the verifier.
type Config struct {
	// BinaryPath is the local path of the helper binary.
	BinaryPath string
	// DistributionURL serves the latest helper binary; its ETag is the
	// expected BLAKE3 digest.
	DistributionURL string
	// ManualURL is surfaced to operators when automatic re-download fails.
	ManualURL string
	// MaxDownloadAttempts bounds re-download retries per Reverify (default 3).
	MaxDownloadAttempts int
	// FetchTimeout bounds each remote fetch (default 60s).
	FetchTimeout time.Duration
}

// Verifier holds the process-wide trust state for the helper binary.
// IsTrusted is cheap and lock-light; digest recomputation happens only
// inside Reverify, which swaps the cached digests atomically on success.
type Verifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	hub    *events.Hub

	mu            sync.RWMutex
	localDigest   string
	trustedDigest string

	reverifying atomic.Bool
}

// NewVerifier creates a Verifier. The binary starts untrusted; call
// Reverify (or ReverifyAsync) to establish trust.
func NewVerifier(cfg Config) *Verifier {
	if cfg.MaxDownloadAttempts <= 0 {
		cfg.MaxDownloadAttempts = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	return &Verifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: log.WithComponent("integrity"),
	}
}

// SetHub attaches an event hub; reverification outcomes are published
// to it as integrity.* events.
func (v *Verifier) SetHub(h *events.Hub) {
	v.hub = h
}

func (v *Verifier) publish(typ string, payload map[string]any) {
	if v.hub != nil {
		v.hub.Publish(typ, payload)
	}
}

// IsTrusted reports whether the cached on-disk digest matches the last
// known-good digest. It never touches the disk or the network.
func (v *Verifier) IsTrusted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trustedDigest != "" && v.localDigest == v.trustedDigest
}

// Digests returns the cached local and trusted digests, for diagnostics.
func (v *Verifier) Digests() (local, trusted string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.localDigest, v.trustedDigest
}

// ReverifyAsync starts a background Reverify unless one is already in
// flight. Safe to call from the dispatch worker on every refused request.
func (v *Verifier) ReverifyAsync() {
	if !v.reverifying.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer v.reverifying.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := v.Reverify(ctx); err != nil {
			v.logger.Error("background reverify failed", "error", err)
		}
	}()
}

// Reverify fetches the expected digest from the distribution source,
// compares it to the local binary, and re-downloads on mismatch, up to
// the configured attempt bound. Trust is granted only after the on-disk
// digest matches the remote entity tag.
func (v *Verifier) Reverify(ctx context.Context) error {
	v.publish("integrity.reverify.started", nil)
	expected, body, err := v.fetchRemote(ctx)
	if err != nil {
		return fmt.Errorf("fetch helper metadata: %w", err)
	}
	defer body.Close()

	verr := VerifyFileDigest(v.cfg.BinaryPath, expected)
	if verr == nil {
		v.markTrusted(expected)
		v.logger.Info("helper binary verified", "digest", expected)
		v.publish("integrity.reverify.trusted", map[string]any{"digest": expected})
		return nil
	}
	// Missing, unreadable, or mismatched binary: fall through to download.
	v.logger.Warn("helper binary failed verification", "path", v.cfg.BinaryPath, "error", verr)

	var local string
	for attempt := 1; attempt <= v.cfg.MaxDownloadAttempts; attempt++ {
		// The first attempt reuses the body already fetched; later
		// attempts re-fetch.
		src := body
		if attempt > 1 {
			expected, src, err = v.fetchRemote(ctx)
			if err != nil {
				v.logger.Warn("helper re-download fetch failed", "attempt", attempt, "error", err)
				continue
			}
		}

		local, err = v.download(src)
		if attempt > 1 {
			src.Close()
		}
		if err != nil {
			v.logger.Warn("helper download failed", "attempt", attempt, "error", err)
			continue
		}

		if local == expected {
			v.markTrusted(local)
			v.logger.Info("helper binary refreshed and verified", "digest", local, "attempt", attempt)
			v.publish("integrity.reverify.trusted", map[string]any{"digest": local, "downloaded": true})
			return nil
		}

		v.logger.Warn("helper binary still mismatched after download",
			"attempt", attempt,
			"local", local,
			"expected", expected,
		)
	}

	v.markUntrusted(local)
	v.publish("integrity.reverify.untrusted", map[string]any{"expected": expected})
	v.logger.Error("helper binary could not be verified; dispatch stays blocked",
		"attempts", v.cfg.MaxDownloadAttempts,
		"local", local,
		"expected", expected,
		"manual_download", v.cfg.ManualURL,
	)
	return fmt.Errorf("helper binary untrusted after %d download attempts (manual download: %s)",
		v.cfg.MaxDownloadAttempts, v.cfg.ManualURL)
}

// fetchRemote GETs the distribution URL and returns the normalized entity
// tag plus the response body (the binary itself).
func (v *Verifier) fetchRemote(ctx context.Context) (string, io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.DistributionURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("distribution source returned %s", resp.Status)
	}

	etag := normalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		resp.Body.Close()
		return "", nil, fmt.Errorf("distribution source sent no entity tag")
	}
	return etag, resp.Body, nil
}

// download writes src to the binary path (temp file + rename) and returns
// the fresh on-disk digest.
func (v *Verifier) download(src io.Reader) (string, error) {
	dir := filepath.Dir(v.cfg.BinaryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create helper directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".helper-download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write helper binary: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod helper binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close helper binary: %w", err)
	}
	if err := os.Rename(tmpName, v.cfg.BinaryPath); err != nil {
		return "", fmt.Errorf("replace helper binary: %w", err)
	}

	return ComputeDigest(v.cfg.BinaryPath)
}

func (v *Verifier) markTrusted(digest string) {
	v.mu.Lock()
	v.localDigest = digest
	v.trustedDigest = digest
	v.mu.Unlock()
}

func (v *Verifier) markUntrusted(local string) {
	v.mu.Lock()
	v.localDigest = local
	v.trustedDigest = ""
	v.mu.Unlock()
}

// normalizeETag strips weak-validator prefixes and surrounding quotes.
func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
