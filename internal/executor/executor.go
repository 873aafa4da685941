// Package executor turns a request record into one helper-process
// invocation and decodes the outcome into the record's terminal state.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/webrelay/internal/callback"
	"github.com/mattjoyce/webrelay/internal/integrity"
	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/mattjoyce/webrelay/internal/owner"
	"github.com/mattjoyce/webrelay/internal/protocol"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

// DefaultTimeout applies when a request carries no timeout of its own.
const DefaultTimeout = 30 * time.Second

// helperExceptionCode is the exit code the helper reserves for "an
// internal exception was raised"; it is never a transfer result.
const helperExceptionCode = -1

// Config configures the executor.
type Config struct {
	HelperPath     string
	DefaultTimeout time.Duration
	BindAddress    string // local bind address hint passed to the helper
}

// Executor runs one record at a time on the dispatch worker. It mutates
// the record to a terminal state and hands it to the callback router; a
// callback is always delivered, whatever went wrong.
type Executor struct {
	cfg      Config
	verifier *integrity.Verifier
	runner   Runner
	router   *callback.Router
	owners   *owner.Registry
}

// New creates an Executor.
func New(cfg Config, verifier *integrity.Verifier, runner Runner, router *callback.Router, owners *owner.Registry) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Executor{
		cfg:      cfg,
		verifier: verifier,
		runner:   runner,
		router:   router,
		owners:   owners,
	}
}

// Run executes rec to completion. No retries happen at this layer: a
// failed or timed-out request completes exactly once with an error
// result, and re-enqueueing is the caller's decision.
func (e *Executor) Run(ctx context.Context, rec *webreq.Record) {
	rlog := log.WithRequest(rec.ID)

	// Hard safety gate: an untrusted helper binary must never be executed.
	if !e.verifier.IsTrusted() {
		rlog.Error("helper binary untrusted, refusing to dispatch", "url", rec.URL)
		e.verifier.ReverifyAsync()
		rec.Fail(0, "helper binary failed integrity verification; request not dispatched")
		e.router.Deliver(rec)
		return
	}

	rec.MarkRunning()
	timeout := rec.ResolvedTimeout(e.cfg.DefaultTimeout)
	args := BuildArgs(rec, timeout, e.cfg.BindAddress)

	res, err := e.runner.Run(ctx, e.cfg.HelperPath, args, timeout)
	if err != nil {
		rlog.Error("helper spawn failed", "url", rec.URL, "error", err)
		rec.Fail(0, fmt.Sprintf("helper spawn failed: %v", err))
		e.router.Deliver(rec)
		return
	}

	if res.TimedOut {
		rec.TimeOut(fmt.Sprintf("request timed out after %s", timeout))
		e.router.Deliver(rec)
		return
	}

	text, doc := e.decodeOutput(rlog, res)

	switch {
	case res.ExitCode == helperExceptionCode:
		olog := rlog
		if name := e.ownerName(rec); name != "" {
			olog = log.WithOwner(name).With("request_id", rec.ID)
		}
		olog.Error("helper raised an internal exception", "url", rec.URL, "output", text)
		rec.Fail(helperExceptionCode, text)

	case len(res.Stdout) == 0:
		// Empty stdout marks a likely transfer failure; stderr is the
		// only message we have.
		rec.Fail(res.ExitCode, text)

	default:
		if doc != nil {
			rlog.Debug("helper transfer finished", "status", protocol.StatusLine(doc))
		}
		rec.Complete(res.ExitCode, text, doc)
	}

	e.router.Deliver(rec)
}

// decodeOutput derives the record's plain-text result and, when stdout
// carries a parseable response document, its structured view.
func (e *Executor) decodeOutput(rlog *slog.Logger, res *SpawnResult) (string, *protocol.Response) {
	if len(res.Stdout) == 0 {
		return res.Stderr, nil
	}

	doc, err := protocol.DecodeBytes(res.Stdout)
	if err != nil {
		rlog.Debug("helper stdout is not a response document, using raw text", "error", err)
		return string(res.Stdout), nil
	}
	return doc.ReadAsString(), doc
}

func (e *Executor) ownerName(rec *webreq.Record) string {
	if own, ok := e.owners.Lookup(rec.OwnerID()); ok {
		return own.Name
	}
	return ""
}
