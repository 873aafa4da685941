package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/webrelay/internal/admission"
	"github.com/mattjoyce/webrelay/internal/callback"
	"github.com/mattjoyce/webrelay/internal/events"
	"github.com/mattjoyce/webrelay/internal/executor"
	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/mattjoyce/webrelay/internal/owner"
	"github.com/mattjoyce/webrelay/internal/queue"
	"github.com/mattjoyce/webrelay/internal/requestlog"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

// admissionBackoff is how long the worker sleeps before rechecking
// headroom when admission is refused.
const admissionBackoff = 100 * time.Millisecond

// Dispatcher drains the request queue on a single worker goroutine.
type Dispatcher struct {
	queue     *queue.Queue
	admission *admission.Controller
	executor  *executor.Executor
	router    *callback.Router
	owners    *owner.Registry
	audit     *requestlog.Store // optional
	events    *events.Hub
	logger    *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Dispatcher. audit may be nil when no request log is configured.
func New(adm *admission.Controller, exec *executor.Executor, router *callback.Router,
	owners *owner.Registry, audit *requestlog.Store, hub *events.Hub) *Dispatcher {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Dispatcher{
		queue:     queue.New(),
		admission: adm,
		executor:  exec,
		router:    router,
		owners:    owners,
		audit:     audit,
		events:    hub,
		logger:    log.WithComponent("dispatch"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.workerLoop(ctx)
}

// Enqueue validates and submits a request. Asynchronous requests are
// appended to the queue and the worker is woken; the call never blocks.
// Synchronous requests bypass the queue and the admission gate and run
// inline on the caller's goroutine (rate-limiting them is the caller's
// responsibility). Callback delivery always goes through the main loop.
func (d *Dispatcher) Enqueue(opts webreq.Options) (*webreq.Record, error) {
	rec, err := webreq.NewRecord(opts)
	if err != nil {
		return nil, fmt.Errorf("enqueue request: %w", err)
	}

	if rec.OwnerID() != "" {
		// Best-effort cancel on owner removal: the record drops its owner
		// back-reference but any in-flight helper runs to completion.
		cancel := d.owners.OnRemoved(rec.OwnerID(), func(string) {
			rec.ClearOwner()
		})
		rec.SetRemovalCancel(cancel)
	}

	d.events.Publish("request.enqueued", map[string]any{
		"request_id": rec.ID,
		"url":        rec.URL,
		"method":     rec.Method,
		"async":      rec.Async,
	})

	if !rec.Async {
		d.process(context.Background(), rec)
		return rec, nil
	}

	// Push refuses once Shutdown has drained the queue, so a record can
	// never land behind the final drain and sit there undelivered.
	if !d.queue.Push(rec) {
		rec.Fail(0, "broker is shut down")
		d.router.Deliver(rec)
	}
	return rec, nil
}

// QueueLength returns the current queue depth.
func (d *Dispatcher) QueueLength() int {
	return d.queue.Len()
}

// Shutdown stops the worker: sets the stop flag, wakes the worker, and
// waits up to wait for the in-flight request to finish before cancelling
// its context (which kills a still-running helper). Queued requests are
// failed and delivered rather than silently dropped.
func (d *Dispatcher) Shutdown(wait time.Duration) {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		if d.cancel != nil {
			select {
			case <-d.done:
			case <-time.After(wait):
				d.logger.Warn("worker still busy at shutdown, cancelling in-flight request")
				d.cancel()
				<-d.done
			}
		}

		for _, rec := range d.queue.Drain() {
			rec.Fail(0, "broker shut down before dispatch")
			d.router.Deliver(rec)
		}
		d.logger.Info("dispatcher stopped")
	})
}

// workerLoop is the single serialized consumer. Requests are started in
// FIFO order; a request's terminal handling (including timeout kill)
// finishes before the next one starts.
func (d *Dispatcher) workerLoop(ctx context.Context) {
	d.logger.Info("dispatch loop started")
	defer close(d.done)
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !d.admission.CanAdmit() {
			d.logger.Debug("admission refused, backing off", "backoff", admissionBackoff)
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(admissionBackoff):
			}
			continue
		}

		rec, ok := d.queue.Pop()
		if !ok {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-d.queue.Wake():
			}
			continue
		}

		d.process(ctx, rec)
	}
}

// process runs one record through the executor with panic containment:
// a single bad request is logged, not fatal to the loop.
func (d *Dispatcher) process(ctx context.Context, rec *webreq.Record) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatch: request processing panicked", "request_id", rec.ID, "panic", p)
			if rec.Fail(0, fmt.Sprintf("internal dispatch error: %v", p)) {
				d.router.Deliver(rec)
			}
		}
	}()

	d.events.Publish("request.started", map[string]any{
		"request_id": rec.ID,
		"url":        rec.URL,
	})

	d.executor.Run(ctx, rec)

	res := rec.Result()
	d.events.Publish("request."+string(res.State), map[string]any{
		"request_id":  rec.ID,
		"url":         rec.URL,
		"result_code": res.Code,
	})

	if d.audit != nil {
		entry := requestlog.FromRecord(rec, d.ownerName(rec))
		if err := d.audit.Insert(context.Background(), entry); err != nil {
			d.logger.Error("failed to write request audit row", "request_id", rec.ID, "error", err)
		}
	}
}

func (d *Dispatcher) ownerName(rec *webreq.Record) string {
	if own, ok := d.owners.Lookup(rec.OwnerID()); ok {
		return own.Name
	}
	return ""
}
