// Package callback delivers completed request records back to callers on
// the host main loop. This is the single synchronization point that makes
// caller code thread-safe by construction: callbacks never run on the
// dispatch worker.
package callback

import (
	"log/slog"

	"github.com/mattjoyce/webrelay/internal/log"
	"github.com/mattjoyce/webrelay/internal/mainloop"
	"github.com/mattjoyce/webrelay/internal/owner"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

// Router schedules callback delivery onto the main loop.
type Router struct {
	loop   *mainloop.Loop
	owners *owner.Registry
	logger *slog.Logger
}

// NewRouter creates a Router bound to the host loop and owner registry.
func NewRouter(loop *mainloop.Loop, owners *owner.Registry) *Router {
	return &Router{
		loop:   loop,
		owners: owners,
		logger: log.WithComponent("callback"),
	}
}

// Deliver schedules exactly one callback invocation for a terminal
// record. Duplicate deliveries (timeout+kill races, repeated calls) are
// dropped here, not in caller code.
func (r *Router) Deliver(rec *webreq.Record) {
	if cancel := rec.TakeRemovalCancel(); cancel != nil {
		cancel()
	}

	if !rec.BeginDelivery() {
		return
	}

	r.loop.Submit(func() {
		r.run(rec)
	})
}

// run executes on the main loop goroutine.
func (r *Router) run(rec *webreq.Record) {
	res := rec.Result()

	// The owner is looked up at delivery time. If it was removed while
	// the request was in flight, the callback still fires; only the
	// owner-scoped instrumentation is skipped.
	own, _ := r.owners.Lookup(rec.OwnerID())
	if own != nil {
		own.BeginTracking()
	}

	if cb, respCb := rec.Callbacks(); cb != nil || respCb != nil {
		if cb != nil {
			r.invoke(rec, own, func() { cb(res.Code, res.Text) })
		}
		if respCb != nil {
			r.invoke(rec, own, func() { respCb(res.Response) })
		}
	}

	if own != nil {
		own.EndTracking()
	}
	rec.ClearOwner()
}

// invoke runs one caller callback with panic containment: one bad
// callback must not take down the main loop or other queued requests.
func (r *Router) invoke(rec *webreq.Record, own *owner.Owner, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			ownerName := ""
			if own != nil {
				ownerName = own.Name
			}
			r.logger.Error("request callback panicked",
				"request_id", rec.ID,
				"url", rec.URL,
				"owner", ownerName,
				"panic", p,
			)
		}
	}()
	fn()
}
