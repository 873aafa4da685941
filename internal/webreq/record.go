package webreq

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/webrelay/internal/protocol"
)

// Options describes one outbound request as submitted by a caller.
type Options struct {
	URL     string
	Method  Method
	Body    string
	Headers map[string]string
	Cookies map[string]string
	Timeout time.Duration // 0 = broker default
	Async   bool
	OwnerID string // empty = ownerless

	Callback         Callback
	ResponseCallback ResponseCallback
}

// Record is one outstanding request plus its completion state. Identity
// fields are immutable after construction; completion state is mutated
// only by the dispatch worker (or the caller's goroutine on the
// synchronous path) and frozen once terminal.
type Record struct {
	ID      string
	URL     string
	Method  Method
	Body    string
	Headers map[string]string
	Cookies map[string]string
	Timeout time.Duration
	Async   bool

	callback         Callback
	responseCallback ResponseCallback

	mu            sync.Mutex
	ownerID       string
	state         State
	result        Result
	delivered     bool
	removalCancel func()
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
}

// NewRecord validates opts and builds a pending record. Header keys are
// canonicalized so lookups are case-insensitive.
func NewRecord(opts Options) (*Record, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("url is empty")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	method := opts.Method
	if method == "" {
		method = MethodGet
	}
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if opts.Callback == nil && opts.ResponseCallback == nil {
		return nil, fmt.Errorf("request has no completion callback")
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	cookies := make(map[string]string, len(opts.Cookies))
	for k, v := range opts.Cookies {
		cookies[k] = v
	}

	return &Record{
		ID:               uuid.NewString(),
		URL:              opts.URL,
		Method:           method,
		Body:             opts.Body,
		Headers:          headers,
		Cookies:          cookies,
		Timeout:          opts.Timeout,
		Async:            opts.Async,
		callback:         opts.Callback,
		responseCallback: opts.ResponseCallback,
		ownerID:          opts.OwnerID,
		state:            StatePending,
		createdAt:        time.Now().UTC(),
	}, nil
}

// ResolvedTimeout returns the request timeout, falling back to def when unset.
func (r *Record) ResolvedTimeout(def time.Duration) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return def
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OwnerID returns the owning caller's id, or "" if ownerless or released.
func (r *Record) OwnerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerID
}

// ClearOwner drops the back-reference to the owning caller. Invoked when
// the owner is removed from the host's active set, and again after
// delivery to release the record.
func (r *Record) ClearOwner() {
	r.mu.Lock()
	r.ownerID = ""
	r.mu.Unlock()
}

// MarkRunning transitions Pending -> Running. A no-op once terminal.
func (r *Record) MarkRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = StateRunning
	r.startedAt = time.Now().UTC()
}

// Complete freezes the record with a successful (or at least decoded)
// helper result. Returns false if the record was already terminal.
func (r *Record) Complete(code int, text string, resp *protocol.Response) bool {
	return r.finish(StateCompleted, code, text, resp)
}

// Fail freezes the record with an error result and no structured response.
func (r *Record) Fail(code int, msg string) bool {
	return r.finish(StateFailed, code, msg, nil)
}

// TimeOut freezes the record after a timeout kill. The result code is 0:
// the helper never reported one, and -1 is reserved for helper-internal
// exceptions.
func (r *Record) TimeOut(msg string) bool {
	return r.finish(StateTimedOut, 0, msg, nil)
}

func (r *Record) finish(state State, code int, text string, resp *protocol.Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = state
	r.result = Result{State: state, Code: code, Text: text, Response: resp}
	r.completedAt = time.Now().UTC()
	return true
}

// Result returns the terminal snapshot. Valid only once terminal.
func (r *Record) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// BeginDelivery claims the exactly-once delivery slot. The first caller
// gets true; every later caller gets false, even under timeout+kill races.
func (r *Record) BeginDelivery() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delivered || !r.state.Terminal() {
		return false
	}
	r.delivered = true
	return true
}

// SetRemovalCancel stores the cancel for this record's owner-removal
// subscription.
func (r *Record) SetRemovalCancel(fn func()) {
	r.mu.Lock()
	r.removalCancel = fn
	r.mu.Unlock()
}

// TakeRemovalCancel returns and clears the stored subscription cancel.
func (r *Record) TakeRemovalCancel() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn := r.removalCancel
	r.removalCancel = nil
	return fn
}

// Callbacks returns the caller-supplied completion callbacks.
func (r *Record) Callbacks() (Callback, ResponseCallback) {
	return r.callback, r.responseCallback
}

// Timestamps returns creation, start and completion times (zero if unset).
func (r *Record) Timestamps() (created, started, completed time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt, r.startedAt, r.completedAt
}
