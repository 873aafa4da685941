package webreq

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/webrelay/internal/protocol"
)

// Method is the HTTP verb a request uses.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
	MethodHead   Method = "HEAD"
)

// ParseMethod validates and normalizes an HTTP verb.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported HTTP method: %q", s)
	}
}

// State is the lifecycle state of a request record.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Terminal reports whether no further mutation of the record may occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// Callback is the legacy completion callback shape: numeric result code
// plus the response (or error) text.
type Callback func(code int, text string)

// ResponseCallback is the structured completion callback shape. The
// response is nil when the helper produced no parseable document.
type ResponseCallback func(resp *protocol.Response)

// Result is a terminal snapshot of a record, safe to read after delivery.
type Result struct {
	State    State
	Code     int
	Text     string
	Response *protocol.Response
}
