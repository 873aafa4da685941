package api

// HealthzResponse is the GET /healthz payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	HelperTrusted bool   `json:"helper_trusted"`
}

// FetchRequest is the POST /fetch payload.
type FetchRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Cookies        map[string]string `json:"cookies,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// FetchResponse acknowledges an accepted request.
type FetchResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// RequestData is the GET /request/{requestID} payload.
type RequestData struct {
	RequestID    string `json:"request_id"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	Owner        string `json:"owner,omitempty"`
	State        string `json:"state"`
	ResultCode   int    `json:"result_code"`
	ResponseText string `json:"response_text,omitempty"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
