package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/webrelay/internal/requestlog"
	"github.com/mattjoyce/webrelay/internal/webreq"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.broker.QueueLength(),
		HelperTrusted: s.trust.IsTrusted(),
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleFetch handles POST /fetch: enqueue one ownerless asynchronous
// request. The result lands in the audit log and the event stream; the
// API does not wait for completion.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	method := webreq.MethodGet
	if req.Method != "" {
		m, err := webreq.ParseMethod(req.Method)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		method = m
	}

	rec, err := s.broker.Enqueue(webreq.Options{
		URL:     req.URL,
		Method:  method,
		Body:    req.Body,
		Headers: req.Headers,
		Cookies: req.Cookies,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
		Async:   true,
		Callback: func(code int, text string) {
			s.logger.Debug("api-submitted request completed", "result_code", code)
		},
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("request enqueued via API", "request_id", rec.ID, "url", rec.URL)
	s.respondJSON(w, http.StatusAccepted, FetchResponse{
		RequestID: rec.ID,
		Status:    string(rec.State()),
	})
}

// handleGetRequest handles GET /request/{requestID} against the audit log.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "request audit log is disabled")
		return
	}

	id := chi.URLParam(r, "requestID")
	entry, err := s.audit.Get(r.Context(), id)
	if errors.Is(err, requestlog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load request audit row", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	s.respondJSON(w, http.StatusOK, entryToData(entry))
}

// handleListRequests handles GET /requests?limit=n, newest first.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, "request audit log is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer in [1, 500]")
			return
		}
		limit = n
	}

	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list request audit rows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	out := make([]RequestData, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryToData(e))
	}
	s.respondJSON(w, http.StatusOK, out)
}

func entryToData(e *requestlog.Entry) RequestData {
	d := RequestData{
		RequestID:    e.ID,
		URL:          e.URL,
		Method:       e.Method,
		Owner:        e.Owner,
		State:        string(e.State),
		ResultCode:   e.ResultCode,
		ResponseText: e.ResponseText,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.StartedAt != nil {
		d.StartedAt = e.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if e.CompletedAt != nil {
		d.CompletedAt = e.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return d
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, ErrorResponse{Error: msg})
}
