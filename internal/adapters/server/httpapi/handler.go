// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/domain"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// defaultDeadLetterLimit caps dead letter listings when no limit is requested.
const defaultDeadLetterLimit = 100

// attendancePrefix routes command endpoints.
const attendancePrefix = "attendance/"

// Dependencies lists the services behind the API routes. Nil services answer 501.
type Dependencies struct {
	Attendance  common.AttendanceService
	LiveStatus  common.LiveStatusReader
	DeadLetters common.DeadLetterReader
	Stream      common.StreamSource
	// Heartbeat is the idle interval between stream heartbeats.
	Heartbeat time.Duration
	Clock     func() time.Time
	Logger    Logger
}

// Logger is the logging surface the stream endpoint reports through.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	deps Dependencies
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter.
func NewHandler(deps Dependencies) *Handler {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = defaultHeartbeat
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	return &Handler{deps: deps}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := normalizePath(r.URL.Path)
	switch {
	case strings.HasPrefix(path, attendancePrefix):
		typ, err := domain.ParseActivityType(strings.TrimPrefix(path, attendancePrefix))
		if err != nil {
			writeJSONError(w, http.StatusNotFound, APIError{
				Code:    "not_found",
				Message: "endpoint not found",
			})
			return
		}
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleCommand(w, r, typ)
	case path == "live_status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleLiveStatus(w, r)
	case path == "dead_letters":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleDeadLetters(w, r)
	case path == "stream":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleStream(w, r)
	default:
		sessionID, ok := resolveSessionID(path)
		if !ok {
			writeJSONError(w, http.StatusNotFound, APIError{
				Code:    "not_found",
				Message: "endpoint not found",
			})
			return
		}
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleSession(w, r, sessionID)
	}
}

// handleCommand serves POST `/attendance/{type}`. `?async=true` queues the command and answers 202.
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request, typ domain.ActivityType) {
	if h.deps.Attendance == nil {
		writeErrorFrom(w, common.ErrUnavailable)
		return
	}
	var req common.CommandRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.Type = typ
	async, err := parseBoolQuery(r, "async")
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.Async = async

	result, err := h.deps.Attendance.Submit(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	status := http.StatusOK
	switch {
	case result.Queued:
		status = http.StatusAccepted
	case typ == domain.ActivityClockIn:
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// handleLiveStatus serves GET `/live_status`, optionally filtered by `employee_id`.
func (h *Handler) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.LiveStatus == nil {
		writeErrorFrom(w, common.ErrUnavailable)
		return
	}
	resp := common.LiveStatusResponse{AsOf: h.deps.Clock().UTC()}
	if employeeID := strings.TrimSpace(r.URL.Query().Get("employee_id")); employeeID != "" {
		status, err := h.deps.LiveStatus.EmployeeSnapshot(r.Context(), employeeID)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		resp.Statuses = []domain.LiveStatus{status}
	} else {
		statuses, err := h.deps.LiveStatus.Snapshot(r.Context())
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		resp.Statuses = statuses
	}
	if resp.Statuses == nil {
		resp.Statuses = []domain.LiveStatus{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSession serves GET `/sessions/{id}`.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.deps.Attendance == nil {
		writeErrorFrom(w, common.ErrUnavailable)
		return
	}
	detail, err := h.deps.Attendance.SessionDetail(r.Context(), sessionID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeadLetters serves GET `/dead_letters?limit=N`.
func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.DeadLetters == nil {
		writeErrorFrom(w, common.ErrUnavailable)
		return
	}
	limit := defaultDeadLetterLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorFrom(w, fmt.Errorf("%w: limit must be a positive integer", common.ErrInvalidRequest))
			return
		}
		limit = parsed
	}
	letters, err := h.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if letters == nil {
		letters = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, common.DeadLetterResponse{DeadLetters: letters})
}

// resolveSessionID parses `/sessions/{id}` and returns `{id}`.
func resolveSessionID(path string) (string, bool) {
	const prefix = "sessions/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", common.ErrInvalidRequest, key)
	}
	return v, nil
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
		return
	}
	apiErr := APIError{Code: common.Code(err), Message: err.Error()}
	switch {
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusNotImplemented, apiErr)
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, apiErr)
	case errors.Is(err, domain.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, apiErr)
	case errors.Is(err, domain.ErrOutOfRange):
		apiErr.Hint = "Move closer to a configured office site and retry."
		writeJSONError(w, http.StatusConflict, apiErr)
	case errors.Is(err, domain.ErrRejected):
		writeJSONError(w, http.StatusConflict, apiErr)
	default:
		if apiErr.Code == "subscriber_in_use" {
			writeJSONError(w, http.StatusConflict, apiErr)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, apiErr)
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w: %v", common.ErrInvalidRequest, err)
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}

func (nopLogger) Warn(any, ...any) {}
