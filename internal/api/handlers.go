package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-python-exec/internal/engine"
	"safe-python-exec/internal/sandbox"
	"safe-python-exec/internal/storage"
)

type Handlers struct {
	engine *engine.Engine
}

func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

// HandleExecute runs code synchronously and returns the terminal result.
// Rejections and runtime failures of the code are 200s with a non-success
// status; only infrastructure faults produce an HTTP error.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCodeRequest(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Execute(r.Context(), req.Code, r.RemoteAddr)
	if err != nil {
		h.writeExecError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		ID:            result.ID,
		Status:        result.Status,
		Output:        result.Output,
		Error:         result.Error,
		ExecutionTime: result.ExecutionTime,
	})
}

// HandleSubmit stores code for asynchronous processing and returns 202 with
// the submission id.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCodeRequest(w, r)
	if !ok {
		return
	}

	sub, err := h.engine.Submit(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, engine.ErrStoreDisabled) {
			writeError(w, "submission storage not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submit failed")
		writeError(w, "failed to store submission", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ID:        sub.ID,
		Status:    sub.Status,
		CreatedAt: sub.CreatedAt.Format(time.RFC3339),
	})
}

// HandleGetSubmission returns a stored submission with its result, if
// processing has finished.
func (h *Handlers) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, "submission id must be a UUID", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	sub, err := h.engine.GetSubmission(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, "submission not found", "NOT_FOUND", http.StatusNotFound, r)
		case errors.Is(err, engine.ErrStoreDisabled):
			writeError(w, "submission storage not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission lookup failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// HandleListSubmissions returns recent submissions without code bodies.
func (h *Handlers) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	filter := storage.SubmissionFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}

	subs, err := h.engine.ListSubmissions(r.Context(), filter)
	if err != nil {
		if errors.Is(err, engine.ErrStoreDisabled) {
			writeError(w, "submission storage not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission list failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	if subs == nil {
		subs = []storage.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handlers) writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		writeError(w, "invalid execution request", "INVALID_REQUEST", http.StatusBadRequest, r)
	case sandbox.IsInfra(err), errors.Is(err, sandbox.ErrClosed):
		log.Error().Err(err).Str("request_id", requestID).Msg("sandbox unavailable")
		writeError(w, "execution service unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", requestID).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func decodeCodeRequest(w http.ResponseWriter, r *http.Request) (ExecuteRequest, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
