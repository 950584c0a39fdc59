package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// Error categories surfaced in JSON error bodies.
const (
	categoryInvalidArgument   = "INVALID_ARGUMENT"
	categoryNotFound          = "NOT_FOUND"
	categoryResourceExhausted = "RESOURCE_EXHAUSTED"
	categoryUnavailable       = "UNAVAILABLE"
	categoryInternal          = "INTERNAL"
)

// NewHTTPHandler returns an http.Handler with all routes registered. The
// statusWS handler serves the WebSocket status stream; pass nil to disable
// it. When authToken is non-empty, requests (except GET /v1/health) must
// include a valid Authorization: Bearer <token> header.
func (s *IngressServer) NewHTTPHandler(authToken string, statusWS http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleSubmitMessage)
	mux.HandleFunc("GET /v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("GET /v1/messages/{id}/status", s.handleGetStatus)
	mux.HandleFunc("POST /v1/messages/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if statusWS != nil {
		mux.HandleFunc("GET /v1/status/ws", statusWS)
	}

	var handler http.Handler = mux
	handler = AuthMiddleware(authToken, handler)
	handler = LoggingMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// handleSubmitMessage handles POST /v1/messages.
func (s *IngressServer) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var in submitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, categoryInvalidArgument, "invalid JSON: "+err.Error())
		return
	}

	msg, err := s.submitMessage(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Accepted for asynchronous delivery; the caller does not wait for it.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id": msg.ID,
		"status":     string(model.StatusSent),
	})
}

// handleGetMessage handles GET /v1/messages/{id}.
func (s *IngressServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.getMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleGetStatus handles GET /v1/messages/{id}/status.
func (s *IngressServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	recs, err := s.getDeliveryRecords(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, categoryNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleMarkRead handles POST /v1/messages/{id}/read.
func (s *IngressServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	recs, err := s.markRead(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, categoryNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleListMessages handles GET /v1/conversations/{id}/messages.
func (s *IngressServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	filter := model.MessageFilter{
		ConversationID: r.PathValue("id"),
		Limit:          100,
	}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, categoryInvalidArgument, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, categoryInvalidArgument, "invalid offset")
			return
		}
		filter.Offset = n
	}

	msgs, err := s.listMessages(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleHealth handles GET /v1/health.
func (s *IngressServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps service-layer errors onto HTTP statuses and
// categories.
func writeServiceError(w http.ResponseWriter, err error) {
	var ie inputError
	switch {
	case errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, categoryInvalidArgument, ie.Error())
	case errors.Is(err, errRateLimited):
		writeError(w, http.StatusTooManyRequests, categoryResourceExhausted, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, categoryNotFound, "not found")
	case errors.Is(err, errUnavailable):
		writeError(w, http.StatusServiceUnavailable, categoryUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, categoryInternal, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, map[string]string{"error": message, "category": category})
}
