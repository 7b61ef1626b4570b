package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/partial"
	"github.com/vietddude/aiguard/internal/resilience/classify"
)

// API exposes the service to callers over HTTP.
type API struct {
	svc *Service
}

func NewAPI(svc *Service) *API { return &API{svc: svc} }

// RegisterRoutes registers the operation routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/operations", a.handleSubmit)
	mux.HandleFunc("POST /v1/operations/sections", a.handleSections)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid body: " + err.Error()})
		return
	}

	res, entry, err := a.svc.Submit(r.Context(), req)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	resp := map[string]any{
		"success":  false,
		"category": classify.Classify(err),
		"error":    domain.UserMessage(err, entry != nil),
	}
	if entry != nil {
		resp["queued"] = true
		resp["dlq_id"] = entry.ID
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if de, ok := domain.AsError(err); ok && de.RetryAfter > 0 {
		resp["retry_after_seconds"] = int(de.RetryAfter.Seconds())
	}
	writeJSON(w, statusFor(err), resp)
}

func (a *API) handleSections(w http.ResponseWriter, r *http.Request) {
	var req SectionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid body: " + err.Error()})
		return
	}

	res, err := a.svc.SubmitSections(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, partial.ErrAllFailed) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a failure category to an HTTP status.
func statusFor(err error) int {
	switch classify.Classify(err) {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryAuthentication:
		return http.StatusUnauthorized
	case domain.CategoryUsageLimitExceeded, domain.CategoryRateLimit:
		return http.StatusTooManyRequests
	case domain.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	case domain.CategoryTimeout:
		return http.StatusGatewayTimeout
	case domain.CategoryQualityFailure, domain.CategoryAIService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("http json encode error", "err", err)
	}
}
