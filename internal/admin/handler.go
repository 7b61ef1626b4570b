// Package admin exposes operator actions over HTTP: DLQ inspection and
// replay, circuit resets and the cost overview.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/usage"
)

const (
	defaultListLimit    = 100
	defaultTopPrincipal = 10
)

// Handler provides the admin HTTP API.
type Handler struct {
	queue    *dlq.Queue
	ledger   *usage.Ledger
	breakers *breaker.Registry
	handlers map[domain.OperationType]dlq.Handler

	retentionDays int
	clock         func() time.Time
	log           *slog.Logger
}

// NewHandler creates the admin API. handlers replay DLQ entries by operation type.
func NewHandler(queue *dlq.Queue, ledger *usage.Ledger, breakers *breaker.Registry, handlers map[domain.OperationType]dlq.Handler, retentionDays int) *Handler {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Handler{
		queue:         queue,
		ledger:        ledger,
		breakers:      breakers,
		handlers:      handlers,
		retentionDays: retentionDays,
		clock:         time.Now,
		log:           slog.Default(),
	}
}

// RegisterRoutes registers admin API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/dlq/stats", h.handleStats)
	mux.HandleFunc("GET /admin/dlq/pending", h.handlePending)
	mux.HandleFunc("GET /admin/dlq", h.handleList)
	mux.HandleFunc("GET /admin/dlq/{id}", h.handleGet)
	mux.HandleFunc("POST /admin/dlq/{id}/retry", h.handleRetry)
	mux.HandleFunc("POST /admin/dlq/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /admin/dlq/retry-all", h.handleRetryAll)
	mux.HandleFunc("POST /admin/dlq/cleanup", h.handleCleanup)
	mux.HandleFunc("GET /admin/costs", h.handleCosts)
	mux.HandleFunc("GET /admin/circuits", h.handleCircuits)
	mux.HandleFunc("POST /admin/circuits/{name}/reset", h.handleCircuitReset)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.GetStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": st})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.GetPending(r.Context(), intParam(r, "limit", defaultListLimit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	status := domain.DLQStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.DLQStatusPending
	}
	valid := false
	for _, s := range domain.AllDLQStatuses {
		valid = valid || s == status
	}
	if !valid {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown status " + string(status)})
		return
	}

	entries, err := h.queue.List(r.Context(), status, intParam(r, "limit", defaultListLimit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.queue.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	fn, ok := h.handlers[entry.OperationType]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success": false,
			"error":   "no retry handler registered for " + string(entry.OperationType),
		})
		return
	}

	entry, err = h.queue.Retry(ctx, entry.ID, fn)
	if entry == nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"success": err == nil, "entry": entry}
	if err != nil {
		resp["error"] = domain.UserMessage(err, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid body: " + err.Error()})
			return
		}
	}
	entry, err := h.queue.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (h *Handler) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.RetryAll(r.Context(), h.handlers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": report})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := intParam(r, "days", h.retentionDays)
	n, err := h.queue.Cleanup(r.Context(), days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n, "days_old": days})
}

func (h *Handler) handleCosts(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	since, err := usage.PeriodSince(period, h.clock())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	ctx := r.Context()
	ov, err := h.ledger.Overview(ctx, since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	top, err := h.ledger.TopPrincipals(ctx, since, intParam(r, "top", defaultTopPrincipal))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if period == "" {
		period = "day"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"period":         period,
		"overview":       ov,
		"top_principals": top,
	})
}

func (h *Handler) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "circuit_breakers": h.breakers.States()})
}

func (h *Handler) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.breakers.Reset(name) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown circuit " + name})
		return
	}
	h.log.Info("Circuit reset by operator", "breaker", name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "circuit": h.breakers.Get(name).State()})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dlq.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		h.log.Error("Admin request failed", "err", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("http json encode error", "err", err)
	}
}

func intParam(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
