package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"bustrack/internal/store"
)

type ReadinessChecker interface {
	IsReady() bool
}

type HealthHandler struct {
	checker ReadinessChecker
	store   *store.Store
}

func NewHealthHandler(c ReadinessChecker, s *store.Store) *HealthHandler {
	return &HealthHandler{
		checker: c,
		store:   s,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	RouteCount int       `json:"routeCount"`
	ServerTime time.Time `json:"serverTime"`
}

// Readyz turns ready once any session has completed a successful poll.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.checker.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:      ready,
		RouteCount: h.store.Count(),
		ServerTime: time.Now(),
	})
}
