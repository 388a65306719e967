package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bustrack/internal/catalog"
	"bustrack/internal/domain"
	"bustrack/internal/store"
	"bustrack/internal/tracker"
)

// Tracker is the part of the tracking service the API drives.
type Tracker interface {
	ResetRoute(routeID, reason string) error
	Snapshot(routeID string) (*domain.Snapshot, bool)
	IsReady() bool
}

// SnapshotLoader serves snapshots of routes this instance does not track.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, routeID string) (*domain.Snapshot, bool, error)
}

// HistorySource returns archived arrivals of one service day.
type HistorySource interface {
	History(ctx context.Context, routeID string, date time.Time) ([]domain.ArrivalEvent, error)
}

type HTTPHandler struct {
	catalog  *catalog.Catalog
	store    *store.Store
	tracker  Tracker
	fallback SnapshotLoader
	history  HistorySource
	loc      *time.Location
	logger   *slog.Logger
}

func NewHTTPHandler(cat *catalog.Catalog, s *store.Store, t Tracker, loc *time.Location, logger *slog.Logger) *HTTPHandler {
	if loc == nil {
		loc = time.Local
	}
	return &HTTPHandler{
		catalog: cat,
		store:   s,
		tracker: t,
		loc:     loc,
		logger:  logger.With("component", "http_handler"),
	}
}

// WithFallback and WithHistory are optional and must be set before serving.
func (h *HTTPHandler) WithFallback(l SnapshotLoader) *HTTPHandler {
	h.fallback = l
	return h
}

func (h *HTTPHandler) WithHistory(hs HistorySource) *HTTPHandler {
	h.history = hs
	return h
}

type RoutesResponse struct {
	Routes []domain.RouteSummary `json:"routes"`
	Count  int                   `json:"count"`
}

func (h *HTTPHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.catalog.List()
	summaries := make([]domain.RouteSummary, 0, len(routes))
	for _, route := range routes {
		summaries = append(summaries, route.Summary())
	}
	respondJSON(w, http.StatusOK, RoutesResponse{Routes: summaries, Count: len(summaries)})
}

func (h *HTTPHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	route, ok := h.catalog.Get(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "route not found")
		return
	}
	respondJSON(w, http.StatusOK, route)
}

func (h *HTTPHandler) RouteArrivals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.catalog.Get(id); !ok {
		respondError(w, http.StatusNotFound, "route not found")
		return
	}

	if snap, ok := h.store.Get(id); ok {
		respondJSON(w, http.StatusOK, snap)
		return
	}

	if h.fallback != nil {
		snap, found, err := h.fallback.LoadSnapshot(r.Context(), id)
		if err != nil {
			h.logger.Warn("snapshot fallback failed", "route_id", id, "error", err)
		}
		if found {
			ServerStats.IncCacheHits()
			respondJSON(w, http.StatusOK, snap)
			return
		}
		ServerStats.IncCacheMisses()
	}

	respondError(w, http.StatusNotFound, "route is not being tracked")
}

// ResetRoute clears the route's arrivals so every stop is detected again.
func (h *HTTPHandler) ResetRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.tracker.ResetRoute(id, "manual"); err != nil {
		if errors.Is(err, tracker.ErrUnknownRoute) {
			respondError(w, http.StatusNotFound, "route is not being tracked")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap, ok := h.tracker.Snapshot(id)
	if !ok {
		respondError(w, http.StatusNotFound, "route is not being tracked")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

type ArrivalsResponse struct {
	Arrivals   []store.ArrivalRow    `json:"arrivals"`
	Count      int                   `json:"count"`
	Summary    map[domain.Status]int `json:"summary"`
	ServerTime time.Time             `json:"serverTime"`
}

// ListArrivals is the dashboard view: every stop of every tracked route,
// optionally narrowed with ?route= and ?status=.
func (h *HTTPHandler) ListArrivals(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{RouteID: r.URL.Query().Get("route")}

	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.Status(s)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status parameter: must be on-time, delayed, early or pending")
			return
		}
		opts.Status = status
	}

	rows := h.store.Arrivals(opts)
	if rows == nil {
		rows = []store.ArrivalRow{}
	}
	summary := map[domain.Status]int{
		domain.StatusOnTime:  0,
		domain.StatusDelayed: 0,
		domain.StatusEarly:   0,
		domain.StatusPending: 0,
	}
	for _, row := range rows {
		summary[row.Status]++
	}

	respondJSON(w, http.StatusOK, ArrivalsResponse{
		Arrivals:   rows,
		Count:      len(rows),
		Summary:    summary,
		ServerTime: time.Now(),
	})
}

type HistoryResponse struct {
	Date     string                `json:"date"`
	Arrivals []domain.ArrivalEvent `json:"arrivals"`
	Count    int                   `json:"count"`
}

func (h *HTTPHandler) ArrivalHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusServiceUnavailable, "arrival history is not configured")
		return
	}

	date := time.Now().In(h.loc)
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.ParseInLocation(time.DateOnly, s, h.loc)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid date parameter: expected YYYY-MM-DD")
			return
		}
		date = d
	}

	events, err := h.history.History(r.Context(), r.URL.Query().Get("route"), date)
	if err != nil {
		h.logger.Error("history query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load arrival history")
		return
	}

	respondJSON(w, http.StatusOK, HistoryResponse{
		Date:     date.Format(time.DateOnly),
		Arrivals: events,
		Count:    len(events),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
