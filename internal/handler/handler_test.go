package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/catalog"
	"bustrack/internal/domain"
	"bustrack/internal/store"
	"bustrack/internal/tracker"
)

type fakeTracker struct {
	tracked map[string]*domain.Snapshot
	resets  []string
	ready   bool
}

func (f *fakeTracker) ResetRoute(routeID, reason string) error {
	snap, ok := f.tracked[routeID]
	if !ok {
		return fmt.Errorf("%w %q", tracker.ErrUnknownRoute, routeID)
	}
	f.resets = append(f.resets, routeID+":"+reason)
	snap.Stops = nil
	return nil
}

func (f *fakeTracker) Snapshot(routeID string) (*domain.Snapshot, bool) {
	snap, ok := f.tracked[routeID]
	return snap, ok
}

func (f *fakeTracker) IsReady() bool { return f.ready }

func (f *fakeTracker) RouteIDs() []string {
	ids := make([]string, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	return ids
}

type fakeLoader struct {
	snaps map[string]*domain.Snapshot
	err   error
}

func (f *fakeLoader) LoadSnapshot(_ context.Context, routeID string) (*domain.Snapshot, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	snap, ok := f.snaps[routeID]
	return snap, ok, nil
}

type fakeHistory struct {
	gotRoute string
	gotDate  time.Time
	events   []domain.ArrivalEvent
	err      error
}

func (f *fakeHistory) History(_ context.Context, routeID string, date time.Time) ([]domain.ArrivalEvent, error) {
	f.gotRoute = routeID
	f.gotDate = date
	return f.events, f.err
}

var ist = time.FixedZone("IST", 5*3600+1800)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vv1Snapshot() *domain.Snapshot {
	return &domain.Snapshot{
		RouteID: "vv1",
		BusID:   "VV-11",
		Stops: []domain.StopStatus{
			{StopName: "Kankipadu", ScheduledTime: "7:25 AM", ActualTime: "7:24 AM", DelayMinutes: -1, Status: domain.StatusOnTime},
			{StopName: "Gosala", ScheduledTime: "7:30 AM", ActualTime: "7:36 AM", DelayMinutes: 6, Status: domain.StatusDelayed},
			{StopName: "Edupugallu", ScheduledTime: "7:35 AM", Status: domain.StatusPending},
		},
		CurrentStop: "Edupugallu",
		Online:      true,
	}
}

func newTestMux(t *testing.T) (*http.ServeMux, *HTTPHandler, *store.Store, *fakeTracker) {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	s := store.New()
	snap := vv1Snapshot()
	s.Broadcast(snap)
	ft := &fakeTracker{tracked: map[string]*domain.Snapshot{"vv1": snap}}

	h := NewHTTPHandler(cat, s, ft, ist, discardLogger())
	health := NewHealthHandler(ft, s)
	stats := NewStatsHandler(s, ft, len(cat.IDs()), "test")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/routes", h.ListRoutes)
	mux.HandleFunc("GET /v1/routes/{id}", h.GetRoute)
	mux.HandleFunc("GET /v1/routes/{id}/arrivals", h.RouteArrivals)
	mux.HandleFunc("POST /v1/routes/{id}/reset", h.ResetRoute)
	mux.HandleFunc("GET /v1/arrivals", h.ListArrivals)
	mux.HandleFunc("GET /v1/arrivals/history", h.ArrivalHistory)
	mux.HandleFunc("GET /v1/stats", stats.GetStats)
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz)
	return mux, h, s, ft
}

func do(t *testing.T, h http.Handler, method, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestListRoutes(t *testing.T) {
	mux, _, _, _ := newTestMux(t)

	var resp RoutesResponse
	rec := do(t, mux, http.MethodGet, "/v1/routes", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "vv1", resp.Routes[0].ID)
	assert.Equal(t, 5, resp.Routes[0].StopCount)
	assert.Equal(t, "vv2", resp.Routes[1].ID)
}

func TestGetRoute(t *testing.T) {
	mux, _, _, _ := newTestMux(t)

	var route domain.Route
	rec := do(t, mux, http.MethodGet, "/v1/routes/vv1", &route)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VV-11", route.BusID)
	require.Len(t, route.Schedule, 5)
	assert.Equal(t, "Kankipadu", route.Schedule[0].StopName)

	var errResp errorResponse
	rec = do(t, mux, http.MethodGet, "/v1/routes/gv1", &errResp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", errResp.Error)
}

func TestRouteArrivals(t *testing.T) {
	mux, _, _, _ := newTestMux(t)

	var snap domain.Snapshot
	rec := do(t, mux, http.MethodGet, "/v1/routes/vv1/arrivals", &snap)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Edupugallu", snap.CurrentStop)
	assert.Equal(t, 2, snap.Arrived())

	// vv2 is in the catalog but not tracked here.
	rec = do(t, mux, http.MethodGet, "/v1/routes/vv2/arrivals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/v1/routes/nope/arrivals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteArrivalsFallback(t *testing.T) {
	mux, h, _, _ := newTestMux(t)
	h.WithFallback(&fakeLoader{snaps: map[string]*domain.Snapshot{
		"vv2": {RouteID: "vv2", BusID: "VV-13"},
	}})

	var snap domain.Snapshot
	rec := do(t, mux, http.MethodGet, "/v1/routes/vv2/arrivals", &snap)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VV-13", snap.BusID)

	h.WithFallback(&fakeLoader{err: errors.New("redis down")})
	rec = do(t, mux, http.MethodGet, "/v1/routes/vv2/arrivals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetRoute(t *testing.T) {
	mux, _, _, ft := newTestMux(t)

	var snap domain.Snapshot
	rec := do(t, mux, http.MethodPost, "/v1/routes/vv1/reset", &snap)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"vv1:manual"}, ft.resets)
	assert.Empty(t, snap.Stops)

	rec = do(t, mux, http.MethodPost, "/v1/routes/vv2/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/v1/routes/vv1/reset", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListArrivals(t *testing.T) {
	mux, _, s, _ := newTestMux(t)
	s.Broadcast(&domain.Snapshot{
		RouteID: "vv2",
		Stops:   []domain.StopStatus{{StopName: "Poranki center", Status: domain.StatusEarly}},
	})

	var resp ArrivalsResponse
	rec := do(t, mux, http.MethodGet, "/v1/arrivals", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, resp.Count)
	assert.Equal(t, 1, resp.Summary[domain.StatusOnTime])
	assert.Equal(t, 1, resp.Summary[domain.StatusDelayed])
	assert.Equal(t, 1, resp.Summary[domain.StatusEarly])
	assert.Equal(t, 1, resp.Summary[domain.StatusPending])

	resp = ArrivalsResponse{}
	do(t, mux, http.MethodGet, "/v1/arrivals?route=vv1&status=delayed", &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Gosala", resp.Arrivals[0].StopName)
	assert.Equal(t, 6, resp.Arrivals[0].DelayMinutes)

	resp = ArrivalsResponse{}
	do(t, mux, http.MethodGet, "/v1/arrivals?route=gv1", &resp)
	assert.NotNil(t, resp.Arrivals)
	assert.Zero(t, resp.Count)

	rec = do(t, mux, http.MethodGet, "/v1/arrivals?status=late", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArrivalHistory(t *testing.T) {
	mux, h, _, _ := newTestMux(t)

	rec := do(t, mux, http.MethodGet, "/v1/arrivals/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hist := &fakeHistory{events: []domain.ArrivalEvent{{RouteID: "vv1", StopName: "Gosala", ActualTime: "7:36 AM"}}}
	h.WithHistory(hist)

	var resp HistoryResponse
	rec = do(t, mux, http.MethodGet, "/v1/arrivals/history?route=vv1&date=2026-03-02", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-03-02", resp.Date)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "vv1", hist.gotRoute)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, ist), hist.gotDate)

	rec = do(t, mux, http.MethodGet, "/v1/arrivals/history?date=02-03-2026", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hist.err = errors.New("db down")
	rec = do(t, mux, http.MethodGet, "/v1/arrivals/history", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	mux, _, _, ft := newTestMux(t)

	rec := do(t, mux, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	var ready ReadyResponse
	rec = do(t, mux, http.MethodGet, "/readyz", &ready)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, ready.Ready)
	assert.Equal(t, 1, ready.RouteCount)

	ft.ready = true
	rec = do(t, mux, http.MethodGet, "/readyz", &ready)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ready.Ready)
}

func TestStats(t *testing.T) {
	mux, _, _, _ := newTestMux(t)

	var resp StatsResponse
	rec := do(t, mux, http.MethodGet, "/v1/stats", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", resp.Server.Version)
	assert.Equal(t, 2, resp.Tracking.CatalogRoutes)
	assert.Equal(t, []string{"vv1"}, resp.Tracking.TrackedRoutes)
	assert.Equal(t, 1, resp.Tracking.Snapshots)
	assert.Equal(t, 1, resp.Tracking.Stops[domain.StatusPending])
	assert.Positive(t, resp.Go.Goroutines)
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORSMiddleware(next)

	rec := do(t, h, http.MethodOptions, "/v1/routes", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/v1/routes", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRequestLoggerCounts(t *testing.T) {
	before := ServerStats.requestCount.Load()
	h := RequestLogger(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := do(t, h, http.MethodGet, "/v1/routes", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before+1, ServerStats.requestCount.Load())
}

func TestGzipMiddleware(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(big)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/arrivals", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Less(t, rec.Body.Len(), len(big))
}
