package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/catalog"
	"bustrack/internal/domain"
	"bustrack/internal/metrics"
	"bustrack/pkg/gpsapi"
)

var (
	ErrUnknownRoute    = errors.New("no session for route")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// LocationFetcher returns the latest known position of a bus.
type LocationFetcher interface {
	LatestLocation(ctx context.Context, busID string) (gpsapi.Location, error)
}

// ArrivalReporter receives first-arrival events. Reports are fire-and-forget.
type ArrivalReporter interface {
	Name() string
	ReportArrival(ctx context.Context, ev domain.ArrivalEvent) error
}

// Broadcaster receives session snapshots. Broadcast is called with the
// session lock held and must not block.
type Broadcaster interface {
	Broadcast(snap *domain.Snapshot)
}

type Config struct {
	ArrivalRadiusMeters float64
	JumpRejectionMeters float64
	Thresholds          domain.Thresholds
	ReportTimeout       time.Duration
	// Location is the zone arrival times are expressed in. Nil keeps the
	// clock's own zone.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		ArrivalRadiusMeters: 50,
		JumpRejectionMeters: 100,
		Thresholds:          domain.DefaultThresholds(),
		ReportTimeout:       10 * time.Second,
	}
}

type Tracker struct {
	fetcher      LocationFetcher
	reporters    []ArrivalReporter
	broadcasters []Broadcaster
	cfg          Config
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	reportWG sync.WaitGroup
	ready    atomic.Bool
}

func New(fetcher LocationFetcher, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.With("component", "tracker"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// AddReporter and the other setters must be called before the first Start.
func (t *Tracker) AddReporter(r ArrivalReporter) {
	t.reporters = append(t.reporters, r)
}

func (t *Tracker) AddBroadcaster(b Broadcaster) {
	t.broadcasters = append(t.broadcasters, b)
}

func (t *Tracker) SetMetrics(m *metrics.Collector) {
	t.metrics = m
}

// Start begins polling the route's bus every interval. A session already
// running for the same route is stopped and replaced.
func (t *Tracker) Start(ctx context.Context, route *domain.Route, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if err := catalog.Validate(route); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := t.newSession(route, interval, cancel)

	t.mu.Lock()
	prev := t.sessions[route.ID]
	t.sessions[route.ID] = s
	active := len(t.sessions)
	t.mu.Unlock()

	if prev != nil {
		prev.stop()
		t.logger.Info("replaced tracking session", "route_id", route.ID, "previous", prev.id, "session_id", s.id)
		if t.metrics != nil {
			t.metrics.Resets.WithLabelValues("restart").Inc()
		}
	}
	if t.metrics != nil {
		t.metrics.ActiveSessions.Set(float64(active))
	}

	s.mu.Lock()
	s.emitLocked()
	s.mu.Unlock()

	t.logger.Info("tracking session started",
		"route_id", route.ID,
		"bus_id", route.BusID,
		"session_id", s.id,
		"interval", interval,
	)

	go s.run(sessCtx)
	return s, nil
}

func (t *Tracker) newSession(route *domain.Route, interval time.Duration, cancel context.CancelFunc) *Session {
	return &Session{
		id:       uuid.New().String(),
		route:    route,
		interval: interval,
		tracker:  t,
		cancel:   cancel,
		done:     make(chan struct{}),
		records:  make(map[string]domain.ArrivalRecord, len(route.Stops)),
		logger:   t.logger.With("route_id", route.ID, "bus_id", route.BusID),
	}
}

// Stop cancels polling for the session. It is safe to call more than once.
func (t *Tracker) Stop(s *Session) {
	if s == nil {
		return
	}
	s.stop()

	t.mu.Lock()
	if t.sessions[s.route.ID] == s {
		delete(t.sessions, s.route.ID)
	}
	active := len(t.sessions)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ActiveSessions.Set(float64(active))
	}
}

// Reset clears the session's arrivals and distance; polling continues.
func (t *Tracker) Reset(s *Session, reason string) {
	if s == nil {
		return
	}
	if !s.reset() {
		return
	}
	s.logger.Info("tracking session reset", "session_id", s.id, "reason", reason)
	if t.metrics != nil {
		t.metrics.Resets.WithLabelValues(reason).Inc()
		t.metrics.DistanceMeters.WithLabelValues(s.route.ID).Set(0)
	}
}

// ResetRoute resets the running session for routeID.
func (t *Tracker) ResetRoute(routeID, reason string) error {
	s, ok := t.Session(routeID)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownRoute, routeID)
	}
	t.Reset(s, reason)
	return nil
}

func (t *Tracker) ResetAll(reason string) {
	for _, s := range t.Sessions() {
		t.Reset(s, reason)
	}
}

func (t *Tracker) Session(routeID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[routeID]
	return s, ok
}

// Sessions returns the running sessions ordered by route id.
func (t *Tracker) Sessions() []*Session {
	t.mu.Lock()
	result := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		result = append(result, s)
	}
	t.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].route.ID < result[j].route.ID
	})
	return result
}

func (t *Tracker) RouteIDs() []string {
	sessions := t.Sessions()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.route.ID
	}
	return ids
}

func (t *Tracker) Snapshot(routeID string) (*domain.Snapshot, bool) {
	s, ok := t.Session(routeID)
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// StopAll stops every session and waits for pending reports.
func (t *Tracker) StopAll() {
	for _, s := range t.Sessions() {
		t.Stop(s)
	}
	t.reportWG.Wait()
}

// IsReady reports whether any session has completed a successful poll.
func (t *Tracker) IsReady() bool {
	return t.ready.Load()
}

func (t *Tracker) broadcast(snap *domain.Snapshot) {
	for _, b := range t.broadcasters {
		b.Broadcast(snap)
	}
}

// dispatch starts one goroutine per reporter and event. Callers hold the
// session lock.
func (t *Tracker) dispatch(events []domain.ArrivalEvent) {
	for _, ev := range events {
		for _, r := range t.reporters {
			t.reportWG.Add(1)
			go func(r ArrivalReporter, ev domain.ArrivalEvent) {
				defer t.reportWG.Done()
				t.report(r, ev)
			}(r, ev)
		}
	}
}

func (t *Tracker) report(r ArrivalReporter, ev domain.ArrivalEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ReportTimeout)
	defer cancel()

	start := time.Now()
	err := r.ReportArrival(ctx, ev)

	result := "ok"
	if err != nil {
		result = "error"
		t.logger.Warn("arrival report failed",
			"reporter", r.Name(),
			"route_id", ev.RouteID,
			"stop", ev.StopName,
			"error", err,
		)
	}
	if t.metrics != nil {
		t.metrics.Reports.WithLabelValues(r.Name(), result).Inc()
		t.metrics.ReportDuration.Observe(time.Since(start).Seconds())
	}
}
