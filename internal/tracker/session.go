package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bustrack/internal/domain"
	"bustrack/internal/geo"
	"bustrack/pkg/gpsapi"
)

// Session is the handle of one route's tracking run. Records, the last
// sample and the distance accumulator are guarded by mu and change together
// once per tick.
type Session struct {
	id       string
	route    *domain.Route
	interval time.Duration
	tracker  *Tracker
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	inFlight atomic.Bool

	mu          sync.Mutex
	stopped     bool
	epoch       uint64
	records     map[string]domain.ArrivalRecord
	last        *domain.LocationSample
	totalMeters float64
	online      bool
	lastErr     string
	updatedAt   time.Time
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Route() *domain.Route    { return s.route }
func (s *Session) Interval() time.Duration { return s.interval }

// Done is closed once the polling goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Records returns a copy of the arrival records keyed by stop name.
func (s *Session) Records() map[string]domain.ArrivalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]domain.ArrivalRecord, len(s.records))
	for k, v := range s.records {
		result[k] = v
	}
	return result
}

func (s *Session) TotalMeters() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalMeters
}

func (s *Session) LastSample() (domain.LocationSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.LocationSample{}, false
	}
	return *s.last, true
}

func (s *Session) Snapshot() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
}

func (s *Session) reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.epoch++
	s.records = make(map[string]domain.ArrivalRecord, len(s.route.Stops))
	s.totalMeters = 0
	s.last = nil
	s.updatedAt = s.tracker.now()
	s.emitLocked()
	return true
}

// poll runs one tick. It never returns an error: fetch failures and bad
// payloads skip the tick and are retried on the next one.
func (s *Session) poll(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.countPoll("skipped")
		s.logger.Debug("previous poll still in flight, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	start := time.Now()
	loc, err := s.tracker.fetcher.LatestLocation(ctx, s.route.BusID)
	if m := s.tracker.metrics; m != nil {
		m.FetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.fetchFailed(epoch, err)
		return
	}

	now := s.tracker.now()

	s.mu.Lock()
	if s.stopped || s.epoch != epoch {
		s.mu.Unlock()
		s.countPoll("discarded")
		return
	}
	events := s.applyLocked(loc, now)
	total := s.totalMeters
	s.emitLocked()
	// Queued under the lock: once stop returns no report can be added, so
	// StopAll's wait covers every report of a stopped session.
	s.tracker.dispatch(events)
	s.mu.Unlock()

	s.tracker.ready.Store(true)
	s.countPoll("ok")
	if m := s.tracker.metrics; m != nil {
		m.DistanceMeters.WithLabelValues(s.route.ID).Set(total)
	}
}

func (s *Session) fetchFailed(epoch uint64, err error) {
	result := "fetch_error"
	if errors.Is(err, gpsapi.ErrMalformedLocation) {
		result = "malformed"
	}
	s.countPoll(result)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.epoch != epoch {
		return
	}

	s.logger.Warn("location fetch failed, skipping tick", "result", result, "error", err)

	// Only the offline indicator changes. Emit on transition.
	changed := s.online || s.lastErr == ""
	s.online = false
	s.lastErr = err.Error()
	if changed {
		s.emitLocked()
	}
}

// applyLocked folds one validated location into the session state and
// returns the arrival events it created.
func (s *Session) applyLocked(loc gpsapi.Location, now time.Time) []domain.ArrivalEvent {
	cfg := s.tracker.cfg

	if s.last != nil {
		d := geo.Haversine(s.last.Lat, s.last.Lon, loc.Lat, loc.Lon)
		if d < cfg.JumpRejectionMeters {
			s.totalMeters += d
		} else {
			s.logger.Debug("rejected GPS jump", "meters", d)
			if m := s.tracker.metrics; m != nil {
				m.JumpsRejected.WithLabelValues(s.route.ID).Inc()
			}
		}
	}
	s.last = &domain.LocationSample{Lat: loc.Lat, Lon: loc.Lon, Timestamp: now}
	s.online = true
	s.lastErr = ""
	s.updatedAt = now

	local := now
	if cfg.Location != nil {
		local = now.In(cfg.Location)
	}
	actual := domain.ClockOf(local)

	var events []domain.ArrivalEvent
	for i, stop := range s.route.Stops {
		if _, ok := s.records[stop.Name]; ok {
			continue
		}
		if d := geo.Haversine(loc.Lat, loc.Lon, stop.Lat, stop.Lon); !(d < cfg.ArrivalRadiusMeters) {
			continue
		}

		scheduled := s.route.Schedule[i].Scheduled
		delay := actual.Sub(scheduled)
		rec := domain.ArrivalRecord{
			StopName:     stop.Name,
			ActualTime:   actual.String(),
			DelayMinutes: delay,
			Status:       cfg.Thresholds.Classify(delay),
			RecordedAt:   now,
		}
		s.records[stop.Name] = rec

		s.logger.Info("bus arrived at stop",
			"stop", stop.Name,
			"actual", rec.ActualTime,
			"scheduled", scheduled.String(),
			"delay_min", delay,
			"status", rec.Status,
		)
		if m := s.tracker.metrics; m != nil {
			m.Arrivals.WithLabelValues(s.route.ID, string(rec.Status)).Inc()
		}

		events = append(events, domain.ArrivalEvent{
			RouteID:       s.route.ID,
			BusID:         s.route.BusID,
			StopName:      stop.Name,
			ScheduledTime: scheduled.String(),
			ActualTime:    rec.ActualTime,
			DelayMinutes:  delay,
			Status:        rec.Status,
			Timestamp:     now,
		})
	}
	return events
}

func (s *Session) emitLocked() {
	if len(s.tracker.broadcasters) == 0 {
		return
	}
	s.tracker.broadcast(s.snapshotLocked())
}

func (s *Session) snapshotLocked() *domain.Snapshot {
	snap := &domain.Snapshot{
		RouteID:     s.route.ID,
		SessionID:   s.id,
		BusID:       s.route.BusID,
		Stops:       make([]domain.StopStatus, len(s.route.Stops)),
		TotalMeters: s.totalMeters,
		Online:      s.online,
		LastError:   s.lastErr,
		UpdatedAt:   s.updatedAt,
	}
	if s.last != nil {
		sample := *s.last
		snap.LastSample = &sample
	}

	now := s.tracker.now()
	if loc := s.tracker.cfg.Location; loc != nil {
		now = now.In(loc)
	}
	snap.ScheduledStop = s.route.ScheduledStop(domain.ClockOf(now))

	lastArrived := -1
	for i, stop := range s.route.Stops {
		st := domain.StopStatus{
			StopName:      stop.Name,
			Lat:           stop.Lat,
			Lon:           stop.Lon,
			ScheduledTime: s.route.Schedule[i].Scheduled.String(),
			Status:        domain.StatusPending,
		}
		if rec, ok := s.records[stop.Name]; ok {
			st.ActualTime = rec.ActualTime
			st.DelayMinutes = rec.DelayMinutes
			st.Status = rec.Status
			lastArrived = i
		}
		snap.Stops[i] = st
	}

	for i := lastArrived + 1; i < len(snap.Stops); i++ {
		if snap.Stops[i].Status == domain.StatusPending {
			snap.CurrentStop = snap.Stops[i].StopName
			break
		}
	}
	return snap
}

func (s *Session) countPoll(result string) {
	if m := s.tracker.metrics; m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}
