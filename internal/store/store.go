package store

import (
	"sort"
	"sync"
	"time"

	"bustrack/internal/domain"
)

type ListOptions struct {
	RouteID string
	Status  domain.Status
}

// ArrivalRow is one stop of one route in the dashboard view
type ArrivalRow struct {
	RouteID       string        `json:"routeId"`
	BusID         string        `json:"busId"`
	StopName      string        `json:"stopName"`
	ScheduledTime string        `json:"scheduledTime"`
	ActualTime    string        `json:"actualTime,omitempty"`
	Status        domain.Status `json:"status"`
	DelayMinutes  int           `json:"delay"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Store keeps the latest snapshot of every tracked route. It receives
// snapshots from the tracker as a broadcaster.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.Snapshot
}

func New() *Store {
	return &Store{
		snapshots: make(map[string]*domain.Snapshot),
	}
}

func (s *Store) Broadcast(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.RouteID] = clone(snap)
}

func (s *Store) Get(routeID string) (*domain.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[routeID]
	if !ok {
		return nil, false
	}
	return clone(snap), true
}

// List returns snapshots ordered by route id. A status filter keeps only
// the stops with that status.
func (s *Store) List(opts ListOptions) []*domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Snapshot, 0, len(s.snapshots))
	for id, snap := range s.snapshots {
		if opts.RouteID != "" && id != opts.RouteID {
			continue
		}
		c := clone(snap)
		if opts.Status != "" {
			c.Stops = filterStops(c.Stops, opts.Status)
		}
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RouteID < result[j].RouteID
	})
	return result
}

// Arrivals flattens the snapshots into dashboard rows, in route then stop order.
func (s *Store) Arrivals(opts ListOptions) []ArrivalRow {
	snaps := s.List(opts)

	var rows []ArrivalRow
	for _, snap := range snaps {
		for _, st := range snap.Stops {
			rows = append(rows, ArrivalRow{
				RouteID:       snap.RouteID,
				BusID:         snap.BusID,
				StopName:      st.StopName,
				ScheduledTime: st.ScheduledTime,
				ActualTime:    st.ActualTime,
				Status:        st.Status,
				DelayMinutes:  st.DelayMinutes,
				Timestamp:     snap.UpdatedAt,
			})
		}
	}
	return rows
}

// CountByStatus tallies stop statuses across all routes.
func (s *Store) CountByStatus() map[domain.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.Status]int{
		domain.StatusOnTime:  0,
		domain.StatusDelayed: 0,
		domain.StatusEarly:   0,
		domain.StatusPending: 0,
	}
	for _, snap := range s.snapshots {
		for _, st := range snap.Stops {
			counts[st.Status]++
		}
	}
	return counts
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

func filterStops(stops []domain.StopStatus, status domain.Status) []domain.StopStatus {
	result := make([]domain.StopStatus, 0, len(stops))
	for _, st := range stops {
		if st.Status == status {
			result = append(result, st)
		}
	}
	return result
}

func clone(snap *domain.Snapshot) *domain.Snapshot {
	c := *snap
	c.Stops = make([]domain.StopStatus, len(snap.Stops))
	copy(c.Stops, snap.Stops)
	if snap.LastSample != nil {
		sample := *snap.LastSample
		c.LastSample = &sample
	}
	return &c
}
