package domain

import "time"

// Status is the schedule adherence of a stop
type Status string

const (
	StatusOnTime  Status = "on-time"
	StatusDelayed Status = "delayed"
	StatusEarly   Status = "early"
	StatusPending Status = "pending"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnTime, StatusDelayed, StatusEarly, StatusPending:
		return true
	}
	return false
}

// Thresholds decide how a delay in minutes is classified.
// A delay above DelayMinutes is delayed, below EarlyMinutes is early.
type Thresholds struct {
	DelayMinutes int
	EarlyMinutes int
}

func DefaultThresholds() Thresholds {
	return Thresholds{DelayMinutes: 5, EarlyMinutes: -2}
}

// Classify maps a signed delay to a status.
func (t Thresholds) Classify(delayMinutes int) Status {
	switch {
	case delayMinutes > t.DelayMinutes:
		return StatusDelayed
	case delayMinutes < t.EarlyMinutes:
		return StatusEarly
	default:
		return StatusOnTime
	}
}

// LocationSample is the most recent position of a bus
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// ArrivalRecord is created once per stop per session, on first crossing.
type ArrivalRecord struct {
	StopName     string    `json:"stopName"`
	ActualTime   string    `json:"actualTime"`
	DelayMinutes int       `json:"delay"`
	Status       Status    `json:"status"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// ArrivalEvent is handed to reporters when a record is created
type ArrivalEvent struct {
	RouteID       string    `json:"routeId"`
	BusID         string    `json:"busId"`
	StopName      string    `json:"stopName"`
	ScheduledTime string    `json:"scheduledTime"`
	ActualTime    string    `json:"actualTime"`
	DelayMinutes  int       `json:"delay"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// StopStatus is one row of a route's live schedule
type StopStatus struct {
	StopName      string  `json:"stopName"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	ScheduledTime string  `json:"scheduledTime"`
	ActualTime    string  `json:"actualTime,omitempty"`
	DelayMinutes  int     `json:"delay"`
	Status        Status  `json:"status"`
}

// Snapshot is the state of one tracking session after a tick
type Snapshot struct {
	RouteID   string       `json:"routeId"`
	SessionID string       `json:"sessionId"`
	BusID     string       `json:"busId"`
	Stops     []StopStatus `json:"stops"`
	// CurrentStop follows detected arrivals: the first pending stop after the
	// furthest arrived one, empty once the last stop has a record.
	CurrentStop string `json:"currentStop,omitempty"`
	// ScheduledStop follows the timetable clock regardless of arrivals.
	ScheduledStop string          `json:"scheduledStop"`
	TotalMeters   float64         `json:"totalMeters"`
	LastSample    *LocationSample `json:"lastSample,omitempty"`
	Online        bool            `json:"online"`
	LastError     string          `json:"lastError,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Arrived returns the number of stops that have a record.
func (s *Snapshot) Arrived() int {
	n := 0
	for _, st := range s.Stops {
		if st.Status != StatusPending {
			n++
		}
	}
	return n
}
