package domain

// Stop is a fixed boarding point on a route
type Stop struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// ScheduleEntry is the planned arrival at one stop
type ScheduleEntry struct {
	StopName  string    `json:"stopName"`
	Scheduled ClockTime `json:"time"`
}

// Route is a static route definition. Schedule[i] belongs to Stops[i].
type Route struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	BusID       string          `json:"busId"`
	Stops       []Stop          `json:"stops"`
	Schedule    []ScheduleEntry `json:"schedule"`
}

// RouteSummary is the list view of a route
type RouteSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BusID       string `json:"busId"`
	StopCount   int    `json:"stopCount"`
}

func (r *Route) Summary() RouteSummary {
	return RouteSummary{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		BusID:       r.BusID,
		StopCount:   len(r.Stops),
	}
}

// ScheduleCompleted is the scheduled stop once every stop time has passed.
const ScheduleCompleted = "Completed"

// ScheduledStop returns the first stop whose scheduled time is still ahead
// of now, or ScheduleCompleted.
func (r *Route) ScheduledStop(now ClockTime) string {
	for _, e := range r.Schedule {
		if now.Minutes() < e.Scheduled.Minutes() {
			return e.StopName
		}
	}
	return ScheduleCompleted
}
