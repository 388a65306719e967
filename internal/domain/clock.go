package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClockTime is a time of day with minute resolution and no date component.
type ClockTime struct {
	Hour   int
	Minute int
}

var clockLayouts = []string{"3:04 PM", "3:04PM", "15:04"}

// ParseClockTime accepts "07:25 AM", "7:25 PM", "7:25pm" and 24-hour "19:25".
func ParseClockTime(s string) (ClockTime, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
}

// ClockOf truncates t to its time of day in t's location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}
}

// Minutes returns the number of minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// Sub returns c - other in whole minutes. Both values are anchored to the
// same day, so no midnight wrap is applied.
func (c ClockTime) Sub(other ClockTime) int {
	return c.Minutes() - other.Minutes()
}

// String formats the time as "h:mm AM".
func (c ClockTime) String() string {
	period := "AM"
	if c.Hour >= 12 {
		period = "PM"
	}
	h := c.Hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, c.Minute, period)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
