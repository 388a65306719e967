package cache

import (
	"context"
	"log/slog"
	"time"
)

type Resetter interface {
	ResetAll(reason string)
}

// DailyResetter resets every tracking session at local midnight.
type DailyResetter struct {
	resetter Resetter
	loc      *time.Location
	cache    JSONStore
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewDailyResetter builds a resetter for the given zone. cache may be nil;
// when set the date of the last reset is recorded there.
func NewDailyResetter(r Resetter, loc *time.Location, cache JSONStore, logger *slog.Logger) *DailyResetter {
	if loc == nil {
		loc = time.Local
	}
	return &DailyResetter{
		resetter: r,
		loc:      loc,
		cache:    cache,
		logger:   logger.With("component", "daily_reset"),
		now:      time.Now,
		after:    time.After,
	}
}

// NextMidnight returns the first midnight in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func (d *DailyResetter) Run(ctx context.Context) {
	for {
		now := d.now()
		midnight := NextMidnight(now, d.loc)
		wait := midnight.Sub(now)

		d.logger.Info("scheduled next daily reset", "at", midnight, "in", wait)

		select {
		case <-ctx.Done():
			return
		case <-d.after(wait):
			d.logger.Info("daily reset starting")
			d.resetter.ResetAll("daily")
			d.record(ctx, midnight)
		}
	}
}

func (d *DailyResetter) record(ctx context.Context, at time.Time) {
	if d.cache == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.cache.SetJSON(writeCtx, KeyLastReset, at.Format(time.DateOnly), 0); err != nil {
		d.logger.Warn("failed to record daily reset", "error", err)
	}
}
