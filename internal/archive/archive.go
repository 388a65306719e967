// Package archive stores arrival events in Postgres for the history view.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bustrack/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS arrivals (
  id             BIGSERIAL PRIMARY KEY,
  route_id       TEXT        NOT NULL,
  bus_id         TEXT        NOT NULL,
  stop_name      TEXT        NOT NULL,
  service_date   DATE        NOT NULL,
  scheduled_time TEXT        NOT NULL,
  actual_time    TEXT        NOT NULL,
  delay_minutes  INTEGER     NOT NULL,
  status         TEXT        NOT NULL,
  recorded_at    TIMESTAMPTZ NOT NULL,
  UNIQUE (route_id, stop_name, service_date)
);
CREATE INDEX IF NOT EXISTS arrivals_service_date_idx ON arrivals (service_date, route_id);
`

type Archive struct {
	db     *sql.DB
	loc    *time.Location
	logger *slog.Logger
}

// Open connects through the pgx stdlib driver. loc decides which service day
// an arrival belongs to.
func Open(ctx context.Context, dsn string, loc *time.Location, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if loc == nil {
		loc = time.Local
	}
	return &Archive{db: db, loc: loc, logger: logger.With("component", "archive")}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (a *Archive) Name() string { return "postgres" }

// ServiceDate is the local calendar day of t.
func (a *Archive) ServiceDate(t time.Time) string {
	return t.In(a.loc).Format(time.DateOnly)
}

// ReportArrival inserts the event. A second arrival at the same stop on the
// same day is ignored.
func (a *Archive) ReportArrival(ctx context.Context, ev domain.ArrivalEvent) error {
	const q = `
INSERT INTO arrivals (route_id, bus_id, stop_name, service_date, scheduled_time, actual_time, delay_minutes, status, recorded_at)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9)
ON CONFLICT (route_id, stop_name, service_date) DO NOTHING`

	res, err := a.db.ExecContext(ctx, q,
		ev.RouteID,
		ev.BusID,
		ev.StopName,
		a.ServiceDate(ev.Timestamp),
		ev.ScheduledTime,
		ev.ActualTime,
		ev.DelayMinutes,
		string(ev.Status),
		ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert arrival: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		a.logger.Debug("arrival already archived", "route_id", ev.RouteID, "stop", ev.StopName)
	}
	return nil
}

// History returns the archived arrivals of one service day, ordered by route
// and time. An empty routeID returns every route.
func (a *Archive) History(ctx context.Context, routeID string, date time.Time) ([]domain.ArrivalEvent, error) {
	const q = `
SELECT route_id, bus_id, stop_name, scheduled_time, actual_time, delay_minutes, status, recorded_at
FROM arrivals
WHERE service_date = $1::date AND ($2 = '' OR route_id = $2)
ORDER BY route_id, recorded_at`

	rows, err := a.db.QueryContext(ctx, q, date.Format(time.DateOnly), routeID)
	if err != nil {
		return nil, fmt.Errorf("query arrivals: %w", err)
	}
	defer rows.Close()

	events := []domain.ArrivalEvent{}
	for rows.Next() {
		var (
			ev     domain.ArrivalEvent
			status string
		)
		if err := rows.Scan(&ev.RouteID, &ev.BusID, &ev.StopName, &ev.ScheduledTime,
			&ev.ActualTime, &ev.DelayMinutes, &status, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan arrival: %w", err)
		}
		ev.Status = domain.Status(status)
		ev.Timestamp = ev.Timestamp.In(a.loc)
		events = append(events, ev)
	}
	return events, rows.Err()
}
