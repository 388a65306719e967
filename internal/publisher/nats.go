package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bustrack/internal/domain"
)

type ConnMetrics interface {
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher streams arrival events on <prefix>.<route>.<stop>.
type NATSPublisher struct {
	nc     *nats.Conn
	conn   conn
	prefix string
	logger *slog.Logger
}

func NewNATSPublisher(url, prefix string, m ConnMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats_publisher")
	nc, err := nats.Connect(url,
		nats.Name("bustrack"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: c, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) Name() string { return "nats" }

type ArrivalMessage struct {
	RouteID       string        `json:"routeId"`
	BusID         string        `json:"busId"`
	StopName      string        `json:"stopName"`
	ScheduledTime string        `json:"scheduledTime"`
	ActualTime    string        `json:"actualTime"`
	DelayMinutes  int           `json:"delay"`
	Status        domain.Status `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
}

func (p *NATSPublisher) Subject(ev domain.ArrivalEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(ev.RouteID), subjectToken(ev.StopName))
}

// ReportArrival publishes the event. The context is not used: core NATS
// publishes are buffered and never block on the server.
func (p *NATSPublisher) ReportArrival(_ context.Context, ev domain.ArrivalEvent) error {
	b, err := json.Marshal(ArrivalMessage{
		RouteID:       ev.RouteID,
		BusID:         ev.BusID,
		StopName:      ev.StopName,
		ScheduledTime: ev.ScheduledTime,
		ActualTime:    ev.ActualTime,
		DelayMinutes:  ev.DelayMinutes,
		Status:        ev.Status,
		Timestamp:     ev.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	subject := p.Subject(ev)
	if err := p.conn.Publish(subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published arrival", "subject", subject)
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
