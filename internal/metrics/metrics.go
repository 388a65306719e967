package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions prometheus.Gauge

	Polls         *prometheus.CounterVec // result label: ok|fetch_error|malformed|skipped|discarded
	FetchDuration prometheus.Histogram

	Arrivals       *prometheus.CounterVec // route, status
	JumpsRejected  *prometheus.CounterVec // route
	DistanceMeters *prometheus.GaugeVec   // route
	Resets         *prometheus.CounterVec // reason label: manual|daily|restart

	Reports        *prometheus.CounterVec // reporter, result
	ReportDuration prometheus.Histogram

	NATSConnected prometheus.Gauge
	WSClients     prometheus.Gauge

	PollInterval  prometheus.Gauge // seconds
	ArrivalRadius prometheus.Gauge // meters
	JumpRejection prometheus.Gauge // meters
}

func NewCollector(pollInterval time.Duration, arrivalRadius, jumpRejection float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_active_sessions",
			Help: "Number of running tracking sessions.",
		}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_polls_total",
			Help: "Location polls by outcome.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_fetch_duration_seconds",
			Help:    "Duration of latest-location fetches.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_arrivals_total",
			Help: "First arrivals recorded, by route and schedule status.",
		}, []string{"route", "status"}),
		JumpsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_jumps_rejected_total",
			Help: "Displacements discarded as GPS jumps.",
		}, []string{"route"}),
		DistanceMeters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bustrack_distance_meters",
			Help: "Accumulated distance of the current session.",
		}, []string{"route"}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_session_resets_total",
			Help: "Session resets by reason.",
		}, []string{"reason"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_arrival_reports_total",
			Help: "Arrival reports by reporter and result.",
		}, []string{"reporter", "result"}),
		ReportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_arrival_report_duration_seconds",
			Help:    "Duration of a single arrival report.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_ws_clients",
			Help: "Connected websocket clients.",
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_poll_interval_seconds",
			Help: "Configured poll interval in seconds.",
		}),
		ArrivalRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_arrival_radius_meters",
			Help: "Configured arrival detection radius.",
		}),
		JumpRejection: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_jump_rejection_meters",
			Help: "Configured jump rejection ceiling.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions,
		c.Polls,
		c.FetchDuration,
		c.Arrivals,
		c.JumpsRejected,
		c.DistanceMeters,
		c.Resets,
		c.Reports,
		c.ReportDuration,
		c.NATSConnected,
		c.WSClients,
		c.PollInterval,
		c.ArrivalRadius,
		c.JumpRejection,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.ArrivalRadius.Set(arrivalRadius)
	c.JumpRejection.Set(jumpRejection)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

// NATSSetConnected adapts the collector to the publisher's metrics hooks.
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
