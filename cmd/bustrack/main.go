package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bustrack/internal/archive"
	"bustrack/internal/cache"
	"bustrack/internal/catalog"
	"bustrack/internal/config"
	"bustrack/internal/domain"
	"bustrack/internal/handler"
	"bustrack/internal/hub"
	"bustrack/internal/metrics"
	"bustrack/internal/middleware"
	"bustrack/internal/publisher"
	"bustrack/internal/store"
	"bustrack/internal/tracker"
	"bustrack/pkg/gpsapi"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bustrack server",
		"version", version,
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"gps_api", cfg.GPSAPIBaseURL,
		"poll_interval", cfg.PollInterval,
		"timezone", cfg.Location.String(),
	)

	routes, err := catalog.Load(cfg.RoutesFile)
	if err != nil {
		logger.Error("failed to load route catalog", "file", cfg.RoutesFile, "error", err)
		os.Exit(1)
	}
	selected, err := routes.Select(cfg.TrackedRoutes)
	if err != nil {
		logger.Error("invalid TRACKED_ROUTES", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(cfg.PollInterval, cfg.ArrivalRadiusMeters, cfg.JumpRejectionMeters)

	apiClient := gpsapi.New(cfg.GPSAPIBaseURL, cfg.GPSRequestTimeout)

	trk := tracker.New(apiClient, tracker.Config{
		ArrivalRadiusMeters: cfg.ArrivalRadiusMeters,
		JumpRejectionMeters: cfg.JumpRejectionMeters,
		Thresholds: domain.Thresholds{
			DelayMinutes: cfg.DelayThresholdMinutes,
			EarlyMinutes: cfg.EarlyThresholdMinutes,
		},
		ReportTimeout: 10 * time.Second,
		Location:      cfg.Location,
	}, logger)
	trk.SetMetrics(collector)

	if cfg.ReportArrivals {
		trk.AddReporter(apiClient)
	}

	var natsPub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		natsPub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, collector, logger)
		if err != nil {
			logger.Warn("nats unavailable, arrival stream disabled", "error", err)
		} else {
			trk.AddReporter(natsPub)
			logger.Info("publishing arrivals to nats", "subject_prefix", cfg.NATSSubject)
		}
	}

	var arch *archive.Archive
	if cfg.DatabaseURL != "" {
		arch, err = archive.Open(ctx, cfg.DatabaseURL, cfg.Location, logger)
		if err == nil {
			err = arch.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("postgres unavailable, arrival archive disabled", "error", err)
			if arch != nil {
				arch.Close()
				arch = nil
			}
		} else {
			trk.AddReporter(arch)
			logger.Info("archiving arrivals to postgres")
		}
	}

	snapshotStore := store.New()
	wsHub := hub.NewHub(logger)
	wsHub.SetMetrics(collector)
	trk.AddBroadcaster(snapshotStore)
	trk.AddBroadcaster(wsHub)

	var (
		redisCache *cache.RedisCache
		mirror     *cache.Mirror
	)
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, snapshot mirror disabled", "error", err)
		} else {
			mirror = cache.NewMirror(redisCache, cfg.CacheTTL, logger)
			trk.AddBroadcaster(mirror)
			logger.Info("redis snapshot mirror enabled", "addr", cfg.RedisAddr)
		}
	}

	httpHandler := handler.NewHTTPHandler(routes, snapshotStore, trk, cfg.Location, logger)
	if mirror != nil {
		httpHandler.WithFallback(mirror)
	}
	if arch != nil {
		httpHandler.WithHistory(arch)
	}
	wsHandler := handler.NewWSHandler(wsHub, snapshotStore, logger)
	healthHandler := handler.NewHealthHandler(trk, snapshotStore)
	statsHandler := handler.NewStatsHandler(snapshotStore, trk, len(routes.IDs()), version)

	api := http.NewServeMux()

	api.HandleFunc("GET /v1/routes", httpHandler.ListRoutes)
	api.HandleFunc("GET /v1/routes/{id}", httpHandler.GetRoute)
	api.HandleFunc("GET /v1/routes/{id}/arrivals", httpHandler.RouteArrivals)
	api.HandleFunc("POST /v1/routes/{id}/reset", httpHandler.ResetRoute)
	api.HandleFunc("GET /v1/arrivals", httpHandler.ListArrivals)
	api.HandleFunc("GET /v1/arrivals/history", httpHandler.ArrivalHistory)
	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger)
	limiter.OnBlocked = handler.ServerStats.IncRateLimitBlocked

	var apiHandler http.Handler = handler.GzipMiddleware(api)
	if cfg.RateLimitPerWindow > 0 {
		apiHandler = limiter.Middleware(apiHandler)
	}
	apiHandler = handler.CORSMiddleware(apiHandler)
	apiHandler = handler.RequestLogger(logger)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", apiHandler)
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = collector.Serve(cfg.MetricsAddr, logger)
	} else {
		mux.Handle("GET /metrics", collector.Handler())
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)

	if mirror != nil {
		go mirror.Run(ctx)
		summaries := make([]domain.RouteSummary, 0, len(routes.IDs()))
		for _, r := range routes.List() {
			summaries = append(summaries, r.Summary())
		}
		if err := mirror.WriteCatalog(ctx, summaries); err != nil {
			logger.Warn("failed to mirror route catalog", "error", err)
		}
	}

	for _, route := range selected {
		if _, err := trk.Start(ctx, route, cfg.PollInterval); err != nil {
			logger.Error("failed to start tracking", "route_id", route.ID, "error", err)
			os.Exit(1)
		}
	}

	if cfg.DailyReset {
		var resetCache cache.JSONStore
		if redisCache != nil {
			resetCache = redisCache
		}
		go cache.NewDailyResetter(trk, cfg.Location, resetCache, logger).Run(ctx)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	trk.StopAll()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if natsPub != nil {
		natsPub.Close()
	}
	if arch != nil {
		arch.Close()
	}
	if redisCache != nil {
		redisCache.Close()
	}

	logger.Info("shutdown complete")
}
