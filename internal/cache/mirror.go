package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bustrack/internal/domain"
)

// JSONStore is the subset of RedisCache the mirror and resetter need.
type JSONStore interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Mirror copies route snapshots into the cache so other instances and
// restarted processes can serve the last known state. Writes happen on a
// background goroutine; Broadcast only records the newest snapshot per route.
type Mirror struct {
	cache  JSONStore
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*domain.Snapshot
	signal  chan struct{}
}

func NewMirror(cache JSONStore, ttl time.Duration, logger *slog.Logger) *Mirror {
	return &Mirror{
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With("component", "snapshot_mirror"),
		pending: make(map[string]*domain.Snapshot),
		signal:  make(chan struct{}, 1),
	}
}

// Broadcast never blocks. A snapshot not yet written is replaced by a newer
// one for the same route.
func (m *Mirror) Broadcast(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	m.pending[snap.RouteID] = snap
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run writes pending snapshots until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
			for _, snap := range m.takePending() {
				m.write(ctx, snap)
			}
		}
	}
}

func (m *Mirror) takePending() map[string]*domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = make(map[string]*domain.Snapshot, len(batch))
	return batch
}

func (m *Mirror) write(ctx context.Context, snap *domain.Snapshot) {
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.cache.SetJSON(writeCtx, KeySnapshot(snap.RouteID), snap, m.ttl); err != nil {
		m.logger.Warn("failed to mirror snapshot", "route_id", snap.RouteID, "error", err)
	}
}

func (m *Mirror) WriteCatalog(ctx context.Context, routes []domain.RouteSummary) error {
	start := time.Now()
	if err := m.cache.SetJSON(ctx, KeyRoutes, routes, m.ttl); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	m.logger.Info("mirrored route catalog",
		"routes", len(routes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// LoadSnapshot reads the mirrored snapshot of a route.
func (m *Mirror) LoadSnapshot(ctx context.Context, routeID string) (*domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	found, err := m.cache.GetJSON(ctx, KeySnapshot(routeID), &snap)
	if err != nil || !found {
		return nil, false, err
	}
	return &snap, true, nil
}
