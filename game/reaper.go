package game

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically removes empty and over-age rooms from the registry.
// Empty rooms are normally deleted the moment they empty; the sweep's
// empty-room branch is a safety net for races, while age-based expiry is the
// only path that removes a non-empty stale room.
type Reaper struct {
	registry *Registry
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper sweeping every interval, expiring rooms older
// than maxAge.
func NewReaper(registry *Registry, interval, maxAge time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep performs one reaping pass and returns the removed room ids.
func (r *Reaper) Sweep() []string {
	removed := r.registry.ReapRooms(r.maxAge)
	for _, id := range removed {
		r.logger.Info("room reaped", zap.String("room_id", id))
	}

	stats := r.registry.Stats()
	r.logger.Info("server status",
		zap.Int("players", stats.Players),
		zap.Int("rooms", stats.Rooms))
	return removed
}
