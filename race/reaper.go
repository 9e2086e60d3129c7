package race

import (
	"context"
	"log"
	"time"
)

// RoomCleaner releases a reaped session's external resources: the race
// room, its spoiler room, and the announcement message. Implementations
// are best-effort; the session is removed regardless.
type RoomCleaner interface {
	CleanupSession(ctx context.Context, s *Session)
}

// Reaper periodically removes finalized sessions once they have been
// idle past the inactivity threshold. It never touches a session that
// is not finalized, and it reuses the store's per-session guard so a
// sweep cannot race an in-flight mutation on the same session.
type Reaper struct {
	store     *Store
	cleaner   RoomCleaner
	threshold time.Duration
	interval  time.Duration
	done      chan struct{}
}

// NewReaper builds a reaper over the store. Zero durations fall back to
// the defaults (10 minute threshold, 1 minute sweep).
func NewReaper(store *Store, cleaner RoomCleaner, threshold, interval time.Duration) *Reaper {
	if threshold <= 0 {
		threshold = DefaultInactivityThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{
		store:     store,
		cleaner:   cleaner,
		threshold: threshold,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start sweeps once immediately, so sessions that crossed the threshold
// while the process was down are reclaimed right away, then keeps
// sweeping on the configured interval until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		r.SweepOnce(ctx, time.Now())
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepOnce(ctx, time.Now())
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic sweep. In-flight cleanup finishes on its own.
func (r *Reaper) Stop() {
	close(r.done)
}

// SweepOnce examines every tracked session and reaps the eligible ones.
func (r *Reaper) SweepOnce(ctx context.Context, now time.Time) {
	for _, channelID := range r.store.ChannelIDs() {
		removed, err := r.store.RemoveIf(ctx, channelID, func(s *Session) bool {
			if !s.Finalized {
				return false
			}
			if now.Sub(s.LastActivity) < r.threshold {
				return false
			}
			if r.cleaner != nil {
				r.cleaner.CleanupSession(ctx, s)
			}
			return true
		})
		if err != nil && removed {
			log.Printf("Reaped race %s but failed to delete durable rows: %v", channelID, err)
		}
		if removed {
			log.Printf("Cleaned up inactive race room %s", channelID)
		}
	}
}
