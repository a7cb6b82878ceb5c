// Package reaper stops sessions that have gone idle past a configured
// threshold so abandoned compute units do not accumulate.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/atelier/internal/lifecycle"
	"github.com/atelier-dev/atelier/internal/workspace"
)

// Config tunes the sweep cadence and the idle cutoff.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		IdleThreshold: 15 * time.Minute,
	}
}

type Reaper struct {
	store   *workspace.Store
	manager *lifecycle.Manager
	cfg     Config
}

func New(store *workspace.Store, manager *lifecycle.Manager, cfg Config) *Reaper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	return &Reaper{store: store, manager: manager, cfg: cfg}
}

// Run sweeps on a fixed interval until the context is canceled. The first
// sweep happens after one full interval, not at startup, so freshly
// reconciled sessions get a chance to report activity.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	log.Info().
		Dur("interval", r.cfg.Interval).
		Dur("idle_threshold", r.cfg.IdleThreshold).
		Msg("reaper_started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper_stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep stops every active session whose last activity is at or past the
// idle threshold. Failures are logged and left for the next sweep; one
// stuck session never blocks the rest.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.IdleThreshold)
	sessions, err := r.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("idle_session_listing_failed")
		return
	}
	for _, sess := range sessions {
		if err := r.manager.Stop(ctx, sess.ID, lifecycle.ReasonIdle); err != nil {
			log.Warn().
				Str("session_id", sess.ID).
				Err(err).
				Msg("idle_session_stop_failed")
			continue
		}
		log.Info().
			Str("session_id", sess.ID).
			Time("last_activity", sess.LastActivity).
			Msg("session_reaped")
	}
}
