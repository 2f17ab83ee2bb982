package httpserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/storage"
)

// JanitorConfig controls expired paste reclamation.
type JanitorConfig struct {
	Store    storage.Store
	Interval time.Duration
	// Grace keeps pastes for a while past expiry before they are deleted.
	Grace   time.Duration
	Timeout time.Duration
	Clock   func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// RunJanitor deletes expired pastes every interval until ctx is done. Reads
// already treat expired pastes as missing, so this only reclaims space.
func RunJanitor(ctx context.Context, cfg JanitorConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cleanOnce(ctx, cfg)
		}
	}
}

func cleanOnce(ctx context.Context, cfg JanitorConfig) int {
	c, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if cfg.Metrics != nil {
		cfg.Metrics.JanitorRuns.Inc()
	}
	removed, err := cfg.Store.DeleteExpired(c, cfg.Clock().Add(-cfg.Grace))
	if err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.StoreErrors.WithLabelValues("delete_expired").Inc()
		}
		cfg.Logger.Error().Err(err).Msg("janitor error")
		return 0
	}
	if removed > 0 {
		if cfg.Metrics != nil {
			cfg.Metrics.JanitorReclaimed.Add(float64(removed))
		}
		cfg.Logger.Info().Int("count", removed).Msg("janitor removed expired pastes")
	}
	return removed
}
