package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"secureshare/metrics"
	"secureshare/svc/db"
	"secureshare/svc/util"

	"github.com/pkg/errors"
)

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner runs the periodic hard delete of long-expired secrets.
// Retention keeps rows around after expiry so owners still see denials and
// audit history before the row disappears.
func StartCleaner(ctx context.Context, db *db.SQLite, interval, retention time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, db, interval, retention)
	})
	return nil
}

func runCleaner(ctx context.Context, db *db.SQLite, interval, retention time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := db.CleanupExpired(ctx, retention)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
