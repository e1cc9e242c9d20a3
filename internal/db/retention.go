package db

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup,
// deleting any canonical logs whose ExpiresAt is in the past.
func runRetentionOnce(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&CanonicalLog{})
	return res.RowsAffected, res.Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day until ctx is done.
func StartRetentionWorker(ctx context.Context, db *gorm.DB, log *zap.SugaredLogger) {
	go func() {
		if n, err := runRetentionOnce(ctx, db, time.Now()); err != nil {
			log.Errorf("retention cleanup error (startup): %v", err)
		} else if n > 0 {
			log.Infof("retention cleanup removed %d logs", n)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				n, err := runRetentionOnce(ctx, db, t)
				if err != nil {
					log.Errorf("retention cleanup error: %v", err)
					continue
				}
				if n > 0 {
					log.Infof("retention cleanup removed %d logs", n)
				}
			}
		}
	}()
}
