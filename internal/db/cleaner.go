package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StartSoftDeleteCleaner purges entities deleted more than retention ago,
// every interval, until ctx is cancelled.
func StartSoftDeleteCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := PurgeDeleted(ctx, db, time.Now().Add(-retention))
				if err != nil {
					log.Error("failed to purge deleted entities", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("purged deleted entities", zap.Int64("removed", removed))
				}
			}
		}
	}()
}

// PurgeDeleted hard-deletes entity tombstones older than cutoff and
// returns how many rows were removed.
func PurgeDeleted(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM entities WHERE deleted = true AND deleted_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge deleted entities: %w", err)
	}
	return res.RowsAffected()
}
