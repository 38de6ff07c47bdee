package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartDeadLetterCleaner purges dead-lettered mutations older than
// retention every interval until ctx is done.
func StartDeadLetterCleaner(
	ctx context.Context,
	q *Queue,
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
				removed, err := q.PurgeDeadLetters(ctx, q.now().Add(-retention))
				if err != nil {
					log.Error("failed to purge dead-lettered mutations", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("purged dead-lettered mutations", zap.Int64("removed", removed))
				}
			}
		}
	}()
}
