package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/metal-stack/backup-engine/cmd/internal/database"
	"go.uber.org/zap"
)

var (
	probeInterval = 3 * time.Second
)

// Start probes the database until it answers or the context is done
func Start(ctx context.Context, log *zap.SugaredLogger, db database.Prober) error {
	log.Info("start probing database")

	err := retry.Do(func() error {
		return db.Probe(ctx)
	},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(probeInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Errorw("database is not yet available, waiting and retrying...", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("database did not become available: %w", err)
	}

	log.Info("database is now available")

	return nil
}
