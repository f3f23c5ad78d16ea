package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// JobExpirePasses is the name of the annual pass expiry sweep.
const JobExpirePasses = "expire_passes"

// PassExpirer expires passes whose validity ended before now.
type PassExpirer interface {
	ExpirePasses(ctx context.Context, now time.Time) (int, error)
}

// ExpirePasses returns the job that sweeps lapsed annual passes.
func ExpirePasses(ledger PassExpirer, now func() time.Time) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := ledger.ExpirePasses(ctx, now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("expired lapsed passes", "count", n)
		}
		return nil
	}
}
