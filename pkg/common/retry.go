package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// ConnectWithRetry calls connect with exponential backoff until it succeeds,
// maxElapsed passes, or ctx is canceled. It is meant for startup dependencies
// (database, brokers) that may come up after this process does.
func ConnectWithRetry(
	ctx context.Context,
	log *logger.Logger,
	target string,
	maxElapsed time.Duration,
	connect func(ctx context.Context) error,
) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 2 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		if err := connect(ctx); err != nil {
			log.Warn(ctx, "connection attempt failed, will retry",
				"target", target,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}
