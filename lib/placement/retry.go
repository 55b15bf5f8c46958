// Copyright (C) The Hostpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"context"
	"time"

	"github.com/hostpool/hostpool/lib/ctxlog"
)

// backoffDelay returns the delay before retry number attempt
// (1-based): 2s, 4s, 6s, ...
func backoffDelay(attempt int) time.Duration {
	return time.Duration(2*attempt) * time.Second
}

// runWithRetry runs op up to maxAttempts times, sleeping
// backoffDelay(attempt) between tries. It gives up early when
// retryable(err) is false or ctx is done, and returns op's last
// error.
func runWithRetry(ctx context.Context, maxAttempts int, label string, retryable func(error) bool, op func() error) error {
	logger := ctxlog.FromContext(ctx).WithField("Operation", label)
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt >= maxAttempts {
			return err
		}
		delay := backoffDelay(attempt)
		logger.WithError(err).WithField("Attempt", attempt).Infof("retrying in %s", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// sleepCtx sleeps for d, or until ctx is done, whichever comes
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
