// Package retryutil implements bounded retry with a fixed delay between
// attempts and a predicate deciding which failures are worth retrying.
package retryutil

import (
	"context"
	"log/slog"
	"time"
)

type Options struct {
	// Name tags log lines, e.g. "connection_destroy" or "sheets_append".
	Name string
	// Attempts is the total number of tries including the first one.
	Attempts int
	// Delay is the fixed pause between consecutive attempts.
	Delay time.Duration
	// Retryable reports whether a failure should be retried. Nil means
	// every failure is retryable.
	Retryable func(error) bool
	Logger    *slog.Logger
}

func normalize(opts Options) Options {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Name == "" {
		opts.Name = "retry"
	}
	return opts
}

// Do runs fn up to opts.Attempts times and returns the last error.
// It stops early when the context is canceled or when Retryable rejects
// the failure.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	opts = normalize(opts)

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.Attempts {
			break
		}
		if opts.Logger != nil {
			opts.Logger.Warn(opts.Name+"_retry", "attempt", attempt, "delay", opts.Delay.String(), "error", lastErr.Error())
		}
		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	if opts.Logger != nil {
		opts.Logger.Warn(opts.Name+"_retries_exhausted", "attempts", opts.Attempts, "error", lastErr.Error())
	}
	return lastErr
}
