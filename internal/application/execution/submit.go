package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
)

// submitWithRetry places an order, retrying transient failures with capped
// exponential backoff. The client order id stays the same across attempts.
// It returns the number of attempts made.
func (e *Engine) submitWithRetry(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, int, error) {
	var placed domain.PlacedOrder
	attempts, err := e.retry(ctx, "submit", func() error {
		var err error
		placed, err = e.venue.Submit(ctx, req)
		if err == nil && placed.VenueOrderID == "" {
			err = &domain.PermanentExecutionError{Op: "submit", Err: errors.New("venue returned no order id")}
		}
		return err
	})
	return placed, attempts, err
}

func (e *Engine) cancelWithRetry(ctx context.Context, venueOrderID string) error {
	_, err := e.retry(ctx, "cancel", func() error {
		return e.venue.Cancel(ctx, venueOrderID)
	})
	return err
}

// retry runs fn up to MaxAttempts times. Only *domain.TransientExecutionError
// is retried; anything else is returned immediately.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return attempt + 1, nil
		}
		if !domain.IsTransient(err) {
			return attempt + 1, err
		}
		lastErr = err
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		wait := e.backoff(attempt)
		metrics.SubmitRetries.Inc()
		slog.Warn("execution: transient error, retrying",
			"op", op,
			"attempt", attempt+1,
			"wait", wait,
			"err", err,
		)
		if err := e.sleep(ctx, wait); err != nil {
			return attempt + 1, fmt.Errorf("%s interrupted: %w", op, err)
		}
	}
	return e.cfg.MaxAttempts, fmt.Errorf("%s failed after %d attempts: %w", op, e.cfg.MaxAttempts, lastErr)
}

// backoff returns base × 2^attempt, capped at MaxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return e.cfg.MaxBackoff
	}
	wait := e.cfg.BaseBackoff << attempt
	if wait <= 0 || wait > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return wait
}

// sleepCtx espera d respetando el contexto.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
