package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d - status: %s", e.Code, e.Status)
}

// isTransient reports whether a fetch failure is worth one more attempt:
// timeouts, 5xx and 429.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryOnce runs fn and, on a transient error, waits backoff and runs it a
// second time. Cancellation of ctx stops immediately.
func retryOnce[T any](ctx context.Context, backoff time.Duration, logger *slog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	val, err := fn(ctx)
	if err == nil || ctx.Err() != nil || !isTransient(err) {
		return val, err
	}

	logger.Warn("retrying fetch", "operation", op, "error", err)

	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		var zero T
		return zero, err
	case <-timer.C:
	}

	return fn(ctx)
}
