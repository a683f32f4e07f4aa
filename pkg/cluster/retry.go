package cluster

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy implements the "interactive variant" backoff used by
// init and drop: exponential backoff with jitter up to an overall
// deadline, stopping immediately on a classified protocol error
// instead of burning the deadline on a request that will never
// succeed.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Deadline  time.Duration
}

// DefaultRetryPolicy matches the init/drop RPC overall deadline
// (60s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Deadline:  60 * time.Second,
	}
}

// Do runs fn, retrying transient-network failures with exponential
// backoff and full jitter until a protocol error, success, the
// deadline, or ctx cancellation.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(deadlineCtx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		jittered := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-deadlineCtx.Done():
			return err
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// isTransient classifies a coordinator RPC error as retryable
// ("transient network") versus a protocol error that should fail
// immediately.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection_exception; 53 is insufficient_resources;
		// 57 includes admin_shutdown/crash_shutdown. Everything else is a
		// protocol-level rejection (bad arguments, constraint violation)
		// that a retry cannot fix.
		class := pgErr.Code[:2]
		switch class {
		case "08", "53", "57":
			return true
		default:
			return false
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}
