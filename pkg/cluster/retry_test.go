package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsTransient_ClassifiesPgErrorCodes(t *testing.T) {
	cases := []struct {
		code      string
		transient bool
	}{
		{"08006", true},  // connection_exception
		{"53300", true},  // insufficient_resources
		{"57P01", true},  // admin_shutdown
		{"23505", false}, // unique_violation
		{"42601", false}, // syntax_error
	}
	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code}
		require.Equal(t, tc.transient, isTransient(err), "code %s", tc.code)
	}
}

func TestIsTransient_ClassifiesNetTimeoutAndStringPatterns(t *testing.T) {
	require.True(t, isTransient(fakeTimeoutErr{}))
	require.True(t, isTransient(errors.New("dial tcp: connection refused")))
	require.True(t, isTransient(errors.New("read: connection reset by peer")))
	require.True(t, isTransient(context.DeadlineExceeded))
	require.False(t, isTransient(errors.New("permission denied")))
}

func TestRetryPolicy_Do_StopsImmediatelyOnNonTransientError(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Deadline: time.Second}
	attempts := 0
	permanent := &pgconn.PgError{Code: "42601"}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestRetryPolicy_Do_RetriesTransientErrorsUntilSuccess(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Deadline: time.Second}
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicy_Do_GivesUpAtDeadline(t *testing.T) {
	p := RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Deadline: 20 * time.Millisecond}
	err := p.Do(context.Background(), func(ctx context.Context) error {
		return &pgconn.PgError{Code: "08006"}
	})
	require.Error(t, err)
}
