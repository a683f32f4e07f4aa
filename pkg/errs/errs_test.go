package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want ExitCode
	}{
		{nil, ExitOK},
		{New(KindBadConfig, "no monitor URI"), ExitBadConfig},
		{New(KindInvariantViolation, "pidfile mismatch"), ExitBadState},
		{New(KindCoordinator, "register failed"), ExitCoordinatorError},
		{New(KindDBControl, "pg_start"), ExitDBControlError},
		{New(KindDBClient, "query failed"), ExitDBClientError},
		{New(KindDropped, "node dropped"), ExitDropped},
		{errors.New("plain error"), ExitInternalError},
		{New(KindTransientIO, "disk hiccup"), ExitInternalError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ExitCodeFor(c.err), "error %v", c.err)
	}
}

func TestExitCodeFor_WrappedError(t *testing.T) {
	inner := New(KindDropped, "node dropped")
	wrapped := fmt.Errorf("while tearing down: %w", inner)
	require.Equal(t, ExitDropped, ExitCodeFor(wrapped))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(KindTransientIO, "flaky disk")))
	require.True(t, Retryable(New(KindDBClient, "conn reset")))
	require.False(t, Retryable(New(KindBadConfig, "bad auth")))
	require.False(t, Retryable(New(KindInvariantViolation, "no")))
	require.False(t, Retryable(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindDBControl, "initdb", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "db-control")
	require.Contains(t, err.Error(), "initdb")
	require.Contains(t, err.Error(), "root cause")
}

func TestKindString(t *testing.T) {
	require.Equal(t, "bad-config", KindBadConfig.String())
	require.Equal(t, "dropped", KindDropped.String())
	require.Equal(t, "internal-error", KindUnknown.String())
}
