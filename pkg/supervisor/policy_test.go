package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRestartPolicy_ShouldRestart(t *testing.T) {
	cases := []struct {
		policy   RestartPolicy
		exitErr  error
		restart  bool
	}{
		{Permanent, nil, true},
		{Permanent, errors.New("boom"), true},
		{Transient, nil, false},
		{Transient, errors.New("boom"), true},
		{Temporary, nil, false},
		{Temporary, errors.New("boom"), false},
	}
	for _, c := range cases {
		require.Equal(t, c.restart, c.policy.shouldRestart(c.exitErr), "policy=%s err=%v", c.policy, c.exitErr)
	}
}

func TestRestartPolicy_String(t *testing.T) {
	require.Equal(t, "permanent", Permanent.String())
	require.Equal(t, "transient", Transient.String())
	require.Equal(t, "temporary", Temporary.String())
}
