package controlloop

import (
	"testing"
	"time"

	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 5*time.Second, cfg.Interval)
	require.Equal(t, 20*time.Second, cfg.PartitionTimeout)
	require.Equal(t, 30*time.Second, cfg.RPCTimeout)

	cfg = Config{Interval: time.Second, PartitionTimeout: time.Minute, RPCTimeout: 2 * time.Minute}.withDefaults()
	require.Equal(t, time.Second, cfg.Interval)
	require.Equal(t, time.Minute, cfg.PartitionTimeout)
	require.Equal(t, 2*time.Minute, cfg.RPCTimeout)
}

func TestRoleStrings(t *testing.T) {
	roles := []types.Role{types.RoleInit, types.RoleSingle}
	out := roleStrings(roles)
	require.Equal(t, []string{"init", "single"}, out)
}
