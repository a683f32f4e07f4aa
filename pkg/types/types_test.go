package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoleValid(t *testing.T) {
	for _, r := range AllRoles() {
		require.True(t, r.Valid(), "role %s should be valid", r)
	}
	require.False(t, Role("").Valid())
	require.False(t, Role("coordinator").Valid())
}

func TestAllRolesReturnsACopy(t *testing.T) {
	first := AllRoles()
	first[0] = Role("mutated")
	require.Equal(t, RoleInit, AllRoles()[0])
}

func TestHighestLSN(t *testing.T) {
	reports := []ReportedLSN{
		{NodeID: 5, LSN: 90},
		{NodeID: 2, LSN: 120},
		{NodeID: 8, LSN: 120},
	}
	best := HighestLSN(reports)
	require.Equal(t, int64(2), best.NodeID, "ties break toward the lowest node id")
	require.Equal(t, uint64(120), best.LSN)
}

func TestHighestLSN_SingleEntry(t *testing.T) {
	best := HighestLSN([]ReportedLSN{{NodeID: 1, LSN: 7}})
	require.Equal(t, int64(1), best.NodeID)
}
