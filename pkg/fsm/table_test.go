package fsm

import (
	"testing"

	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestNewTable_CanonicalPairsPresent(t *testing.T) {
	table := NewTable()

	canonical := []Transition{
		{types.RoleInit, types.RoleSingle},
		{types.RoleInit, types.RoleWaitStandby},
		{types.RoleWaitStandby, types.RoleCatchingUp},
		{types.RoleCatchingUp, types.RoleSecondary},
		{types.RoleSecondary, types.RolePreparePromotion},
		{types.RolePreparePromotion, types.RoleStopReplication},
		{types.RoleStopReplication, types.RolePrimary},
		{types.RolePrimary, types.RoleDemoteTimeout},
		{types.RoleDemoteTimeout, types.RoleDemoted},
		{types.RoleDemoted, types.RoleCatchingUp},
		{types.RoleSingle, types.RoleWaitPrimary},
		{types.RoleSingle, types.RoleDraftingReplication},
		{types.RoleDraftingReplication, types.RoleWaitPrimary},
		{types.RolePrimary, types.RoleJoinPrimary},
		{types.RoleJoinPrimary, types.RolePrimary},
		{types.RoleSecondary, types.RolePrepareMaintenance},
		{types.RolePrepareMaintenance, types.RoleMaintenance},
		{types.RoleMaintenance, types.RoleSecondary},
		{types.RoleMaintenance, types.RoleCatchingUp},
	}
	for _, tr := range canonical {
		_, ok := table.Lookup(tr.Current, tr.Assigned)
		require.True(t, ok, "missing canonical transition %s", tr)
	}
}

func TestNewTable_DroppedIsTotalOverEveryOtherRole(t *testing.T) {
	table := NewTable()
	for _, r := range types.AllRoles() {
		if r == types.RoleDropped {
			continue
		}
		_, ok := table.Lookup(r, types.RoleDropped)
		require.True(t, ok, "missing *->Dropped transition from %s", r)
	}
}

func TestNewTable_LookupMissingPairIsFalse(t *testing.T) {
	table := NewTable()
	_, ok := table.Lookup(types.RoleSingle, types.RoleCatchingUp)
	require.False(t, ok, "Single->CatchingUp is not a reachable pair and must not silently succeed")
}

func TestTransitionString(t *testing.T) {
	tr := Transition{Current: types.RoleInit, Assigned: types.RoleSingle}
	require.Equal(t, "init->single", tr.String())
}
