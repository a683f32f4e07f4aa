package initprotocol

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/state"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*state.Store, config.Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := config.Paths{DataDir: filepath.Join(dir, "pgdata"), Name: "node1"}
	return state.New(paths), paths
}

func TestReachInitialState_AlreadyConvergedRemovesInitFile(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Store(&types.KeeperState{
		CurrentNodeID: 1, CurrentGroup: 1,
		CurrentRole: types.RoleSingle, AssignedRole: types.RoleSingle,
	}))
	require.NoError(t, store.WriteInit(&types.InitProgress{PreInitState: types.RoleInit}))

	table := fsm.Table{}
	env := &fsm.Env{Identity: types.NodeIdentity{NodeID: 1, GroupID: 1}}

	require.NoError(t, reachInitialState(context.Background(), env, table, store, types.RoleInit))

	_, exists, err := store.ReadInit()
	require.NoError(t, err)
	require.False(t, exists, "init file must be removed once current already equals assigned")
}

func TestReachInitialState_PartialProgressKeepsInitFile(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Store(&types.KeeperState{
		CurrentNodeID: 1, CurrentGroup: 1,
		CurrentRole: types.RoleInit, AssignedRole: types.RoleSecondary,
	}))
	require.NoError(t, store.WriteInit(&types.InitProgress{PreInitState: types.RoleInit}))

	table := fsm.Table{
		fsm.Transition{Current: types.RoleInit, Assigned: types.RoleSecondary}: func(_ context.Context, _ *fsm.Env) (types.Role, error) {
			return types.RoleWaitStandby, nil // multi-step: only partial progress this call
		},
	}
	env := &fsm.Env{Identity: types.NodeIdentity{NodeID: 1, GroupID: 1}}

	require.NoError(t, reachInitialState(context.Background(), env, table, store, types.RoleInit))

	_, exists, err := store.ReadInit()
	require.NoError(t, err)
	require.True(t, exists, "init file must remain while the initial assignment is only partially realized")

	st, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, types.RoleWaitStandby, st.CurrentRole)
}

func TestReachInitialState_FullyConvergesAndRemovesInitFile(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Store(&types.KeeperState{
		CurrentNodeID: 1, CurrentGroup: 1,
		CurrentRole: types.RoleInit, AssignedRole: types.RoleSingle,
	}))
	require.NoError(t, store.WriteInit(&types.InitProgress{PreInitState: types.RoleInit}))

	table := fsm.Table{
		fsm.Transition{Current: types.RoleInit, Assigned: types.RoleSingle}: func(_ context.Context, _ *fsm.Env) (types.Role, error) {
			return types.RoleSingle, nil
		},
	}
	env := &fsm.Env{Identity: types.NodeIdentity{NodeID: 1, GroupID: 1}}

	require.NoError(t, reachInitialState(context.Background(), env, table, store, types.RoleInit))

	_, exists, err := store.ReadInit()
	require.NoError(t, err)
	require.False(t, exists)
}
