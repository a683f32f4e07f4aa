package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "pgdata")
	require.NoError(t, os.MkdirAll(dataDir, 0700))
	return New(config.Paths{DataDir: dataDir, Name: "node1"})
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := &types.KeeperState{
		CurrentNodeID:             1,
		CurrentGroup:              0,
		CurrentRole:               types.RoleSingle,
		AssignedRole:              types.RoleSingle,
		LastMonitorContactEpoch:   1700000000,
		LastSecondaryContactEpoch: 0,
		XlogLocation:              123456,
		PgControlVersion:          1300,
		CatalogVersion:            202307,
		SystemIdentifier:          7777777777,
	}
	require.NoError(t, s.Store(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want.CurrentNodeID, got.CurrentNodeID)
	require.Equal(t, want.CurrentRole, got.CurrentRole)
	require.Equal(t, want.AssignedRole, got.AssignedRole)
	require.Equal(t, want.XlogLocation, got.XlogLocation)
	require.Equal(t, want.SystemIdentifier, got.SystemIdentifier)
}

func TestStoreUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(&types.KeeperState{CurrentRole: types.RoleInit, AssignedRole: types.RoleInit}))

	got, err := s.Update(WithAssignedRole(types.RoleSingle), WithMonitorContact(42))
	require.NoError(t, err)
	require.Equal(t, types.RoleSingle, got.AssignedRole)
	require.Equal(t, int64(42), got.LastMonitorContactEpoch)

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, types.RoleSingle, reloaded.AssignedRole)
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestLoadRejectsMajorVersionMismatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(&types.KeeperState{CurrentRole: types.RoleInit, AssignedRole: types.RoleInit}))

	data, err := os.ReadFile(s.paths.StateFile())
	require.NoError(t, err)
	data[4] = 0xFF // corrupt versionMajor's high byte
	require.NoError(t, os.WriteFile(s.paths.StateFile(), data, 0600))

	_, err = s.Load()
	require.Error(t, err)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestInitFileLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.ReadInit()
	require.NoError(t, err)
	require.False(t, found)

	ip := &types.InitProgress{PreInitState: types.RoleWaitStandby, RegistrationTime: time.Now()}
	require.NoError(t, s.WriteInit(ip))

	got, found, err := s.ReadInit()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.RoleWaitStandby, got.PreInitState)

	require.NoError(t, s.RemoveInit())
	_, found, err = s.ReadInit()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.RemoveInit()) // removing again is not an error
}
