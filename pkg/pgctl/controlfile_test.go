package pgctl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleReport = `pg_control version number:            1300
Catalog version number:               202307071
Database system identifier:           7398521904123456789
Database cluster state:               in production
Latest checkpoint's TimeLineID:       3
Latest checkpoint location:           5/A1B2C3D4
`

func TestParseControlData(t *testing.T) {
	cd, err := parseControlData(sampleReport)
	require.NoError(t, err)
	require.EqualValues(t, 1300, cd.ControlVersion)
	require.EqualValues(t, 202307071, cd.CatalogVersion)
	require.EqualValues(t, 7398521904123456789, cd.SystemIdentifier)
	require.EqualValues(t, 3, cd.TimelineID)
	require.Equal(t, uint64(5)<<32|0xA1B2C3D4, cd.CheckpointLSN)
}

func TestParseControlDataMissingIdentifier(t *testing.T) {
	_, err := parseControlData("pg_control version number: 1300\n")
	require.Error(t, err)
}

func TestParseLSN(t *testing.T) {
	lsn, ok := parseLSN("0/16B3748")
	require.True(t, ok)
	require.Equal(t, uint64(0x16B3748), lsn)

	_, ok = parseLSN("not-an-lsn")
	require.False(t, ok)
}
