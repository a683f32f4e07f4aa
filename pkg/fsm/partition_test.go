package fsm

import (
	"testing"
	"time"

	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestPartitionDetected_BothTimestampsRequired(t *testing.T) {
	now := time.Unix(10_000, 0)

	st := &types.KeeperState{
		LastMonitorContactEpoch:   0,
		LastSecondaryContactEpoch: 0,
	}
	require.False(t, PartitionDetected(st, now, DefaultPartitionTimeout),
		"a node that has never contacted anyone must not self-demote")

	st = &types.KeeperState{
		LastMonitorContactEpoch:   now.Add(-time.Hour).Unix(),
		LastSecondaryContactEpoch: 0,
	}
	require.False(t, PartitionDetected(st, now, DefaultPartitionTimeout),
		"a zero secondary-contact timestamp must not count as a partition even if the monitor is stale")
}

func TestPartitionDetected_RequiresBothContactsStale(t *testing.T) {
	now := time.Unix(10_000, 0)

	st := &types.KeeperState{
		LastMonitorContactEpoch:   now.Add(-30 * time.Second).Unix(),
		LastSecondaryContactEpoch: now.Add(-1 * time.Second).Unix(),
	}
	require.False(t, PartitionDetected(st, now, DefaultPartitionTimeout),
		"a recently-contacted standby means the network is healthy, per scenario 4")

	st = &types.KeeperState{
		LastMonitorContactEpoch:   now.Add(-1 * time.Second).Unix(),
		LastSecondaryContactEpoch: now.Add(-30 * time.Second).Unix(),
	}
	require.False(t, PartitionDetected(st, now, DefaultPartitionTimeout),
		"a recently-contacted coordinator keeps the primary from self-demoting even with a stale standby")
}

func TestChoosePromotionCandidate_TieBreakByLowestNodeID(t *testing.T) {
	reports := []types.ReportedLSN{
		{NodeID: 3, LSN: 100},
		{NodeID: 1, LSN: 100},
		{NodeID: 2, LSN: 90},
	}
	got := ChoosePromotionCandidate(reports)
	require.Equal(t, int64(1), got.NodeID, "ties on LSN must break to the lowest nodeId")
}

func TestChoosePromotionCandidate_HighestLSNWins(t *testing.T) {
	reports := []types.ReportedLSN{
		{NodeID: 5, LSN: 50},
		{NodeID: 1, LSN: 200},
	}
	got := ChoosePromotionCandidate(reports)
	require.Equal(t, int64(1), got.NodeID)
	require.Equal(t, uint64(200), got.LSN)
}
