package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestChoosePromotionCandidate_Deterministic(t *testing.T) {
	reports := []types.ReportedLSN{
		{NodeID: 9, LSN: 40},
		{NodeID: 4, LSN: 40},
	}
	first := ChoosePromotionCandidate(reports)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, ChoosePromotionCandidate(reports))
	}
}

func TestGatherReportedLSN_OmitsPeersThatFail(t *testing.T) {
	lsns := map[int64]uint64{1: 10, 2: 20, 3: 30}
	query := func(ctx context.Context, nodeID int64) (uint64, error) {
		if nodeID == 2 {
			return 0, errors.New("peer unreachable")
		}
		return lsns[nodeID], nil
	}

	reports := GatherReportedLSN(context.Background(), nil, []int64{1, 2, 3}, query)
	require.Equal(t, []types.ReportedLSN{{NodeID: 1, LSN: 10}, {NodeID: 3, LSN: 30}}, reports)
}

func TestGatherReportedLSN_PerCallDeadlinePropagates(t *testing.T) {
	query := func(ctx context.Context, nodeID int64) (uint64, error) {
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline, "each per-peer query must carry its own deadline")
		return 1, nil
	}
	reports := GatherReportedLSN(context.Background(), nil, []int64{7}, query)
	require.Len(t, reports, 1)
}

func TestGatherReportedLSN_EmptyPeerSet(t *testing.T) {
	query := func(ctx context.Context, nodeID int64) (uint64, error) {
		t.Fatal("query must not be called for an empty peer set")
		return 0, nil
	}
	require.Empty(t, GatherReportedLSN(context.Background(), nil, nil, query))
}
