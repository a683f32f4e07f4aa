package fsm

import (
	"context"
	"time"

	"github.com/cuemby/pgkeeper/pkg/types"
)

// ChoosePromotionCandidate implements promotion
// tie-break: the standby with the greatest reported LSN is promoted;
// ties are broken by the lowest nodeId for a deterministic outcome
// across repeated runs of the same scenario. Panics if reports is
// empty; callers must gather at least one report first.
func ChoosePromotionCandidate(reports []types.ReportedLSN) types.ReportedLSN {
	return types.HighestLSN(reports)
}

// GatherReportedLSN collects the current LSN from every standby the
// coordinator lists as still attached to this group, used by
// ReportLSN/FastForward exchange. Standbys that do not answer within
// the per-call timeout are simply omitted, matching the "proceed with
// whoever answered" semantics of a promotion that must not stall
// forever on a partitioned peer.
func GatherReportedLSN(ctx context.Context, env *Env, standbyIDs []int64, query func(ctx context.Context, nodeID int64) (uint64, error)) []types.ReportedLSN {
	var out []types.ReportedLSN
	for _, id := range standbyIDs {
		callCtx, cancel := context.WithTimeout(ctx, reportLSNTimeout)
		lsn, err := query(callCtx, id)
		cancel()
		if err != nil {
			continue
		}
		out = append(out, types.ReportedLSN{NodeID: id, LSN: lsn})
	}
	return out
}

// reportLSNTimeout bounds how long the coordinator (or this node, when
// acting as the promotion initiator) waits for one standby's LSN
// report before moving on without it.
const reportLSNTimeout = 5 * time.Second
