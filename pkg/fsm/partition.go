package fsm

import (
	"time"

	"github.com/cuemby/pgkeeper/pkg/types"
)

// DefaultPartitionTimeout is the interval after which a primary
// unable to contact both the coordinator and a standby must
// self-demote.
const DefaultPartitionTimeout = 20 * time.Second

// PartitionDetected compares the partition timeout against
// now-max(lastMonitorContactEpoch, lastSecondaryContactEpoch), so it
// reports a partition only when both the coordinator and the standby
// have been out of contact for longer than timeout. Both timestamps
// must be non-zero so a node that has never yet contacted anyone does
// not immediately self-demote on its very first tick.
func PartitionDetected(st *types.KeeperState, now time.Time, timeout time.Duration) bool {
	if st.LastMonitorContactEpoch == 0 || st.LastSecondaryContactEpoch == 0 {
		return false
	}

	latest := st.LastMonitorContactEpoch
	if st.LastSecondaryContactEpoch > latest {
		latest = st.LastSecondaryContactEpoch
	}
	return now.Sub(time.Unix(latest, 0)) > timeout
}
