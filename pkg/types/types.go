// Package types holds the data model shared by every pgkeeper component:
// node identity, the role state machine's alphabet, and the on-disk
// records that make up the keeper's local view of the world.
package types

import "time"

// NodeIdentity uniquely identifies this agent's database within a
// formation. NodeID and GroupID are issued by the coordinator at
// registration; SystemIdentifier comes from the control file and is
// never assigned locally.
type NodeIdentity struct {
	NodeID           int64
	GroupID          int32
	Name             string
	Hostname         string
	Port             uint16
	SystemIdentifier uint64
}

// Role is one element of the agent's finite role alphabet. Every Role is
// valid both as a "current" and as a "goal" (assigned) role.
type Role string

const (
	RoleInit                Role = "init"
	RoleSingle              Role = "single"
	RoleWaitPrimary         Role = "wait_primary"
	RolePrimary             Role = "primary"
	RoleWaitStandby         Role = "wait_standby"
	RoleCatchingUp          Role = "catchingup"
	RoleSecondary           Role = "secondary"
	RolePrepareMaintenance  Role = "prepare_maintenance"
	RoleMaintenance         Role = "maintenance"
	RolePreparePromotion    Role = "prepare_promotion"
	RoleStopReplication     Role = "stop_replication"
	RoleDemoteTimeout       Role = "demote_timeout"
	RoleDemoted             Role = "demoted"
	RoleDraftingReplication Role = "drafting_replication"
	RoleJoinPrimary         Role = "join_primary"
	RoleApplySettings       Role = "apply_settings"
	RoleReportLSN           Role = "report_lsn"
	RoleFastForward         Role = "fast_forward"
	RoleDropped             Role = "dropped"
)

// allRoles enumerates the alphabet for validation and for tests that
// want to iterate over every possible (current, assigned) pair.
var allRoles = []Role{
	RoleInit, RoleSingle, RoleWaitPrimary, RolePrimary, RoleWaitStandby,
	RoleCatchingUp, RoleSecondary, RolePrepareMaintenance, RoleMaintenance,
	RolePreparePromotion, RoleStopReplication, RoleDemoteTimeout,
	RoleDemoted, RoleDraftingReplication, RoleJoinPrimary,
	RoleApplySettings, RoleReportLSN, RoleFastForward, RoleDropped,
}

// Valid reports whether r is a member of the role alphabet.
func (r Role) Valid() bool {
	for _, candidate := range allRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// AllRoles returns a copy of the full role alphabet.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// SyncState mirrors the synchronous replication state reported by the
// database, as sent on every node_active call.
type SyncState string

const (
	SyncStateNone   SyncState = ""
	SyncStateAsync  SyncState = "async"
	SyncStateSync   SyncState = "sync"
	SyncStateQuorum SyncState = "quorum"
)

// KeeperState is the authoritative local cache of the last interaction
// with the coordinator: the on-disk record described by the state-store
// invariants (version-checked, atomically rewritten after every
// successful coordinator RPC and after every transition that mutates the
// local database).
type KeeperState struct {
	Version                   uint16
	CurrentNodeID             int64
	CurrentGroup              int32
	CurrentRole               Role
	AssignedRole              Role
	LastMonitorContactEpoch   int64
	LastSecondaryContactEpoch int64
	XlogLocation              uint64
	PgControlVersion          uint32
	CatalogVersion            uint32
	SystemIdentifier          uint64
	FastForwardSourceNodeID   int64
}

// InitProgress is present only between the first `create` call and the
// first successful reach-initial-state. Its existence on disk is the
// sole signal that an interrupted create must be resumed.
type InitProgress struct {
	PreInitState     Role
	RegistrationTime time.Time
}

// ReportedLSN is one standby's self-reported replication progress,
// exchanged during the ReportLSN/FastForward promotion steps.
type ReportedLSN struct {
	NodeID int64
	LSN    uint64
}

// HighestLSN returns the entry with the greatest LSN, breaking ties by
// the lowest NodeID as required by the promotion tie-break rule. It
// panics on an empty slice; callers must check length first.
func HighestLSN(reports []ReportedLSN) ReportedLSN {
	best := reports[0]
	for _, r := range reports[1:] {
		if r.LSN > best.LSN || (r.LSN == best.LSN && r.NodeID < best.NodeID) {
			best = r
		}
	}
	return best
}
