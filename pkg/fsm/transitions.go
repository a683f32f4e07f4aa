package fsm

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/metrics"
	"github.com/cuemby/pgkeeper/pkg/security"
	"github.com/cuemby/pgkeeper/pkg/state"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/jackc/pgx/v5"
)

// initToSingle implements "Init -> Single": initdb if
// the data directory is empty, apply baseline configuration, start
// the server, create the replication and application roles/database,
// install required extensions, and emit a self-signed certificate when
// configured. Settings are written before Start and no restart step
// follows, so on a server that is already running, settings that need
// a restart (such as shared_preload_libraries) do not take effect in
// this transition.
func initToSingle(ctx context.Context, env *Env) (types.Role, error) {
	empty, err := dataDirEmpty(env.Config.PGData)
	if err != nil {
		return types.RoleInit, errs.Wrap(errs.KindDBControl, "stat data directory", err)
	}

	if empty {
		if err := runInitdb(ctx, env); err != nil {
			return types.RoleInit, err
		}
	}

	if _, err := env.DB.ApplySettings(ctx); err != nil {
		return types.RoleInit, errs.Wrap(errs.KindDBControl, "apply baseline configuration", err)
	}

	if err := env.DB.Start(ctx); err != nil {
		return types.RoleInit, err
	}

	if err := bootstrapRoles(ctx, env); err != nil {
		return types.RoleInit, err
	}

	if env.Config.SSLSelfSigned {
		if err := issueServerCertificate(ctx, env); err != nil {
			return types.RoleInit, err
		}
	}

	return types.RoleSingle, nil
}

func dataDirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

// runInitdb invokes initdb against an empty data directory. A crash
// here leaves either an empty directory (safe to retry) or a complete
// one (dataDirEmpty then returns false and the retry skips straight
// past it), never a half-initialized one that initdb itself would
// refuse to continue.
func runInitdb(ctx context.Context, env *Env) error {
	if err := env.DB.Initdb(ctx); err != nil {
		return errs.Wrap(errs.KindDBControl, "initdb", err)
	}
	return nil
}

// bootstrapRoles creates the replication role, the application role
// and database, and installs required extensions. Only the extension
// statement uses IF NOT EXISTS; for the role and database statements
// pgctl.Bootstrap ignores already-exists errors, so a retry after a
// crash mid-bootstrap completes the remaining steps instead of
// erroring on the ones already done.
func bootstrapRoles(ctx context.Context, env *Env) error {
	return env.DB.Bootstrap(ctx, pgctlBootstrapSpec(env.Config))
}

func pgctlBootstrapSpec(cfg *config.Config) []string {
	return []string{
		`CREATE ROLE pgkeeper_replication WITH REPLICATION LOGIN`,
		`CREATE ROLE pgkeeper_app WITH LOGIN`,
		`CREATE DATABASE pgkeeper_app OWNER pgkeeper_app`,
		`CREATE EXTENSION IF NOT EXISTS pg_stat_statements`,
	}
}

// issueServerCertificate bootstraps (or reloads) the node-local CA and
// issues the server certificate. The CA's root key is protected at
// rest with a key derived from the data directory's system identifier,
// so this can only run once initdb has produced a control file — which
// Init->Single guarantees by ordering it after the server start.
func issueServerCertificate(ctx context.Context, env *Env) error {
	if env.CA == nil {
		return errs.New(errs.KindBadConfig, "ssl_self_signed requested but no certificate authority configured")
	}

	cd, err := env.DB.ReadControlFile(ctx)
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "read control file for certificate key derivation", err)
	}
	if err := security.SetLocalEncryptionKey(security.DeriveKeyFromSystemIdentifier(cd.SystemIdentifier)); err != nil {
		return errs.Wrap(errs.KindBadConfig, "set certificate encryption key", err)
	}

	certDir := config.Paths{DataDir: env.Config.PGData, Name: env.Config.Name}.CertDir()
	if !env.CA.IsInitialized() {
		if err := env.CA.LoadFromDir(certDir); err != nil {
			if err := env.CA.Initialize(env.Identity.Name); err != nil {
				return errs.Wrap(errs.KindBadConfig, "initialize certificate authority", err)
			}
			if err := env.CA.SaveToDir(certDir); err != nil {
				return errs.Wrap(errs.KindBadConfig, "persist certificate authority", err)
			}
		}
	}

	_, err = env.CA.IssueServerCertificate(env.Identity.Name, []string{env.Config.Hostname}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return errs.Wrap(errs.KindBadConfig, "issue server certificate", err)
	}
	return nil
}

// initToWaitStandby implements "Init -> WaitStandby": wait, via
// notification plus timeout poll, for the coordinator to signal that
// the upstream primary has prepared our replication slot and HBA
// entry.
func initToWaitStandby(ctx context.Context, env *Env) (types.Role, error) {
	changed, err := env.Cluster.WaitForStateChange(ctx, env.Config.Formation, env.Identity.GroupID, env.Identity.NodeID, 5*time.Second)
	if err != nil {
		return types.RoleWaitStandby, err
	}
	if !changed {
		return types.RoleWaitStandby, nil // still waiting; not an error
	}
	return types.RoleWaitStandby, nil
}

// waitStandbyToCatchingUp implements "WaitStandby -> CatchingUp":
// query the coordinator for the primary, base-backup into the local
// data directory, install standby signaling and primary connection
// info pointing at the issued slot, start the server in recovery.
func waitStandbyToCatchingUp(ctx context.Context, env *Env) (types.Role, error) {
	slotName := env.Config.ReplicationSlotPrefix + "_" + env.Identity.Name

	primaryConn, err := env.Cluster.GetCoordinator(ctx)
	if err != nil {
		return types.RoleWaitStandby, err
	}

	empty, err := dataDirEmpty(env.Config.PGData)
	if err != nil {
		return types.RoleWaitStandby, errs.Wrap(errs.KindDBControl, "stat data directory", err)
	}
	if empty {
		if err := env.DB.BaseBackup(ctx, primaryConn, slotName); err != nil {
			return types.RoleWaitStandby, errs.Wrap(errs.KindDBControl, "base backup", err)
		}
	}

	if err := env.DB.ConfigureStandby(ctx, primaryConn, slotName); err != nil {
		return types.RoleWaitStandby, errs.Wrap(errs.KindDBControl, "configure standby", err)
	}

	if err := env.DB.Start(ctx); err != nil {
		return types.RoleWaitStandby, err
	}

	inRecovery, err := env.DB.IsInRecovery(ctx)
	if err != nil {
		return types.RoleWaitStandby, err
	}
	if !inRecovery {
		return types.RoleWaitStandby, errs.New(errs.KindDBControl, "expected standby to be in recovery after base backup")
	}

	return types.RoleCatchingUp, nil
}

// catchingUpToSecondary implements "CatchingUp -> Secondary": report
// Secondary once this standby has caught up to within
// catchUpThresholdBytes; otherwise remain in CatchingUp (no error —
// just not yet done). The replication slot on the primary is not
// checked.
func catchingUpToSecondary(ctx context.Context, env *Env) (types.Role, error) {
	lag, err := env.DB.ReplicationLagBytes(ctx)
	if err != nil {
		return types.RoleCatchingUp, err
	}
	metrics.ReplicationLagBytes.Set(float64(lag))
	if lag > catchUpThresholdBytes {
		return types.RoleCatchingUp, nil
	}
	return types.RoleSecondary, nil
}

// catchUpThresholdBytes bounds how far behind a standby may be before
// it is considered caught up; generous enough to tolerate a brief
// burst of write traffic without flapping between CatchingUp and
// Secondary.
const catchUpThresholdBytes = 16 * 1024 * 1024

// primaryHoldForReattach implements the graceful half of "Primary ->
// WaitPrimary": report WaitPrimary without stopping the local server.
// It makes no coordinator call; promotion is not blocked from here
// while standbys reattach.
func primaryHoldForReattach(ctx context.Context, env *Env) (types.Role, error) {
	return types.RoleWaitPrimary, nil
}

// singleToWaitPrimary runs when a second node registers: the
// coordinator asks the sole primary to hold for the incoming standby.
// The replication slot itself is created from the standby side during
// its base backup; locally the only precondition is a running server.
func singleToWaitPrimary(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Start(ctx); err != nil {
		return types.RoleSingle, err
	}
	return types.RoleWaitPrimary, nil
}

// waitPrimaryToSingle runs when the would-be standby disappeared
// before ever attaching; the node simply resumes life as the sole
// member of its group.
func waitPrimaryToSingle(ctx context.Context, env *Env) (types.Role, error) {
	return types.RoleSingle, nil
}

// primaryToSingle runs when the last standby is removed from the
// group: nothing changes locally, the server keeps accepting writes.
func primaryToSingle(ctx context.Context, env *Env) (types.Role, error) {
	return types.RoleSingle, nil
}

// singleToDraftingReplication prepares a sole primary for its first
// standby: re-render the replication-relevant settings (WAL level,
// slot support) and reload or restart as those settings require.
func singleToDraftingReplication(ctx context.Context, env *Env) (types.Role, error) {
	restartNeeded, err := env.DB.ApplySettings(ctx)
	if err != nil {
		return types.RoleSingle, err
	}
	if restartNeeded {
		if err := env.DB.Restart(ctx); err != nil {
			return types.RoleSingle, err
		}
	} else if err := env.DB.Reload(ctx); err != nil {
		return types.RoleSingle, err
	}
	return types.RoleDraftingReplication, nil
}

// draftingReplicationToWaitPrimary hands over to the hold-for-standby
// phase once replication support is in place.
func draftingReplicationToWaitPrimary(ctx context.Context, env *Env) (types.Role, error) {
	return types.RoleWaitPrimary, nil
}

// primaryToJoinPrimary runs while a brand-new node base-backups off
// this primary: verify we really are the write side before the
// coordinator points the joiner at us.
func primaryToJoinPrimary(ctx context.Context, env *Env) (types.Role, error) {
	isPrimary, err := env.DB.IsPrimary(ctx)
	if err != nil {
		return types.RolePrimary, err
	}
	if !isPrimary {
		return types.RolePrimary, errs.New(errs.KindDBControl, "assigned JoinPrimary but local server is in recovery")
	}
	return types.RoleJoinPrimary, nil
}

// joinPrimaryToPrimary resumes normal primary duty once the joiner has
// attached (or given up).
func joinPrimaryToPrimary(ctx context.Context, env *Env) (types.Role, error) {
	return types.RolePrimary, nil
}

// primaryToPrepareMaintenance reports PrepareMaintenance for a graceful
// transition into maintenance, leaving the server running. It makes no
// coordinator call; promotion is not blocked from here.
func primaryToPrepareMaintenance(ctx context.Context, env *Env) (types.Role, error) {
	return types.RolePrepareMaintenance, nil
}

// primaryToDemoted implements the graceful demote: stop the database
// to guarantee no further writes, matching hard-demote
// guarantee even though this path was reached voluntarily.
func primaryToDemoted(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Stop(ctx); err != nil {
		return types.RolePrimary, err
	}
	return types.RoleDemoted, nil
}

// primaryToDemoteTimeout is the partition heuristic's hard demote:
// stop the database immediately to guarantee no writes before the
// next loop iteration completes.
func primaryToDemoteTimeout(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Stop(ctx); err != nil {
		return types.RolePrimary, err
	}
	return types.RoleDemoteTimeout, nil
}

// demoteTimeoutToDemoted finalizes a partition-triggered demote once
// connectivity and coordinator confirmation return.
func demoteTimeoutToDemoted(ctx context.Context, env *Env) (types.Role, error) {
	return types.RoleDemoted, nil
}

// demotedToCatchingUp rejoins a demoted ex-primary as a standby of the
// group's new primary: rewind against it (the demoted timeline may
// have WAL the new primary never saw), reinstall the standby signal
// pointing at the issued slot, and come back up in recovery.
func demotedToCatchingUp(ctx context.Context, env *Env) (types.Role, error) {
	primary, err := currentGroupPrimary(ctx, env)
	if err != nil {
		return types.RoleDemoted, err
	}

	slotName := env.Config.ReplicationSlotPrefix + "_" + env.Identity.Name
	primaryConn := fmt.Sprintf("host=%s port=%d dbname=postgres", primary.Hostname, primary.Port)
	if err := env.DB.FastForwardFrom(ctx, primaryConn, slotName); err != nil {
		return types.RoleDemoted, err
	}
	return types.RoleCatchingUp, nil
}

// currentGroupPrimary resolves the identity of whichever node in this
// group currently holds the write side, per the coordinator's view.
func currentGroupPrimary(ctx context.Context, env *Env) (*types.NodeIdentity, error) {
	rows, err := env.Cluster.GetState(ctx, env.Config.Formation, env.Identity.GroupID)
	if err != nil {
		return nil, err
	}
	var primaryID int64
	for _, row := range rows {
		switch row.CurrentRole {
		case types.RoleSingle, types.RoleWaitPrimary, types.RolePrimary, types.RoleJoinPrimary:
			primaryID = row.NodeID
		}
	}
	if primaryID == 0 {
		return nil, errs.New(errs.KindCoordinator, "no primary registered in this group yet")
	}

	nodes, err := env.Cluster.GetNodes(ctx, env.Config.Formation)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].NodeID == primaryID {
			return &nodes[i], nil
		}
	}
	return nil, errs.New(errs.KindCoordinator, "primary node no longer registered")
}

// secondaryToPreparePromotion begins the "Secondary -> Primary"
// promotion sequence. The coordinator has already decided, via
// node_active, that this standby is a promotion candidate; the actual
// LSN exchange and tie-break happen in the ReportLSN/FastForward steps
// below, so there is no local work here yet.
func secondaryToPreparePromotion(ctx context.Context, env *Env) (types.Role, error) {
	return types.RolePreparePromotion, nil
}

// preparePromotionToReportLSN captures this node's own LSN, persists
// it, and publishes it to the coordinator as part of the fast-forward
// exchange, so every promotion candidate's progress is visible before
// the tie-break runs.
func preparePromotionToReportLSN(ctx context.Context, env *Env) (types.Role, error) {
	lsn, err := env.DB.CurrentLSN(ctx)
	if err != nil {
		return types.RolePreparePromotion, err
	}
	if _, err := env.Store.Update(state.WithXlogLocation(lsn)); err != nil {
		return types.RolePreparePromotion, err
	}
	if err := env.Cluster.ReportLSN(ctx, env.Config.Formation, env.Identity.GroupID, env.Identity.NodeID, lsn); err != nil {
		return types.RolePreparePromotion, err
	}
	return types.RoleReportLSN, nil
}

// reportLSNToFastForward gathers every other promotion candidate's
// reported LSN and applies the highest-LSN/lowest-nodeId tie-break. A
// node that is itself the winner has nothing to fast-forward against
// and loops back into PreparePromotion to continue toward
// StopReplication/Promote; any other node records the winner as its
// fast-forward source and moves into FastForward to catch up.
func reportLSNToFastForward(ctx context.Context, env *Env) (types.Role, error) {
	st, err := env.Store.Load()
	if err != nil {
		return types.RoleReportLSN, err
	}

	peers, err := groupPromotionPeers(ctx, env)
	if err != nil {
		return types.RoleReportLSN, err
	}
	reports := GatherReportedLSN(ctx, env, peers, func(qctx context.Context, nodeID int64) (uint64, error) {
		return env.Cluster.ReportedLSN(qctx, env.Config.Formation, env.Identity.GroupID, nodeID)
	})
	reports = append(reports, types.ReportedLSN{NodeID: env.Identity.NodeID, LSN: st.XlogLocation})

	winner := ChoosePromotionCandidate(reports)
	if winner.NodeID == env.Identity.NodeID {
		return types.RolePreparePromotion, nil
	}

	if _, err := env.Store.Update(state.WithFastForwardSource(winner.NodeID)); err != nil {
		return types.RoleReportLSN, err
	}
	return types.RoleFastForward, nil
}

// groupPromotionPeers lists the node ids of every other node in this
// group still participating in the promotion sequence, the candidate
// set reportLSNToFastForward gathers LSN reports from.
func groupPromotionPeers(ctx context.Context, env *Env) ([]int64, error) {
	rows, err := env.Cluster.GetState(ctx, env.Config.Formation, env.Identity.GroupID)
	if err != nil {
		return nil, err
	}
	var peers []int64
	for _, row := range rows {
		if row.NodeID == env.Identity.NodeID {
			continue
		}
		switch row.CurrentRole {
		case types.RoleSecondary, types.RolePreparePromotion, types.RoleReportLSN, types.RoleFastForward:
			peers = append(peers, row.NodeID)
		}
	}
	return peers, nil
}

// fastForwardToPreparePromotion replays the WAL segments this node is
// missing relative to the winning candidate recorded by
// reportLSNToFastForward, via pg_rewind, then returns to
// PreparePromotion to resume the sequence (where it will lose the next
// tie-break to the now-current winner and eventually settle back to
// Secondary once the coordinator reassigns it there).
func fastForwardToPreparePromotion(ctx context.Context, env *Env) (types.Role, error) {
	st, err := env.Store.Load()
	if err != nil {
		return types.RoleFastForward, err
	}
	if st.FastForwardSourceNodeID == 0 {
		// Nothing recorded to catch up against (e.g. resumed after a crash
		// between FastForward steps): rejoin the sequence and let the next
		// ReportLSN round recompute the tie-break.
		return types.RolePreparePromotion, nil
	}

	nodes, err := env.Cluster.GetNodes(ctx, env.Config.Formation)
	if err != nil {
		return types.RoleFastForward, err
	}
	var source *types.NodeIdentity
	for i := range nodes {
		if nodes[i].NodeID == st.FastForwardSourceNodeID {
			source = &nodes[i]
			break
		}
	}
	if source == nil {
		return types.RoleFastForward, errs.New(errs.KindCoordinator, "fast-forward source node no longer registered")
	}

	sourceConn := fmt.Sprintf("host=%s port=%d dbname=postgres", source.Hostname, source.Port)
	slotName := env.Config.ReplicationSlotPrefix + "_" + env.Identity.Name
	if err := env.DB.FastForwardFrom(ctx, sourceConn, slotName); err != nil {
		return types.RoleFastForward, err
	}

	if _, err := env.Store.Update(state.WithFastForwardSource(0)); err != nil {
		return types.RoleFastForward, err
	}
	return types.RolePreparePromotion, nil
}

// preparePromotionToStopReplication stops replication from the old
// primary as the immediate predecessor of promotion.
func preparePromotionToStopReplication(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.StopReplication(ctx); err != nil {
		return types.RolePreparePromotion, err
	}
	return types.RoleStopReplication, nil
}

// stopReplicationToPromote runs the actual pg_promote and commits the
// cluster-metadata update via the two-phase helper in pkg/cluster
// keyed by groupId, so a crash between promotion and acknowledging the
// coordinator is safely retried rather than double-promoted.
func stopReplicationToPromote(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Promote(ctx); err != nil {
		return types.RoleStopReplication, err
	}

	if err := env.Cluster.CommitClusterUpdate(ctx, env.Identity.GroupID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`SELECT pgkeeper.acknowledge_promotion($1,$2)`, env.Config.Formation, env.Identity.NodeID)
		return err
	}); err != nil {
		return types.RoleStopReplication, err
	}

	return types.RoleWaitPrimary, nil
}

// waitPrimaryToPrimary finalizes promotion once standbys have
// reattached (or the coordinator confirms no standbys are expected).
func waitPrimaryToPrimary(ctx context.Context, env *Env) (types.Role, error) {
	return types.RolePrimary, nil
}

// prepareMaintenanceToMaintenance finishes the voluntary maintenance
// transition: the server is stopped so the operator can work on the
// host without the agent fighting them over it.
func prepareMaintenanceToMaintenance(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Stop(ctx); err != nil {
		return types.RolePrepareMaintenance, err
	}
	return types.RoleMaintenance, nil
}

// secondaryToPrepareMaintenance is the standby-side entry into
// maintenance; the coordinator has already adjusted
// synchronous_standby_names on the primary so losing this standby
// does not block commits.
func secondaryToPrepareMaintenance(ctx context.Context, env *Env) (types.Role, error) {
	return types.RolePrepareMaintenance, nil
}

// secondaryToCatchingUp runs when the coordinator observes this
// standby has fallen behind or lost its stream: drop back into the
// catch-up checks until the lag threshold holds again.
func secondaryToCatchingUp(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Start(ctx); err != nil {
		return types.RoleSecondary, err
	}
	return types.RoleCatchingUp, nil
}

// maintenanceToSecondary resumes normal standby duty after
// maintenance by starting the server; it does not check that
// replication is flowing.
func maintenanceToSecondary(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Start(ctx); err != nil {
		return types.RoleMaintenance, err
	}
	return types.RoleSecondary, nil
}

// maintenanceToCatchingUp is the long-maintenance variant of the
// resume path: the standby was down long enough that the coordinator
// wants the lag threshold re-proven before calling it Secondary again.
func maintenanceToCatchingUp(ctx context.Context, env *Env) (types.Role, error) {
	if err := env.DB.Start(ctx); err != nil {
		return types.RoleMaintenance, err
	}
	inRecovery, err := env.DB.IsInRecovery(ctx)
	if err != nil {
		return types.RoleMaintenance, err
	}
	if !inRecovery {
		return types.RoleMaintenance, errs.New(errs.KindDBControl, "expected standby to be in recovery after maintenance")
	}
	return types.RoleCatchingUp, nil
}

// toApplySettings re-renders configuration from state + config ahead
// of a reload/restart.
func toApplySettings(ctx context.Context, env *Env) (types.Role, error) {
	restartNeeded, err := env.DB.ApplySettings(ctx)
	if err != nil {
		return types.RoleApplySettings, err
	}
	if restartNeeded {
		if err := env.DB.Restart(ctx); err != nil {
			return types.RoleApplySettings, err
		}
	} else if err := env.DB.Reload(ctx); err != nil {
		return types.RoleApplySettings, err
	}
	return types.RoleApplySettings, nil
}

// applySettingsDone leaves ApplySettings for Primary when the local
// server reports itself as primary, and for Secondary otherwise.
func applySettingsDone(ctx context.Context, env *Env) (types.Role, error) {
	isPrimary, err := env.DB.IsPrimary(ctx)
	if err != nil {
		return types.RoleApplySettings, err
	}
	if isPrimary {
		return types.RolePrimary, nil
	}
	return types.RoleSecondary, nil
}

// toDropped implements "* -> Dropped": stop the database, notify the
// coordinator that Dropped was reached, and let the caller (control
// loop) translate success into the process exit with the dropped
// code, so a reported Dropped role is always trustworthy.
func toDropped(ctx context.Context, env *Env) (types.Role, error) {
	// reachedBeforeDrop: never claim Dropped without the coordinator's
	// acknowledgment, so a failed attempt here is retried on the next
	// tick instead of silently marking the node dropped.
	const reachedBeforeDrop = types.RoleDemoted

	if err := env.DB.Stop(ctx); err != nil {
		return reachedBeforeDrop, err
	}
	if _, err := env.Cluster.NodeActive(ctx, cluster.NodeActiveRequest{
		Formation:   env.Config.Formation,
		NodeID:      env.Identity.NodeID,
		Group:       env.Identity.GroupID,
		CurrentRole: types.RoleDropped,
		PgIsRunning: false,
	}); err != nil {
		return reachedBeforeDrop, err
	}
	return types.RoleDropped, nil
}
