package controlloop

import (
	"context"
	"time"

	"github.com/cuemby/pgkeeper/pkg/cancel"
	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/events"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/metrics"
	"github.com/cuemby/pgkeeper/pkg/state"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the loop's cadence and timeouts.
type Config struct {
	Interval         time.Duration // default 5s
	PartitionTimeout time.Duration // default 20s
	RPCTimeout       time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.PartitionTimeout == 0 {
		c.PartitionTimeout = fsm.DefaultPartitionTimeout
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 30 * time.Second
	}
	return c
}

// PidfileSentinel is the capability the loop uses to re-read the
// pidfile and confirm this process is still the one it names.
// Implemented by pkg/supervisor; injected here so controlloop never
// imports supervisor directly.
type PidfileSentinel interface {
	StillOwnPidfile() bool
}

// ReloadSignal reports and clears the sticky "reload requested" flag
// set by the supervisor's signal handler.
type ReloadSignal interface {
	Pending() bool
	Clear()
}

// Loop is the single-threaded node-active control loop. One Loop
// exists per agent.
type Loop struct {
	cfg Config

	store   *state.Store
	coord   *cluster.Client
	table   fsm.Table
	env     *fsm.Env
	token   *cancel.Token
	pidfile PidfileSentinel
	reload  ReloadSignal

	logger zerolog.Logger
}

// New builds a Loop from its capabilities.
func New(cfg Config, env *fsm.Env, store *state.Store, coord *cluster.Client, token *cancel.Token, pidfile PidfileSentinel, reload ReloadSignal) *Loop {
	return &Loop{
		cfg:     cfg.withDefaults(),
		store:   store,
		coord:   coord,
		table:   fsm.NewTable(),
		env:     env,
		token:   token,
		pidfile: pidfile,
		reload:  reload,
		logger:  log.WithComponent("controlloop"),
	}
}

// Run executes the loop until the cancellation token is tripped or a
// fatal condition is reached (pidfile sentinel failure, Dropped
// reached). Returns the error the caller should translate into an
// exit code; a nil error after cancellation is a clean shutdown.
func (l *Loop) Run(ctx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	if err := l.coord.RecoverAndReconcile(ctx, l.env.Identity.GroupID); err != nil {
		l.logger.Warn().Err(err).Msg("prepared-transaction recovery scan failed, will retry on next restart")
	}

	l.logger.Info().Dur("interval", l.cfg.Interval).Msg("control loop started")

	for {
		runAgain, err := l.iterate(ctx)
		if err != nil {
			return err
		}
		if runAgain {
			continue // step 9: cycle immediately after a successful transition
		}

		select {
		case <-l.token.Done():
			l.logger.Info().Msg("control loop stopping")
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// iterate runs exactly one pass of the nine-step node-active
// iteration. The bool return reports whether the loop should cycle
// immediately (a transition just succeeded) rather than wait for the
// next tick.
func (l *Loop) iterate(ctx context.Context) (bool, error) {
	if l.token.Cancelled() {
		return false, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeActiveDuration)

	// Step 1: reload requested.
	if l.reload != nil && l.reload.Pending() {
		l.logger.Info().Msg("reload requested, re-reading configuration")
		l.reload.Clear()
		// Config reconciliation itself runs through the ApplySettings
		// transition below once currentRole != assignedRole is observed;
		// here we only clear the flag so a second SIGHUP is not silently
		// merged with this one.
	}

	// Step 2: pidfile sentinel.
	if l.pidfile != nil && !l.pidfile.StillOwnPidfile() {
		return false, errs.New(errs.KindInvariantViolation, "pidfile sentinel failed: no longer own the pidfile")
	}
	if l.token.Cancelled() {
		return false, nil
	}

	// Step 3: reload state from disk, never trust the in-memory cache.
	st, err := l.store.Load()
	if err != nil {
		return false, errs.Wrap(errs.KindInvariantViolation, "load keeper state", err)
	}
	if l.token.Cancelled() {
		return false, nil
	}

	// Step 4: refresh local DB facts.
	facts, err := l.refreshFacts(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to refresh local database facts")
	}
	if l.token.Cancelled() {
		return false, nil
	}

	// Step 5: call node_active.
	now := time.Now()
	resp, callErr := l.callNodeActive(ctx, st, facts)
	if callErr == nil {
		st.AssignedRole = resp.AssignedRole
		st.LastMonitorContactEpoch = now.Unix()
		if resp.GroupID != st.CurrentGroup {
			l.logger.Info().Int32("old_group", st.CurrentGroup).Int32("new_group", resp.GroupID).
				Msg("coordinator reassigned this node's group")
			st.CurrentGroup = resp.GroupID
		}
		metrics.CoordinatorCallsTotal.WithLabelValues("node_active", "ok").Inc()
	} else {
		metrics.CoordinatorCallsTotal.WithLabelValues("node_active", "error").Inc()
		l.logger.Warn().Err(callErr).Msg("node_active failed")

		if st.CurrentRole == types.RolePrimary {
			st = l.applyPartitionHeuristic(ctx, st, now)
		}
	}
	if l.token.Cancelled() {
		return false, nil
	}

	l.publishContactMetrics(st)

	// Step 6: ensure current state primes invariants the transition
	// function depends on (e.g. database running when the current role
	// requires it).
	if err := l.ensureCurrentState(ctx, st); err != nil {
		l.logger.Warn().Err(err).Msg("failed to ensure current state")
	}
	if l.token.Cancelled() {
		return false, nil
	}

	// Step 7: run the FSM transition if current != assigned.
	transitioned := false
	if st.CurrentRole != st.AssignedRole {
		reached, terr := l.table.Run(ctx, l.env, st.CurrentRole, st.AssignedRole)
		if terr == nil {
			st.CurrentRole = reached
			transitioned = true
			if reached == types.RoleDropped {
				// Step 8 still persists below before we report terminal.
				if perr := l.store.Store(st); perr != nil {
					l.logger.Error().Err(perr).Msg("failed to persist state after reaching Dropped")
				}
				return false, errs.New(errs.KindDropped, "node reached Dropped role")
			}
		}
	}

	// Step 8: persist state unconditionally, even on failure, to update
	// contact timestamps.
	if err := l.store.Store(st); err != nil {
		return false, errs.Wrap(errs.KindInvariantViolation, "persist keeper state", err)
	}

	// Step 9: cycle immediately after a successful transition.
	return transitioned, nil
}

type localFacts struct {
	running    bool
	inRecovery bool
	timelineID uint32
	lsn        uint64
	syncState  types.SyncState
}

func (l *Loop) refreshFacts(ctx context.Context) (localFacts, error) {
	var f localFacts
	f.running = l.env.DB.IsRunning()
	if !f.running {
		return f, nil // not running is non-fatal
	}

	inRecovery, err := l.env.DB.IsInRecovery(ctx)
	if err != nil {
		return f, err
	}
	f.inRecovery = inRecovery

	lsn, err := l.env.DB.CurrentLSN(ctx)
	if err != nil {
		return f, err
	}
	f.lsn = lsn
	f.syncState = types.SyncStateAsync

	if cd, cerr := l.env.DB.ReadControlFile(ctx); cerr == nil {
		f.timelineID = cd.TimelineID
	}
	return f, nil
}

func (l *Loop) callNodeActive(ctx context.Context, st *types.KeeperState, facts localFacts) (cluster.NodeActiveResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
	defer cancel()

	return l.coord.NodeActive(callCtx, cluster.NodeActiveRequest{
		Formation:   l.env.Config.Formation,
		NodeID:      l.env.Identity.NodeID,
		Group:       l.env.Identity.GroupID,
		CurrentRole: st.CurrentRole,
		PgIsRunning: facts.running,
		TimelineID:  facts.timelineID,
		CurrentLSN:  facts.lsn,
		SyncState:   facts.syncState,
	})
}

// applyPartitionHeuristic runs when a primary cannot reach the
// coordinator: probe for a connected standby before concluding it is
// partitioned. If no standby answers and the partition timeout has
// elapsed, assign DemoteTimeout locally.
func (l *Loop) applyPartitionHeuristic(ctx context.Context, st *types.KeeperState, now time.Time) *types.KeeperState {
	hasStandby, err := l.env.DB.HasConnectedStandby(ctx)
	if err == nil && hasStandby {
		st.LastSecondaryContactEpoch = now.Unix()
	}

	if fsm.PartitionDetected(st, now, l.cfg.PartitionTimeout) {
		l.logger.Warn().Msg("coordinator unreachable and partition timeout exceeded, demoting")
		st.AssignedRole = types.RoleDemoteTimeout
		l.env.Events.Publish(&events.Event{
			Type:    events.EventPartitionTimeout,
			NodeID:  st.CurrentNodeID,
			GroupID: st.CurrentGroup,
			Message: "partition timeout exceeded, self-demoting",
		})
	} else {
		l.logger.Info().Msg("network is healthy")
	}
	return st
}

func (l *Loop) ensureCurrentState(ctx context.Context, st *types.KeeperState) error {
	switch st.CurrentRole {
	case types.RoleSingle, types.RolePrimary, types.RoleSecondary, types.RoleCatchingUp:
		if !l.env.DB.IsRunning() {
			return l.env.DB.Start(ctx)
		}
	}
	return nil
}

func (l *Loop) publishContactMetrics(st *types.KeeperState) {
	roles := roleStrings(types.AllRoles())
	metrics.SetRole(metrics.CurrentRole, roles, string(st.CurrentRole))
	metrics.SetRole(metrics.AssignedRole, roles, string(st.AssignedRole))
	metrics.LastMonitorContactSeconds.Set(float64(st.LastMonitorContactEpoch))
	metrics.LastSecondaryContactSeconds.Set(float64(st.LastSecondaryContactEpoch))
}

func roleStrings(roles []types.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
