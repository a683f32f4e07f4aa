// Package fsm is the table of (current, assigned) role pairs to
// transition procedures. Transitions are the only code in this agent
// allowed to mutate the local database. Built as a genuine map keyed
// by the pair, rather than a big switch on a discriminator, because
// the control loop needs to ask "is there a transition for this pair"
// before running one and because each transition must be testable in
// isolation.
package fsm

import (
	"context"
	"fmt"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/events"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/metrics"
	"github.com/cuemby/pgkeeper/pkg/pgctl"
	"github.com/cuemby/pgkeeper/pkg/security"
	"github.com/cuemby/pgkeeper/pkg/state"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// Transition identifies one (current, assigned) pair in the table.
type Transition struct {
	Current  types.Role
	Assigned types.Role
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%s", t.Current, t.Assigned)
}

// Env bundles the capabilities a transition function needs: the local
// database, the coordinator connection, the state store, this node's
// configuration, the event broker, the node-local CA and the node's
// identity. This interface extraction breaks the init/service/FSM
// dependency cycle — the FSM depends only on these capabilities, never
// on the control loop or init protocol directly.
type Env struct {
	DB       *pgctl.Controller
	Cluster  *cluster.Client
	Store    *state.Store
	Config   *config.Config
	Events   *events.Broker
	CA       *security.CertAuthority
	Identity types.NodeIdentity
}

// Func is one transition procedure. It returns the role actually
// reached (which may differ from the requested Assigned role when the
// transition is only a partial step toward it, e.g.
// CatchingUp->Secondary, which reports CatchingUp while the standby is
// still behind) and an error describing why it could not
// complete. A transition that fails must leave the system in a state
// where re-running it either finishes the work or fails again the
// same diagnosable way.
type Func func(ctx context.Context, env *Env) (types.Role, error)

// Table is the map from (current, assigned) to the procedure that
// realizes it. Unlike a switch statement, Lookup lets callers ask
// "does a transition exist for this pair" before attempting one.
type Table map[Transition]Func

// NewTable builds the canonical transition table.
func NewTable() Table {
	t := Table{}
	t[Transition{types.RoleInit, types.RoleSingle}] = initToSingle
	t[Transition{types.RoleInit, types.RoleWaitStandby}] = initToWaitStandby
	t[Transition{types.RoleWaitStandby, types.RoleCatchingUp}] = waitStandbyToCatchingUp
	t[Transition{types.RoleCatchingUp, types.RoleSecondary}] = catchingUpToSecondary
	t[Transition{types.RoleSingle, types.RoleWaitPrimary}] = singleToWaitPrimary
	t[Transition{types.RoleSingle, types.RoleDraftingReplication}] = singleToDraftingReplication
	t[Transition{types.RoleDraftingReplication, types.RoleWaitPrimary}] = draftingReplicationToWaitPrimary
	t[Transition{types.RoleWaitPrimary, types.RoleSingle}] = waitPrimaryToSingle
	t[Transition{types.RolePrimary, types.RoleSingle}] = primaryToSingle
	t[Transition{types.RolePrimary, types.RoleWaitPrimary}] = primaryHoldForReattach
	t[Transition{types.RolePrimary, types.RoleJoinPrimary}] = primaryToJoinPrimary
	t[Transition{types.RoleJoinPrimary, types.RolePrimary}] = joinPrimaryToPrimary
	t[Transition{types.RolePrimary, types.RolePrepareMaintenance}] = primaryToPrepareMaintenance
	t[Transition{types.RolePrimary, types.RoleDemoted}] = primaryToDemoted
	t[Transition{types.RolePrimary, types.RoleDemoteTimeout}] = primaryToDemoteTimeout
	t[Transition{types.RoleDemoteTimeout, types.RoleDemoted}] = demoteTimeoutToDemoted
	t[Transition{types.RoleDemoted, types.RoleCatchingUp}] = demotedToCatchingUp
	t[Transition{types.RoleSecondary, types.RoleCatchingUp}] = secondaryToCatchingUp
	t[Transition{types.RoleSecondary, types.RolePreparePromotion}] = secondaryToPreparePromotion
	t[Transition{types.RolePreparePromotion, types.RoleStopReplication}] = preparePromotionToStopReplication
	t[Transition{types.RoleStopReplication, types.RolePrimary}] = stopReplicationToPromote
	t[Transition{types.RoleWaitPrimary, types.RolePrimary}] = waitPrimaryToPrimary
	t[Transition{types.RolePreparePromotion, types.RoleReportLSN}] = preparePromotionToReportLSN
	t[Transition{types.RoleReportLSN, types.RoleFastForward}] = reportLSNToFastForward
	t[Transition{types.RoleFastForward, types.RolePreparePromotion}] = fastForwardToPreparePromotion
	t[Transition{types.RoleSecondary, types.RolePrepareMaintenance}] = secondaryToPrepareMaintenance
	t[Transition{types.RolePrepareMaintenance, types.RoleMaintenance}] = prepareMaintenanceToMaintenance
	t[Transition{types.RoleMaintenance, types.RoleSecondary}] = maintenanceToSecondary
	t[Transition{types.RoleMaintenance, types.RoleCatchingUp}] = maintenanceToCatchingUp
	t[Transition{types.RoleSecondary, types.RoleApplySettings}] = toApplySettings
	t[Transition{types.RolePrimary, types.RoleApplySettings}] = toApplySettings
	t[Transition{types.RoleApplySettings, types.RoleSecondary}] = applySettingsDone
	t[Transition{types.RoleApplySettings, types.RolePrimary}] = applySettingsDone

	// *->Dropped is total over every current role: stop the database,
	// notify the coordinator, exit with the dropped code.
	for _, current := range types.AllRoles() {
		if current == types.RoleDropped {
			continue
		}
		t[Transition{current, types.RoleDropped}] = toDropped
	}

	// Pass-through steps: reaching an intermediate role when we are
	// already there is a no-op, keeping the table total over every
	// reachable pair.
	for _, r := range []types.Role{
		types.RolePreparePromotion, types.RoleStopReplication, types.RoleWaitPrimary,
		types.RoleReportLSN, types.RoleFastForward, types.RoleDemoteTimeout,
	} {
		t[Transition{r, r}] = noopReaching(r)
	}

	return t
}

// Lookup returns the transition function for (current, assigned), and
// whether one exists. The control loop checks this before running a
// transition.
func (t Table) Lookup(current, assigned types.Role) (Func, bool) {
	fn, ok := t[Transition{current, assigned}]
	return fn, ok
}

// Run executes the transition for (current, assigned) if one exists,
// recording metrics and the structured "transitionFailed"/succeeded
// outcome the control loop needs.
func (t Table) Run(ctx context.Context, env *Env, current, assigned types.Role) (types.Role, error) {
	fn, ok := t.Lookup(current, assigned)
	logger := log.WithRoles(string(current), string(assigned))
	if !ok {
		logger.Error().Msg("no transition defined for this pair")
		return current, fmt.Errorf("fsm: no transition from %s to %s", current, assigned)
	}

	name := Transition{current, assigned}.String()
	timer := metrics.NewTimer()
	env.publish(events.EventTransitionStarted, fmt.Sprintf("starting %s", name), logger)

	reached, err := fn(ctx, env)
	timer.ObserveDurationVec(metrics.TransitionDuration, name)

	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(name, "failed").Inc()
		env.publish(events.EventTransitionFailed, err.Error(), logger)
		logger.Error().Err(err).Str("transition", name).Msg("transition failed")
		return current, err
	}

	metrics.TransitionsTotal.WithLabelValues(name, "succeeded").Inc()
	env.publish(events.EventTransitionSucceeded, fmt.Sprintf("reached %s", reached), logger)
	logger.Info().Str("transition", name).Str("reached", string(reached)).Msg("transition succeeded")
	return reached, nil
}

func (e *Env) publish(kind events.EventType, msg string, logger zerolog.Logger) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(&events.Event{
		Type:    kind,
		NodeID:  e.Identity.NodeID,
		GroupID: e.Identity.GroupID,
		Message: msg,
	})
}

// noopReaching returns a transition function that performs no work
// and reports r as reached, for pairs where current already equals
// assigned.
func noopReaching(r types.Role) Func {
	return func(_ context.Context, _ *Env) (types.Role, error) {
		return r, nil
	}
}
