package initprotocol

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/state"
	"github.com/cuemby/pgkeeper/pkg/types"
)

// Create runs the 3-state registration story against env's database
// and coordinator, then synchronously drives the first
// FSM transition (reach_initial_state) so a failure at create time is
// reported to the operator directly instead of surfacing later inside
// the control loop.
func Create(ctx context.Context, env *fsm.Env, table fsm.Table, store *state.Store) error {
	logger := log.WithComponent("initprotocol")

	if progress, resuming, err := store.ReadInit(); err != nil {
		return err
	} else if resuming {
		logger.Info().Str("pre_init_state", string(progress.PreInitState)).Msg("resuming interrupted create")
		if st, serr := store.Load(); serr == nil && st.CurrentGroup != 0 {
			if rerr := env.Cluster.RecoverAndReconcile(ctx, st.CurrentGroup); rerr != nil {
				logger.Warn().Err(rerr).Msg("prepared-transaction recovery scan failed, will retry on next restart")
			}
		}
		return reachInitialState(ctx, env, table, store, progress.PreInitState)
	}

	desiredRole, identity, err := classify(ctx, env)
	if err != nil {
		return err
	}

	var resp cluster.RegisterResponse
	retry := cluster.DefaultRetryPolicy()
	err = retry.Do(ctx, func(callCtx context.Context) error {
		var rerr error
		resp, rerr = env.Cluster.Register(callCtx, cluster.RegisterRequest{
			Formation:   env.Config.Formation,
			Group:       env.Config.Group,
			DesiredRole: desiredRole,
			Identity:    identity,
		})
		return rerr
	})
	if err != nil {
		return errs.Wrap(errs.KindCoordinator, "register node", err)
	}

	env.Identity.NodeID = resp.NodeID
	env.Identity.GroupID = resp.GroupID

	if err := store.WriteInit(&types.InitProgress{
		PreInitState:     desiredRole,
		RegistrationTime: time.Now(),
	}); err != nil {
		return err
	}

	if _, err := store.Update(
		state.WithIdentity(resp.NodeID, resp.GroupID, identity.SystemIdentifier),
		state.WithCurrentRole(desiredRole),
		state.WithAssignedRole(resp.AssignedRole),
	); err != nil {
		return err
	}

	return reachInitialState(ctx, env, table, store, desiredRole)
}

// classify implements the 3-state registration decision.
func classify(ctx context.Context, env *fsm.Env) (types.Role, types.NodeIdentity, error) {
	identity := env.Identity
	identity.Name = env.Config.Name
	identity.Hostname = env.Config.Hostname
	identity.Port = env.Config.PGPort

	empty, err := dataDirEmpty(env.Config.PGData)
	if err != nil {
		return "", identity, errs.Wrap(errs.KindDBControl, "stat data directory", err)
	}

	if empty {
		// Case 2: fresh data directory. The coordinator picks Single or
		// WaitStandby.
		return types.RoleInit, identity, nil
	}

	isPrimary, err := env.DB.IsPrimary(ctx)
	if err == nil && isPrimary && env.DB.IsRunning() {
		// Case 1: data directory exists and the DB is already running as
		// primary. Register directly as Single.
		return types.RoleSingle, identity, nil
	}

	// Case 3: data directory exists but the DB is not running. Read the
	// control file for the system identifier; the coordinator accepts
	// this node only if the group is empty or the identifier matches.
	cd, err := env.DB.ReadControlFile(ctx)
	if err != nil {
		return "", identity, errs.Wrap(errs.KindDBControl, "read control file", err)
	}
	identity.SystemIdentifier = cd.SystemIdentifier
	return types.RoleInit, identity, nil
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

// reachInitialState runs the first FSM transition synchronously
// (current=preInit, assigned=whatever the coordinator already
// assigned in state) and removes the init file on success, matching
// the invariant that the init file never exists after a successful
// reach_initial_state.
func reachInitialState(ctx context.Context, env *fsm.Env, table fsm.Table, store *state.Store, preInit types.Role) error {
	st, err := store.Load()
	if err != nil {
		return err
	}

	if st.CurrentRole == st.AssignedRole {
		return store.RemoveInit()
	}

	reached, err := table.Run(ctx, env, st.CurrentRole, st.AssignedRole)
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "reach initial state", err)
	}

	if _, err := store.Update(state.WithCurrentRole(reached)); err != nil {
		return err
	}

	if reached != st.AssignedRole {
		// Partial progress toward a multi-step initial assignment (e.g.
		// WaitStandby -> CatchingUp -> Secondary): leave the init file in
		// place so a subsequent create resumes the remaining steps.
		return nil
	}

	return store.RemoveInit()
}
