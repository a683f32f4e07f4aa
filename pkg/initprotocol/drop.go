package initprotocol

import (
	"context"
	"os"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/log"
)

// DropOptions configures Drop.
type DropOptions struct {
	Name     string // drop by name
	Hostname string // drop by host (mutually exclusive with Name)
	Port     uint16
	Force    bool
	Destroy  bool
}

// Drop removes a node on the coordinator first (which assigns Dropped
// to the target), then stops the local database itself, and only then,
// if Destroy is set, removes the data directory and configuration
// files. The stop-then-rm ordering is fixed so a failed stop aborts
// destruction rather than deleting a data directory Postgres still has
// open.
func Drop(ctx context.Context, env *fsm.Env, paths config.Paths, opts DropOptions) error {
	logger := log.WithComponent("initprotocol")
	retry := cluster.DefaultRetryPolicy()

	force := opts.Force
	if force {
		hasForce, cerr := env.Cluster.HasForceVariant(ctx)
		switch {
		case cerr != nil:
			logger.Warn().Err(cerr).Msg("force-variant capability probe failed, falling back to an unforced remove")
			force = false
		case !hasForce:
			logger.Warn().Msg("coordinator does not expose the force-variant remove overload, falling back to an unforced remove")
			force = false
		}
	}

	var nodeID int64
	var groupID int32
	err := retry.Do(ctx, func(callCtx context.Context) error {
		var rerr error
		if opts.Name != "" {
			nodeID, groupID, rerr = env.Cluster.RemoveByName(callCtx, env.Config.Formation, opts.Name, force)
		} else {
			nodeID, groupID, rerr = env.Cluster.RemoveByHost(callCtx, env.Config.Formation, opts.Hostname, opts.Port, force)
		}
		return rerr
	})
	if err != nil {
		return errs.Wrap(errs.KindCoordinator, "remove node", err)
	}
	logger.Info().Int64("node_id", nodeID).Int32("group_id", groupID).Msg("coordinator assigned Dropped")

	if err := env.DB.Stop(ctx); err != nil {
		return errs.Wrap(errs.KindDBControl, "stop database before destroy", err)
	}

	if !opts.Destroy {
		return nil
	}

	if err := os.RemoveAll(env.Config.PGData); err != nil {
		return errs.Wrap(errs.KindDBControl, "remove data directory", err)
	}
	for _, p := range []string{paths.ConfigFile(), paths.StateFile(), paths.InitFile(), paths.PidFile(), paths.EventsFile()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindDBControl, "remove agent artefact", err)
		}
	}
	return nil
}
