package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/initprotocol"
)

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Remove this node (or the monitor) from the formation",
}

var dropNodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Remove this node from its formation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, coord, err := buildEnv(ctx, cfg, paths)
		if err != nil {
			return err
		}
		defer coord.Close(ctx)

		destroy, _ := cmd.Flags().GetBool("destroy")
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetDuration("wait")

		opts := initprotocol.DropOptions{
			Name:     cfg.Name,
			Hostname: cfg.Hostname,
			Port:     cfg.PGPort,
			Force:    force,
			Destroy:  destroy,
		}

		if wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}

		if err := initprotocol.Drop(ctx, env, paths, opts); err != nil {
			return err
		}
		fmt.Println("node dropped")
		return nil
	},
}

// dropMonitorCmd tears down the local Postgres instance a coordinator
// runs on. The coordinator's own schema/state is out of scope; this
// only stops the server and, with --destroy, removes its data
// directory.
var dropMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Tear down the local coordinator Postgres instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		env, coord, err := buildEnv(ctx, cfg, paths)
		if err != nil {
			return err
		}
		defer coord.Close(ctx)

		if err := env.DB.Stop(ctx); err != nil {
			return err
		}

		destroy, _ := cmd.Flags().GetBool("destroy")
		if destroy {
			if err := removeDataDir(cfg.PGData); err != nil {
				return err
			}
		}
		fmt.Println("monitor database stopped")
		return nil
	},
}

func init() {
	dropNodeCmd.Flags().Bool("destroy", false, "remove the data directory and agent artefacts")
	dropNodeCmd.Flags().Bool("force", false, "force removal even if the coordinator reports the node active")
	dropNodeCmd.Flags().Duration("wait", 0, "abort the removal RPC if it does not complete within this duration")
	dropMonitorCmd.Flags().Bool("destroy", false, "remove the data directory")

	dropCmd.AddCommand(dropNodeCmd)
	dropCmd.AddCommand(dropMonitorCmd)
}
