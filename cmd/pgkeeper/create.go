package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/initprotocol"
)

var createCmd = &cobra.Command{
	Use:   "create {postgres|monitor}",
	Short: "Register this node and reach its initial assigned role",
}

var createPostgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Register this node as a Postgres data member of the formation",
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

		table := fsm.NewTable()
		if err := initprotocol.Create(ctx, env, table, env.Store); err != nil {
			return err
		}

		fmt.Println("node registered and initial state reached")
		return nil
	},
}

// createMonitorCmd provisions the local Postgres instance this node's
// coordinator runs on. The coordinator's own SQL surface and state
// machine are out of scope here: this only ensures the
// data directory exists and the server is running so an operator can
// install the coordinator's extension against it.
var createMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Provision the local Postgres instance for the coordinator",
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

		entries, err := os.ReadDir(cfg.PGData)
		if err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindDBControl, "stat data directory", err)
		}
		if len(entries) == 0 {
			if err := env.DB.Initdb(ctx); err != nil {
				return err
			}
		}
		if err := env.DB.Start(ctx); err != nil {
			return err
		}

		fmt.Println("monitor database is running; install the coordinator extension against it")
		return nil
	},
}

func init() {
	createCmd.AddCommand(createPostgresCmd)
	createCmd.AddCommand(createMonitorCmd)
}
