package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/cluster"
)

// maintenanceEnableCmd and maintenanceDisableCmd ask the coordinator to
// move this node into and out of RoleMaintenance. The local agent never drives
// this transition on its own initiative: it only reaches Maintenance
// because the next node_active call told it to.
var maintenanceEnableCmd = &cobra.Command{
	Use:   "enable maintenance",
	Short: "Ask the coordinator to take this node into maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		coord, err := cluster.NewClient(ctx, cfg.MonitorURI)
		if err != nil {
			return err
		}
		defer coord.Close(ctx)

		if err := coord.EnableMaintenance(ctx, cfg.Formation, cfg.Name); err != nil {
			return err
		}
		fmt.Println("maintenance requested; the agent will transition on its next control-loop iteration")
		return nil
	},
}

var maintenanceDisableCmd = &cobra.Command{
	Use:   "disable maintenance",
	Short: "Ask the coordinator to return this node from maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		coord, err := cluster.NewClient(ctx, cfg.MonitorURI)
		if err != nil {
			return err
		}
		defer coord.Close(ctx)

		if err := coord.DisableMaintenance(ctx, cfg.Formation, cfg.Name); err != nil {
			return err
		}
		fmt.Println("maintenance end requested; the agent will transition on its next control-loop iteration")
		return nil
	},
}
