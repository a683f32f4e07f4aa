package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/cluster"
)

var performCmd = &cobra.Command{
	Use:   "perform {failover|promotion}",
	Short: "Trigger a coordinator-driven role change for this node's group",
}

// performFailoverCmd asks the coordinator to run its own failover
// decision. The coordinator, not this agent, picks the standby to
// promote; every participating agent converges via its own FSM once
// node_active reports the new assignment.
var performFailoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Ask the coordinator to fail over this node's group",
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

		if err := coord.PerformFailover(ctx, cfg.Formation, cfg.Group); err != nil {
			return err
		}
		fmt.Println("failover requested")
		return nil
	},
}

// performPromotionCmd asks the coordinator to promote a specific named
// node rather than letting it choose among standbys.
var performPromotionCmd = &cobra.Command{
	Use:   "promotion",
	Short: "Ask the coordinator to promote a specific node",
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

		target, _ := cmd.Flags().GetString("target")
		if target == "" {
			target = cfg.Name
		}

		if err := coord.PerformPromotion(ctx, cfg.Formation, target); err != nil {
			return err
		}
		fmt.Println("promotion requested for", target)
		return nil
	},
}

func init() {
	performPromotionCmd.Flags().String("target", "", "name of the node to promote (default: this node)")

	performCmd.AddCommand(performFailoverCmd)
	performCmd.AddCommand(performPromotionCmd)
}
