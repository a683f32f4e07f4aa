package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/events"
)

var showCmd = &cobra.Command{
	Use:   "show {state|events|nodes|uri|file|standby-names}",
	Short: "Inspect this node's keeper state, the formation, or its config",
}

// showStateCmd reports the last known {currentRole, assignedRole,
// lastMonitorContactEpoch} so operators can observe partial progress
// even when the agent is mid-transition.
var showStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print this node's on-disk keeper state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := newStateStoreFor(paths).Load()
		if err != nil {
			return err
		}
		return render(cmd, st, func() {
			w := newTabwriter()
			defer w.Flush()
			fmt.Fprintf(w, "node id\t%d\n", st.CurrentNodeID)
			fmt.Fprintf(w, "group\t%d\n", st.CurrentGroup)
			fmt.Fprintf(w, "current role\t%s\n", st.CurrentRole)
			fmt.Fprintf(w, "assigned role\t%s\n", st.AssignedRole)
			fmt.Fprintf(w, "last monitor contact\t%d\n", st.LastMonitorContactEpoch)
			fmt.Fprintf(w, "last secondary contact\t%d\n", st.LastSecondaryContactEpoch)
		})
	},
}

// showEventsCmd prints the locally persisted event history (pkg/events),
// most recent last.
var showEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print this node's recent local event history",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("count")

		store, err := events.OpenStore(paths.EventsFile())
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(limit)
		if err != nil {
			return err
		}
		return render(cmd, list, func() {
			w := newTabwriter()
			defer w.Flush()
			fmt.Fprintf(w, "time\ttype\tmessage\n")
			for _, e := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.Message)
			}
		})
	},
}

// showNodesCmd lists every node the coordinator knows about in this
// formation.
var showNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes registered in this formation",
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

		nodes, err := coord.GetNodes(ctx, cfg.Formation)
		if err != nil {
			return err
		}

		// The sharded worker-group extension is optional: probe for it
		// and fold its membership data in only when the coordinator
		// actually exposes it, rather than assuming either shape.
		var workerGroups map[int32][]int32
		if sharded, serr := coord.HasWorkerGroupSupport(ctx); serr == nil && sharded {
			workerGroups = map[int32][]int32{}
			seen := map[int32]bool{}
			for _, n := range nodes {
				if seen[n.GroupID] {
					continue
				}
				seen[n.GroupID] = true
				members, merr := coord.WorkerGroupMembership(ctx, cfg.Formation, n.GroupID)
				if merr == nil {
					workerGroups[n.GroupID] = members
				}
			}
		}

		return render(cmd, nodes, func() {
			w := newTabwriter()
			defer w.Flush()
			if workerGroups != nil {
				fmt.Fprintf(w, "id\tgroup\tname\thostname\tport\tworker groups\n")
				for _, n := range nodes {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%v\n", n.NodeID, n.GroupID, n.Name, n.Hostname, n.Port, workerGroups[n.GroupID])
				}
				return
			}
			fmt.Fprintf(w, "id\tgroup\tname\thostname\tport\n")
			for _, n := range nodes {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\n", n.NodeID, n.GroupID, n.Name, n.Hostname, n.Port)
			}
		})
	},
}

// showURICmd prints the coordinator's own connection URI, as learned
// from get_coordinator, for operators wiring up client connection
// strings.
var showURICmd = &cobra.Command{
	Use:   "uri",
	Short: "Print the coordinator's connection URI",
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

		uri, err := coord.GetCoordinator(ctx)
		if err != nil {
			return err
		}
		fmt.Println(uri)
		return nil
	},
}

// showFileCmd prints the path to one of this node's persisted files,
// so shell scripts can locate them without reimplementing pkg/config's
// path derivation.
var showFileCmd = &cobra.Command{
	Use:   "file {config|state|init|pid|events}",
	Short: "Print the path to one of this node's on-disk files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, paths, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		switch args[0] {
		case "config":
			fmt.Println(paths.ConfigFile())
		case "state":
			fmt.Println(paths.StateFile())
		case "init":
			fmt.Println(paths.InitFile())
		case "pid":
			fmt.Println(paths.PidFile())
		case "events":
			fmt.Println(paths.EventsFile())
		default:
			return fail("unknown file kind %q (want config, state, init, pid, or events)", args[0])
		}
		return nil
	},
}

// showStandbyNamesCmd prints the `synchronous_standby_names` value the
// coordinator computes for this group, the string an operator would
// expect to see applied to the primary's configuration.
var showStandbyNamesCmd = &cobra.Command{
	Use:   "standby-names",
	Short: "Print the computed synchronous_standby_names for this group",
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

		names, err := coord.SynchronousStandbyNames(ctx, cfg.Formation, cfg.Group)
		if err != nil {
			return err
		}
		fmt.Println(names)
		return nil
	},
}

func init() {
	showEventsCmd.Flags().Int("count", 20, "number of events to print (0 for all)")

	showCmd.AddCommand(showStateCmd)
	showCmd.AddCommand(showEventsCmd)
	showCmd.AddCommand(showNodesCmd)
	showCmd.AddCommand(showURICmd)
	showCmd.AddCommand(showFileCmd)
	showCmd.AddCommand(showStandbyNamesCmd)
}
