package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(exitCodeFor(err)))
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgkeeper",
	Short: "pgkeeper - automated failover agent for a Postgres instance",
	Long: `pgkeeper is the per-node agent of a Postgres high-availability
formation: it owns the local database process, talks to the
coordinator over libpq, and drives the local instance through the
role transitions the coordinator assigns (primary, standby, catching
up, maintenance, demoted).`,
	Version: Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pgkeeper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags.
	rootCmd.PersistentFlags().String("pgdata", "", "Postgres data directory (required)")
	rootCmd.PersistentFlags().String("monitor", "", "coordinator connection URI (PGKEEPER_MONITOR)")
	rootCmd.PersistentFlags().String("formation", "", "formation name")
	rootCmd.PersistentFlags().Int32("group", 0, "group id within the formation")
	rootCmd.PersistentFlags().String("name", "", "this node's name")
	rootCmd.PersistentFlags().String("hostname", "", "this node's reachable hostname")
	rootCmd.PersistentFlags().Uint16("pgport", 0, "Postgres listen port")
	rootCmd.PersistentFlags().String("auth", "", "authentication method (trust, md5, scram-sha-256)")
	rootCmd.PersistentFlags().String("ssl-mode", "", "SSL mode (disable, require)")
	rootCmd.PersistentFlags().Bool("ssl-self-signed", false, "issue a self-signed server certificate")
	rootCmd.PersistentFlags().String("ssl-ca-file", "", "path to a CA certificate")
	rootCmd.PersistentFlags().String("ssl-cert-file", "", "path to a server certificate")
	rootCmd.PersistentFlags().String("ssl-key-file", "", "path to a server key")
	rootCmd.PersistentFlags().String("metrics-listen", "", "address to serve Prometheus metrics on (disabled when empty)")
	rootCmd.PersistentFlags().Bool("json", false, "render structured output as JSON")
	rootCmd.PersistentFlags().Bool("yaml", false, "render structured output as YAML")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose (debug) logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "only log warnings and errors")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(maintenanceEnableCmd)
	rootCmd.AddCommand(maintenanceDisableCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(performCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetBool("verbose")
	quiet, _ := rootCmd.PersistentFlags().GetBool("quiet")

	logLevel := log.InfoLevel
	switch {
	case level:
		logLevel = log.DebugLevel
	case quiet:
		logLevel = log.WarnLevel
	}

	log.Init(log.Config{Level: logLevel, JSONOutput: false})
}
