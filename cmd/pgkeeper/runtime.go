package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/pgkeeper/pkg/cluster"
	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/events"
	"github.com/cuemby/pgkeeper/pkg/fsm"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/pgctl"
	"github.com/cuemby/pgkeeper/pkg/security"
	"github.com/cuemby/pgkeeper/pkg/state"
)

// exitCodeFor is the sole place in the repository that translates an
// error's Kind into a process exit code.
func exitCodeFor(err error) errs.ExitCode {
	return errs.ExitCodeFor(err)
}

func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func uint16Flag(cmd *cobra.Command, name string) *uint16 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetUint16(name)
	return &v
}

func int32Flag(cmd *cobra.Command, name string) *int32 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt32(name)
	return &v
}

func overridesFromFlags(cmd *cobra.Command) config.Overrides {
	return config.Overrides{
		MonitorURI:    stringFlag(cmd, "monitor"),
		Formation:     stringFlag(cmd, "formation"),
		Group:         int32Flag(cmd, "group"),
		Name:          stringFlag(cmd, "name"),
		Hostname:      stringFlag(cmd, "hostname"),
		PGPort:        uint16Flag(cmd, "pgport"),
		Auth:          stringFlag(cmd, "auth"),
		SSLMode:       stringFlag(cmd, "ssl-mode"),
		SSLSelfSigned: boolFlag(cmd, "ssl-self-signed"),
		MetricsListen: stringFlag(cmd, "metrics-listen"),
	}
}

// loadConfig merges defaults, the persisted INI file, the environment
// and this invocation's flags, per pkg/config's precedence rule, then
// re-initializes logging from the merged LogLevel/LogFormat so a
// persisted config takes effect even when no --verbose/--quiet flag
// was passed.
func loadConfig(cmd *cobra.Command) (*config.Config, config.Paths, error) {
	pgdata, _ := cmd.Flags().GetString("pgdata")
	if pgdata == "" {
		return nil, config.Paths{}, errs.New(errs.KindBadConfig, "--pgdata is required")
	}
	name, _ := cmd.Flags().GetString("name")

	cfg, err := config.Load(pgdata, name, overridesFromFlags(cmd))
	if err != nil {
		return nil, config.Paths{}, err
	}

	if !cmd.Flags().Changed("verbose") && !cmd.Flags().Changed("quiet") {
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json"})
	}

	return cfg, config.Paths{DataDir: cfg.PGData, Name: cfg.Name}, nil
}

// buildEnv wires the capabilities every FSM transition and the control
// loop need: the local database controller, the coordinator client,
// the on-disk state store, the certificate authority and the
// in-process event broker. The caller owns closing the returned
// cluster.Client.
func buildEnv(ctx context.Context, cfg *config.Config, paths config.Paths) (*fsm.Env, *cluster.Client, error) {
	db := pgctl.New(pgctl.Config{
		BinDir:    "", // resolved from PATH by exec.LookPath inside pkg/pgctl
		DataDir:   cfg.PGData,
		Port:      cfg.PGPort,
		SocketDir: paths.SocketDir(),
	})

	coord, err := cluster.NewClient(ctx, cfg.MonitorURI)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCoordinator, "connect to coordinator", err)
	}

	// The CA's root key is encrypted at rest under a key derived from the
	// data directory's system identifier, so it can only be reloaded once
	// a control file exists. On a fresh node the FSM's Init->Single
	// transition bootstraps (and persists) the CA after initdb instead.
	ca := security.NewCertAuthority()
	if cfg.SSLSelfSigned {
		if cd, cerr := db.ReadControlFile(ctx); cerr == nil {
			if kerr := security.SetLocalEncryptionKey(security.DeriveKeyFromSystemIdentifier(cd.SystemIdentifier)); kerr == nil {
				if lerr := ca.LoadFromDir(paths.CertDir()); lerr != nil {
					cmdLog := log.WithComponent("cmd")
					cmdLog.Debug().Err(lerr).Msg("no persisted certificate authority yet")
				}
			}
		}
	}

	broker := events.NewBroker()
	broker.Start()

	store := state.New(paths)

	env := &fsm.Env{
		DB:      db,
		Cluster: coord,
		Store:   store,
		Config:  cfg,
		Events:  broker,
		CA:      ca,
	}
	return env, coord, nil
}

func fail(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// render writes v to stdout as JSON or YAML when the matching global
// flag was passed, falling back to printFn (a tabwriter-based plain
// rendering) for the default human-readable output. This is the one
// place the --json/--yaml flags are interpreted; `show state`, `show
// events`, `show nodes` and `config get` call through it, while `show
// uri`, `show file` and `show standby-names` always print plain text.
func render(cmd *cobra.Command, v any, printFn func()) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	asYAML, _ := cmd.Flags().GetBool("yaml")

	switch {
	case asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case asYAML:
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	default:
		printFn()
		return nil
	}
}

// newTabwriter returns a tabwriter configured the way every `show`
// table-rendering command spaces its columns.
func newTabwriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// newStateStoreFor is a small convenience wrapper so `show` subcommands
// that only need read-only access to the state file don't have to pull
// in the whole buildEnv wiring (coordinator connection, cert authority).
func newStateStoreFor(paths config.Paths) *state.Store {
	return state.New(paths)
}

// removeDataDir deletes a Postgres data directory for `drop monitor
// --destroy`. Separate from initprotocol.Drop's own artefact cleanup
// since the monitor database has no keeper-state/init/pid siblings to
// remove.
func removeDataDir(dataDir string) error {
	if err := os.RemoveAll(dataDir); err != nil {
		return errs.Wrap(errs.KindDBControl, "remove data directory", err)
	}
	return nil
}
