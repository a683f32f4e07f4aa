// Package config derives every on-disk path the agent owns from
// --pgdata and loads/merges/persists the agent's own configuration.
// The actual INI reader is gopkg.in/ini.v1 itself; this package is
// the caller that defines the schema, the CLI-flag > env-var > file >
// default merge order, and the atomic persist (shared with pkg/state
// via pkg/atomicfile).
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/pgkeeper/pkg/atomicfile"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"gopkg.in/ini.v1"
)

const section = "pgkeeper"

// Config is the merged view of every setting the agent needs.
type Config struct {
	PGData   string `ini:"-"`
	Name     string `ini:"-"`
	Hostname string `ini:"hostname"`

	MonitorURI string `ini:"monitor"`
	Formation  string `ini:"formation"`
	Group      int32  `ini:"group"`

	PGPort uint16 `ini:"pgport"`
	Auth   string `ini:"auth"`

	SSLMode       string `ini:"ssl_mode"`
	SSLSelfSigned bool   `ini:"ssl_self_signed"`
	SSLCAFile     string `ini:"ssl_ca_file"`
	SSLCertFile   string `ini:"ssl_cert_file"`
	SSLKeyFile    string `ini:"ssl_key_file"`

	ReplicationSlotPrefix string `ini:"replication_slot_prefix"`
	Maintenance           bool   `ini:"maintenance"`

	LogLevel  string `ini:"log_level"`
	LogFormat string `ini:"log_format"`

	MetricsListen string `ini:"metrics_listen"`
}

// Overrides carries CLI-flag values; a nil pointer means "flag not
// set," so the merge falls through to env/file/default for that field.
type Overrides struct {
	MonitorURI    *string
	Formation     *string
	Group         *int32
	Name          *string
	Hostname      *string
	PGPort        *uint16
	Auth          *string
	SSLMode       *string
	SSLSelfSigned *bool
	LogLevel      *string
	LogFormat     *string
	MetricsListen *string
}

func defaults(name string) *Config {
	return &Config{
		Name:                  name,
		Formation:             "default",
		Auth:                  "trust",
		SSLMode:               "disable",
		ReplicationSlotPrefix: "pgkeeper",
		LogLevel:              "info",
		LogFormat:             "console",
		PGPort:                5432,
	}
}

// Load builds a Config for dataDir/name: defaults, then the persisted
// INI file if one exists, then environment variables, then explicit
// CLI overrides — each layer only replacing fields the layer actually
// sets.
func Load(dataDir, name string, overrides Overrides) (*Config, error) {
	cfg := defaults(name)
	paths := Paths{DataDir: dataDir, Name: name}

	if data, err := os.ReadFile(paths.ConfigFile()); err == nil {
		if err := mergeINI(cfg, data); err != nil {
			return nil, errs.Wrap(errs.KindBadConfig, "parse config file", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindBadConfig, "read config file", err)
	}

	mergeEnv(cfg)
	mergeOverrides(cfg, overrides)

	cfg.PGData = dataDir
	cfg.Name = name
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	return cfg, cfg.Validate()
}

func mergeINI(cfg *Config, data []byte) error {
	f, err := ini.Load(data)
	if err != nil {
		return err
	}
	sec := f.Section(section)
	return sec.MapTo(cfg)
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv("PGKEEPER_MONITOR"); v != "" {
		cfg.MonitorURI = v
	}
	if v := os.Getenv("PGKEEPER_FORMATION"); v != "" {
		cfg.Formation = v
	}
	if v := os.Getenv("PGKEEPER_AUTH"); v != "" {
		cfg.Auth = v
	}
	if v := os.Getenv("PGKEEPER_SSL_MODE"); v != "" {
		cfg.SSLMode = v
	}
	if v := os.Getenv("PGKEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PGKEEPER_GROUP"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Group = int32(n)
		}
	}
}

func mergeOverrides(cfg *Config, o Overrides) {
	if o.MonitorURI != nil {
		cfg.MonitorURI = *o.MonitorURI
	}
	if o.Formation != nil {
		cfg.Formation = *o.Formation
	}
	if o.Group != nil {
		cfg.Group = *o.Group
	}
	if o.Name != nil {
		cfg.Name = *o.Name
	}
	if o.Hostname != nil {
		cfg.Hostname = *o.Hostname
	}
	if o.PGPort != nil {
		cfg.PGPort = *o.PGPort
	}
	if o.Auth != nil {
		cfg.Auth = *o.Auth
	}
	if o.SSLMode != nil {
		cfg.SSLMode = *o.SSLMode
	}
	if o.SSLSelfSigned != nil {
		cfg.SSLSelfSigned = *o.SSLSelfSigned
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.LogFormat = *o.LogFormat
	}
	if o.MetricsListen != nil {
		cfg.MetricsListen = *o.MetricsListen
	}
}

// Validate reports the bad-config conditions the CLI must reject
// before handing the config to the rest of the agent.
func (c *Config) Validate() error {
	if c.MonitorURI == "" {
		return errs.New(errs.KindBadConfig, "monitor URI is required (--monitor or PGKEEPER_MONITOR)")
	}
	if c.Name == "" {
		return errs.New(errs.KindBadConfig, "node name is required (--name)")
	}
	switch strings.ToLower(c.Auth) {
	case "trust", "md5", "scram-sha-256":
	default:
		return errs.New(errs.KindBadConfig, fmt.Sprintf("unsupported auth method %q", c.Auth))
	}
	switch strings.ToLower(c.SSLMode) {
	case "disable", "require":
	default:
		return errs.New(errs.KindBadConfig, fmt.Sprintf("unsupported ssl mode %q", c.SSLMode))
	}
	return nil
}

// Save persists cfg to its INI file atomically, via the same
// temp-file-plus-rename helper pkg/state uses for the keeper-state
// file.
func (c *Config) Save(dataDir string) error {
	paths := Paths{DataDir: dataDir, Name: c.Name}

	f := ini.Empty()
	sec, err := f.NewSection(section)
	if err != nil {
		return errs.Wrap(errs.KindBadConfig, "create config section", err)
	}
	if err := sec.ReflectFrom(c); err != nil {
		return errs.Wrap(errs.KindBadConfig, "serialize config", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return errs.Wrap(errs.KindBadConfig, "render config", err)
	}

	if err := atomicfile.Write(paths.ConfigFile(), buf.Bytes(), 0600); err != nil {
		return errs.Wrap(errs.KindBadConfig, "persist config", err)
	}
	return nil
}
