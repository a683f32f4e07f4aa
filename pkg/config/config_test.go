package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "pgdata")

	monitor := "postgres://monitor/db"
	name := "node1"
	cfg, err := Load(dataDir, name, Overrides{MonitorURI: &monitor, Name: &name})
	require.NoError(t, err)
	require.Equal(t, "default", cfg.Formation)
	require.Equal(t, "trust", cfg.Auth)
	require.Equal(t, uint16(5432), cfg.PGPort)
	require.Equal(t, dataDir, cfg.PGData)
}

func TestValidateRejectsMissingMonitor(t *testing.T) {
	cfg := defaults("node1")
	err := cfg.Validate()
	require.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "pgdata")
	require.NoError(t, os.MkdirAll(dataDir, 0700))

	monitor := "postgres://monitor/db"
	name := "node1"
	cfg, err := Load(dataDir, name, Overrides{MonitorURI: &monitor, Name: &name})
	require.NoError(t, err)
	cfg.Formation = "prod"
	cfg.Group = 3

	require.NoError(t, cfg.Save(dataDir))

	reloaded, err := Load(dataDir, name, Overrides{MonitorURI: &monitor, Name: &name})
	require.NoError(t, err)
	require.Equal(t, "prod", reloaded.Formation)
	require.Equal(t, int32(3), reloaded.Group)
}

func TestOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "pgdata")
	require.NoError(t, os.MkdirAll(dataDir, 0700))

	monitor := "postgres://monitor/db"
	name := "node1"
	cfg, err := Load(dataDir, name, Overrides{MonitorURI: &monitor, Name: &name})
	require.NoError(t, err)
	cfg.Formation = "from-file"
	require.NoError(t, cfg.Save(dataDir))

	override := "from-flag"
	reloaded, err := Load(dataDir, name, Overrides{MonitorURI: &monitor, Name: &name, Formation: &override})
	require.NoError(t, err)
	require.Equal(t, "from-flag", reloaded.Formation)
}
