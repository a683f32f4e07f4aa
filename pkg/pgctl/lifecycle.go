package pgctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Initdb runs initdb against an empty data directory, the first step
// of becoming a Single. Safe to retry: initdb
// itself refuses to run against a non-empty directory, so a crash
// between invocations is caught by the caller's dataDirEmpty check
// rather than by this method.
func (c *Controller) Initdb(ctx context.Context) error {
	bin := filepath.Join(c.cfg.BinDir, "initdb")
	cmd := exec.CommandContext(ctx, bin, "-D", c.cfg.DataDir, "--auth=trust")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("initdb: %w: %s", err, stderr.String())
	}
	return nil
}

// Bootstrap runs each statement in stmts against the local instance,
// used to create the replication/application roles, the application
// database and required extensions after Start succeeds. Duplicate
// errors are swallowed so a retry after a crash mid-bootstrap
// completes the remaining statements instead of failing on the ones
// already done (CREATE DATABASE cannot run inside a DO block, so the
// usual exception-swallowing idiom is unavailable there).
func (c *Controller) Bootstrap(ctx context.Context, stmts []string) error {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "connect to local postgres for bootstrap", err)
	}
	defer conn.Close(ctx)

	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case "42710", "42P04": // duplicate_object, duplicate_database
					continue
				}
			}
			return errs.Wrap(errs.KindDBControl, "bootstrap statement", err)
		}
	}
	return nil
}

// BaseBackup runs pg_basebackup against primaryConn into the local,
// still-empty data directory, requesting the named replication slot
// the coordinator issued.
func (c *Controller) BaseBackup(ctx context.Context, primaryConn, slotName string) error {
	bin := filepath.Join(c.cfg.BinDir, "pg_basebackup")
	cmd := exec.CommandContext(ctx, bin,
		"-D", c.cfg.DataDir,
		"-d", primaryConn,
		"-S", slotName,
		"-R", // write standby connection info
		"-C", // create the slot if it does not already exist
		"-X", "stream",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_basebackup: %w: %s", err, stderr.String())
	}
	return nil
}

// ConfigureStandby writes standby.signal and primary_conninfo pointing
// at primaryConn/slotName. pg_basebackup's -R flag already writes most
// of this; ConfigureStandby is the idempotent fallback used when
// resuming an interrupted CatchingUp transition where the base backup
// itself already completed.
func (c *Controller) ConfigureStandby(ctx context.Context, primaryConn, slotName string) error {
	signalPath := filepath.Join(c.cfg.DataDir, "standby.signal")
	if _, err := os.Stat(signalPath); os.IsNotExist(err) {
		if err := os.WriteFile(signalPath, nil, 0600); err != nil {
			return fmt.Errorf("write standby.signal: %w", err)
		}
	}

	confPath := filepath.Join(c.cfg.DataDir, "postgresql.auto.conf")
	line := fmt.Sprintf("\nprimary_conninfo = '%s'\nprimary_slot_name = '%s'\n", primaryConn, slotName)
	if existing, err := os.ReadFile(confPath); err == nil && strings.Contains(string(existing), fmt.Sprintf("primary_slot_name = '%s'", slotName)) {
		return nil
	}
	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open postgresql.auto.conf: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write primary_conninfo: %w", err)
	}
	return nil
}

// FastForwardFrom runs pg_rewind against sourceConn — the node the
// coordinator established as further ahead — replaying the WAL this
// node is missing so it can rejoin as a standby of the source instead
// of being left stranded on a diverged timeline. pg_rewind refuses to
// run against a live server, so the instance is stopped first; the
// standby signal and primary_conninfo are re-installed after the
// rewind (which may have clobbered them with the source's copies) so
// the restart always comes up in recovery, never as a second primary.
func (c *Controller) FastForwardFrom(ctx context.Context, sourceConn, slotName string) error {
	if err := c.Stop(ctx); err != nil {
		return errs.Wrap(errs.KindDBControl, "stop before fast-forward", err)
	}

	bin := filepath.Join(c.cfg.BinDir, "pg_rewind")
	cmd := exec.CommandContext(ctx, bin,
		"--target-pgdata", c.cfg.DataDir,
		"--source-server", sourceConn,
		"--no-sync",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.KindDBControl, "pg_rewind", fmt.Errorf("%w: %s", err, stderr.String()))
	}

	if err := c.ConfigureStandby(ctx, sourceConn, slotName); err != nil {
		return errs.Wrap(errs.KindDBControl, "configure standby after fast-forward", err)
	}

	if err := c.Start(ctx); err != nil {
		return errs.Wrap(errs.KindDBControl, "start after fast-forward", err)
	}

	inRecovery, err := c.IsInRecovery(ctx)
	if err != nil {
		return err
	}
	if !inRecovery {
		return errs.New(errs.KindDBControl, "expected standby to be in recovery after fast-forward")
	}
	return nil
}

// ReplicationLagBytes reports how far this standby is behind the
// primary, used by catchingUpToSecondary's threshold check.
func (c *Controller) ReplicationLagBytes(ctx context.Context) (int64, error) {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return 0, errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	var lag int64
	err = conn.QueryRow(ctx, `
		SELECT COALESCE(
			pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn()), 0)::bigint
	`).Scan(&lag)
	if err != nil {
		return 0, errs.Wrap(errs.KindDBControl, "query replication lag", err)
	}
	return lag, nil
}

// StopReplication pauses WAL replay (pg_wal_replay_pause) ahead of
// promotion, the immediate predecessor of Promote in the promotion
// sequence. The connection to the upstream primary is left open.
func (c *Controller) StopReplication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "SELECT pg_wal_replay_pause()"); err != nil {
		return errs.Wrap(errs.KindDBControl, "pause wal replay", err)
	}
	return nil
}

// Promote runs the server's own promotion trigger (pg_promote),
// converting a standby into a primary. This is non-idempotent at the
// database level — calling it twice is harmless but the coordinator
// acknowledgment that follows is where two-phase commit
// protects against a crash between promotion and telling the
// coordinator about it.
func (c *Controller) Promote(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	var promoted bool
	if err := conn.QueryRow(ctx, "SELECT pg_promote()").Scan(&promoted); err != nil {
		return errs.Wrap(errs.KindDBControl, "pg_promote", err)
	}
	if !promoted {
		return errs.New(errs.KindDBControl, "pg_promote returned false")
	}
	return nil
}

// managedConfName is the settings file this agent owns inside the data
// directory, pulled in through a single include line in postgresql.conf
// so a re-render replaces the whole block instead of appending to a
// file Postgres also writes.
const managedConfName = "postgresql-keeper.conf"

// restartSettings are the managed settings Postgres only reads at
// startup; changing any of them means ApplySettings must report that a
// reload is not enough.
var restartSettings = []string{"port", "listen_addresses", "wal_level", "max_wal_senders", "max_replication_slots", "shared_preload_libraries"}

// ApplySettings re-renders the agent-managed settings block and reports
// whether a restart (rather than a reload) is required to make the
// changes effective.
func (c *Controller) ApplySettings(ctx context.Context) (restartNeeded bool, err error) {
	rendered := c.renderManagedSettings()

	confPath := filepath.Join(c.cfg.DataDir, managedConfName)
	previous, rerr := os.ReadFile(confPath)
	if rerr != nil && !os.IsNotExist(rerr) {
		return false, fmt.Errorf("read managed settings: %w", rerr)
	}
	if string(previous) == rendered {
		return false, nil
	}

	restartNeeded = restartSettingChanged(string(previous), rendered)

	if err := os.WriteFile(confPath, []byte(rendered), 0600); err != nil {
		return false, fmt.Errorf("write managed settings: %w", err)
	}
	if err := c.ensureManagedInclude(); err != nil {
		return false, err
	}
	return restartNeeded, nil
}

func (c *Controller) renderManagedSettings() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port = %d\n", c.cfg.Port)
	fmt.Fprintf(&b, "listen_addresses = '*'\n")
	fmt.Fprintf(&b, "unix_socket_directories = '%s'\n", c.cfg.SocketDir)
	fmt.Fprintf(&b, "wal_level = replica\n")
	fmt.Fprintf(&b, "max_wal_senders = 12\n")
	fmt.Fprintf(&b, "max_replication_slots = 12\n")
	fmt.Fprintf(&b, "hot_standby = on\n")
	return b.String()
}

// ensureManagedInclude appends the include line for the managed block
// to postgresql.conf exactly once.
func (c *Controller) ensureManagedInclude() error {
	confPath := filepath.Join(c.cfg.DataDir, "postgresql.conf")
	include := fmt.Sprintf("include = '%s'", managedConfName)

	existing, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("read postgresql.conf: %w", err)
	}
	if strings.Contains(string(existing), include) {
		return nil
	}

	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open postgresql.conf: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + include + "\n"); err != nil {
		return fmt.Errorf("append include line: %w", err)
	}
	return nil
}

// restartSettingChanged reports whether any restart-only setting
// differs between the two rendered blocks.
func restartSettingChanged(previous, next string) bool {
	prev := settingLines(previous)
	curr := settingLines(next)
	for _, key := range restartSettings {
		if prev[key] != curr[key] {
			return true
		}
	}
	return false
}

func settingLines(block string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// HasConnectedStandby reports whether pg_stat_replication shows at
// least one streaming standby, the probe the control loop uses before
// trusting the partition heuristic on a primary that has lost
// coordinator contact.
func (c *Controller) HasConnectedStandby(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return false, errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	var count int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM pg_stat_replication").Scan(&count); err != nil {
		return false, errs.Wrap(errs.KindDBControl, "query pg_stat_replication", err)
	}
	return count > 0, nil
}

// Reload signals the server to re-read its configuration without
// restarting, used when ApplySettings determines a restart is not
// required.
func (c *Controller) Reload(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return errs.Wrap(errs.KindDBControl, "pg_reload_conf", err)
	}
	return nil
}
