// Package pgctl wraps the Postgres server as a supervised child,
// re-targeted at a plain OS process: the database is exec'd directly,
// never through a container runtime. No library in the corpus models
// "spawn an arbitrary native server binary and own its pid" better
// than the standard library's process primitives, so this one
// concern is stdlib (os/exec, syscall) by necessity — see DESIGN.md.
package pgctl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Config describes how to locate and invoke the Postgres binaries for
// one node.
type Config struct {
	BinDir    string // directory containing postgres, pg_controldata
	DataDir   string
	Port      uint16
	SocketDir string

	StartTimeout time.Duration // T2
	StopTimeout  time.Duration // T3
}

func (c Config) withDefaults() Config {
	if c.StartTimeout == 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 30 * time.Second
	}
	return c
}

// Controller owns the lifecycle of one Postgres server process. It is
// restart-policy-permanent from the supervisor's point of view: a
// crash is expected to be restarted, and the control loop treats a
// transient "not running" as non-fatal.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
	dead   bool
}

// New returns a Controller for cfg.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("pgctl"),
	}
}

// Start forks+execs the database binary and blocks until the
// readiness probe succeeds or ctx/T2 expires.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil && c.cmd.Process != nil && !c.dead {
		c.mu.Unlock()
		return nil // already running
	}
	c.mu.Unlock()

	bin := filepath.Join(c.cfg.BinDir, "postgres")
	args := []string{
		"-D", c.cfg.DataDir,
		"-p", strconv.Itoa(int(c.cfg.Port)),
		"-k", c.cfg.SocketDir,
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.KindDBControl, "pg_start", err)
	}

	// Exactly one goroutine ever calls Wait on this Cmd: it records the
	// exit status here and forwards it on waitCh for whoever supervises
	// the child (pkg/supervisor reads it through Wait()). The buffer
	// means an unsupervised child — e.g. during `create` — is still
	// reaped even though nobody reads the channel.
	waitCh := make(chan error, 1)
	c.mu.Lock()
	c.cmd = cmd
	c.waitCh = waitCh
	c.dead = false
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.dead = true
		c.mu.Unlock()
		waitCh <- err
	}()

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	if err := c.waitReady(startCtx); err != nil {
		return errs.Wrap(errs.KindDBControl, "pg_start", err)
	}

	c.logger.Info().Int("pid", cmd.Process.Pid).Uint16("port", c.cfg.Port).Msg("postgres ready")
	return nil
}

// waitReady polls the postmaster's TCP port and its own pg_isready
// verdict (see readiness.go) until both answer or ctx expires.
func (c *Controller) waitReady(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", c.cfg.Port)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastReport string
	for {
		if portAccepting(ctx, addr, readyDialTimeout) {
			ok, report := c.pgIsReady(ctx)
			if ok {
				return nil
			}
			lastReport = report
		}
		select {
		case <-ctx.Done():
			if lastReport != "" {
				return fmt.Errorf("readiness not reached (%s): %w", lastReport, ctx.Err())
			}
			return fmt.Errorf("readiness not reached: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM (Postgres's "smart shutdown") and waits up to T3
// before escalating to SIGQUIT and then SIGKILL.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.NewTimer(c.cfg.StopTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if c.exited() {
			return nil
		}
		select {
		case <-deadline.C:
			c.logger.Warn().Msg("graceful stop timed out, escalating to SIGQUIT")
			_ = cmd.Process.Signal(syscall.SIGQUIT)
			time.Sleep(2 * time.Second)
			if !c.exited() {
				_ = cmd.Process.Kill()
			}
			return nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Restart stops then starts the server, used after configuration
// changes that cannot be applied with a reload.
func (c *Controller) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *Controller) exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd == nil || c.dead
}

// IsRunning reports whether the child process is still alive.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && !c.dead
}

// Cmd exposes the underlying child process handle so pkg/supervisor
// can fold Postgres into its own restart-policy loop instead of
// duplicating process tracking here.
func (c *Controller) Cmd() *exec.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd
}

// Wait returns the channel carrying the current child's exit status,
// fed exactly once by the controller's own reaper goroutine. The
// supervisor consumes this instead of calling Wait on the Cmd itself,
// so the underlying wait4 only ever runs once per spawn and the exit
// status its restart policy classifies is always the real one.
func (c *Controller) Wait() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitCh
}

// connInfo returns a pgx connection string for the local instance,
// used by every SQL query this package runs against it; the
// coordinator connection lives entirely in pkg/cluster.
func (c *Controller) connInfo() string {
	return fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=disable", c.cfg.SocketDir, c.cfg.Port)
}

// IsInRecovery reports whether the local server is currently a
// standby (streaming or otherwise in recovery).
func (c *Controller) IsInRecovery(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return false, errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	var inRecovery bool
	if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, errs.Wrap(errs.KindDBControl, "query pg_is_in_recovery", err)
	}
	return inRecovery, nil
}

// IsPrimary is the negation of IsInRecovery, kept as a distinct call
// since call sites read more clearly asking for the
// role they actually care about.
func (c *Controller) IsPrimary(ctx context.Context) (bool, error) {
	inRecovery, err := c.IsInRecovery(ctx)
	if err != nil {
		return false, err
	}
	return !inRecovery, nil
}

// CurrentLSN returns the server's current WAL insert/replay position,
// used by the control loop to report progress to the coordinator and
// by the promotion tie-break in pkg/fsm.
func (c *Controller) CurrentLSN(ctx context.Context) (uint64, error) {
	conn, err := pgx.Connect(ctx, c.connInfo())
	if err != nil {
		return 0, errs.Wrap(errs.KindDBControl, "connect to local postgres", err)
	}
	defer conn.Close(ctx)

	var lsnText string
	query := "SELECT pg_current_wal_insert_lsn()::text"
	inRecovery, err := c.isInRecoveryConn(ctx, conn)
	if err != nil {
		return 0, err
	}
	if inRecovery {
		query = "SELECT pg_last_wal_replay_lsn()::text"
	}
	if err := conn.QueryRow(ctx, query).Scan(&lsnText); err != nil {
		return 0, errs.Wrap(errs.KindDBControl, "query current LSN", err)
	}
	lsn, ok := parseLSN(lsnText)
	if !ok {
		return 0, errs.New(errs.KindDBControl, fmt.Sprintf("unparseable LSN %q", lsnText))
	}
	return lsn, nil
}

func (c *Controller) isInRecoveryConn(ctx context.Context, conn *pgx.Conn) (bool, error) {
	var inRecovery bool
	if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, errs.Wrap(errs.KindDBControl, "query pg_is_in_recovery", err)
	}
	return inRecovery, nil
}
