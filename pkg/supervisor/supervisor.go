package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/pgkeeper/pkg/cancel"
	"github.com/cuemby/pgkeeper/pkg/log"
)

const (
	// tickInterval is the non-blocking waitpid poll period.
	tickInterval = 100 * time.Millisecond

	// gracefulEscalation is T1: how long the supervisor waits after a
	// graceful terminate before escalating.
	gracefulEscalation = 5 * time.Second

	// forceEscalation is how long it waits after the process-group
	// "stronger terminate" before escalating again to interrupt.
	forceEscalation = 10 * time.Second
)

// StartFunc forks/execs a child and returns its handle. It must not
// block past the point the process is started; readiness, if any, is
// the child's own concern (e.g. the local-DB controller's start()
// blocks internally until its readiness probe succeeds before
// returning here).
type StartFunc func(ctx context.Context) (*exec.Cmd, error)

// ChildSpec declares one supervised child, started in the order the
// slice is given to New. When Wait is set, the child owns its own
// reaper goroutine and the supervisor reads the exit status from the
// returned channel instead of calling Wait on the Cmd itself — an
// exec.Cmd tolerates exactly one Wait call, so whichever side spawns
// the reaper must be the only one (the local-DB controller uses this,
// since it needs the exit status for its own liveness view too).
type ChildSpec struct {
	Name        string
	Policy      RestartPolicy
	Start       StartFunc
	Wait        func() <-chan error // optional: the child's own reaper channel for the current spawn
	VersionPath string              // optional per-service pidfile path for version probes
}

// child tracks one running (or permanently stopped) supervised
// process. waitCh carries the exit status exactly once per spawn —
// fed either by the supervisor's own reaper goroutine or, when the
// spec delegates with Wait, by the child's — so the tick loop can
// poll it non-blockingly without a second Wait call racing the first.
type child struct {
	spec   ChildSpec
	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh <-chan error
	dead   bool
}

// Supervisor is the root of the agent's process tree: it owns the
// pidfile, a log-serialization lock, and the restart policy for every
// child it starts.
type Supervisor struct {
	pidfilePath string
	semaphoreID string

	children []*child
	pidLock  *flock.Flock
	logLock  *flock.Flock
	writeMu  sync.Mutex

	reloadRequested atomic.Bool
	terminating     atomic.Bool
	token           *cancel.Token
	logger          zerolog.Logger
}

// New builds a Supervisor for the given pidfile path and children,
// which are started in slice order on Run.
func New(pidfilePath string, specs []ChildSpec) *Supervisor {
	children := make([]*child, len(specs))
	for i, s := range specs {
		children[i] = &child{spec: s}
	}
	return &Supervisor{
		pidfilePath: pidfilePath,
		semaphoreID: uuid.NewString(),
		children:    children,
		pidLock:     flock.New(pidfilePath + ".lock"),
		logLock:     flock.New(pidfilePath + ".logsem"),
		token:       cancel.New(),
		logger:      log.WithComponent("supervisor"),
	}
}

// Token returns the supervisor's cancellation token so sibling
// components (the control loop, the CLI's signal-triggered drop) can
// observe or trigger shutdown.
func (s *Supervisor) Token() *cancel.Token { return s.token }

// Pending reports whether a SIGHUP has arrived since the last Clear,
// satisfying pkg/controlloop's ReloadSignal interface.
func (s *Supervisor) Pending() bool { return s.reloadRequested.Load() }

// Clear resets the reload flag once the control loop has reacted to
// it.
func (s *Supervisor) Clear() { s.reloadRequested.Store(false) }

// StillOwnPidfile satisfies pkg/controlloop's PidfileSentinel
// interface, reusing the same re-read-and-compare check Run's own
// ticker loop performs.
func (s *Supervisor) StillOwnPidfile() bool { return s.sentinel() }

// AcquireLogSemaphore serializes a log write across this process and
// its children. Grounded on gofrs/flock (steveyegge-gastown's daemon
// uses it to close a pidfile TOCTOU race); the standard library has no
// portable POSIX named-semaphore binding without cgo, so the same
// advisory-lock primitive doubles as the log-serialization semaphore
// whose id is recorded in the pidfile.
func (s *Supervisor) AcquireLogSemaphore(fn func()) error {
	if err := s.logLock.Lock(); err != nil {
		return err
	}
	defer s.logLock.Unlock()
	fn()
	return nil
}

// Run acquires the pidfile, starts every child in declared order, then
// blocks until shutdown: a terminate signal, every child exhausting
// its restart policy, or ctx being cancelled. On shutdown it stops the
// children with stopAll's escalation and removes the pidfile; a child
// that outlasts every signal may still be running when Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	locked, err := s.pidLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire pidfile lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another agent already holds %s", s.pidfilePath)
	}
	defer s.pidLock.Unlock()

	if err := s.writeState(); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer os.Remove(s.pidfilePath)

	if err := s.startAll(ctx); err != nil {
		s.stopAll(gracefulEscalation, forceEscalation)
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("context cancelled, shutting down children")
			s.stopAll(gracefulEscalation, forceEscalation)
			return ctx.Err()

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.logger.Info().Msg("reload signal received")
				s.reloadRequested.Store(true)
				continue
			}
			if sig == syscall.SIGQUIT {
				s.logger.Warn().Msg("fast-terminate signal received")
				s.token.Trip(cancel.Fast)
			} else {
				s.logger.Info().Str("signal", sig.String()).Msg("graceful-terminate signal received")
				s.token.Trip(cancel.Graceful)
			}
			if s.token.Reason() == cancel.Fast {
				s.stopAll(0, forceEscalation)
			} else {
				s.stopAll(gracefulEscalation, forceEscalation)
			}
			return nil

		case <-ticker.C:
			if !s.sentinel() {
				s.logger.Error().Msg("pidfile sentinel mismatch, quitting")
				s.stopAll(0, forceEscalation)
				return fmt.Errorf("pidfile sentinel: another agent owns %s", s.pidfilePath)
			}
			if done := s.reapOnce(ctx); done {
				return nil
			}
		}
	}
}

// sentinel re-reads the pidfile's first line and compares it to our
// own pid. A mismatch means another agent wrote over the pidfile; the
// only safe reaction is to quit before both agents touch the same
// data directory.
func (s *Supervisor) sentinel() bool {
	pid, err := readPidfileAgentPID(s.pidfilePath)
	if err != nil {
		return false
	}
	return pid == os.Getpid()
}

func (s *Supervisor) spawn(ctx context.Context, c *child) error {
	cmd, err := c.spec.Start(ctx)
	if err != nil {
		return err
	}

	var waitCh <-chan error
	if c.spec.Wait != nil {
		waitCh = c.spec.Wait()
	} else {
		ch := make(chan error, 1)
		go func() { ch <- cmd.Wait() }()
		waitCh = ch
	}

	c.mu.Lock()
	c.cmd = cmd
	c.waitCh = waitCh
	c.mu.Unlock()
	return nil
}

func (s *Supervisor) startAll(ctx context.Context) error {
	for i, c := range s.children {
		if err := s.spawn(ctx, c); err != nil {
			s.logger.Error().Str("child", c.spec.Name).Err(err).Msg("child failed to start")
			for j := 0; j < i; j++ {
				s.stopOne(s.children[j], 0)
			}
			return fmt.Errorf("start %s: %w", c.spec.Name, err)
		}
		c.mu.Lock()
		pid := c.cmd.Process.Pid
		c.mu.Unlock()
		s.logger.Info().Str("child", c.spec.Name).Int("pid", pid).Msg("child started")
		if err := s.writeState(); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
	}
	return nil
}

// reapOnce performs one non-blocking pass over every child's waitCh,
// applying restart policy to anything that exited. A clean exit(0)
// while no shutdown has been requested is treated as a cooperative
// end-of-life signal rather than something to restart, regardless of
// policy; any child that is not restarted — for that reason or
// because its own policy says so — puts the supervisor into teardown
// and broadcasts terminate to every sibling, so one child's permanent
// exit never leaves the rest running unsupervised. It returns true
// once every child has permanently stopped (nothing left to
// supervise, so Run should return).
func (s *Supervisor) reapOnce(ctx context.Context) bool {
	alive := 0
	for _, c := range s.children {
		c.mu.Lock()
		waitCh := c.waitCh
		dead := c.dead
		c.mu.Unlock()
		if dead || waitCh == nil {
			continue
		}

		select {
		case exitErr := <-waitCh:
			s.logger.Warn().Str("child", c.spec.Name).Err(exitErr).Msg("child exited")

			cooperative := exitErr == nil && !s.token.Cancelled()
			if cooperative {
				s.logger.Info().Str("child", c.spec.Name).Msg("clean exit with no shutdown requested, treating as cooperative end-of-life signal")
				s.token.Trip(cancel.Graceful)
			}

			restart := !cooperative && !s.terminating.Load() && c.spec.Policy.shouldRestart(exitErr)
			if !restart {
				c.mu.Lock()
				c.dead = true
				c.mu.Unlock()
				if s.terminating.CompareAndSwap(false, true) {
					s.logger.Warn().Str("child", c.spec.Name).Msg("child will not be restarted, broadcasting terminate to siblings")
				}
				s.broadcastTerminate(c)
				continue
			}

			if err := s.spawn(ctx, c); err != nil {
				s.logger.Error().Str("child", c.spec.Name).Err(err).Msg("restart failed")
				c.mu.Lock()
				c.dead = true
				c.mu.Unlock()
				continue
			}
			alive++
			if err := s.writeState(); err != nil {
				s.logger.Error().Err(err).Msg("write pidfile after restart")
			}
		default:
			alive++
		}
	}
	return alive == 0
}

// broadcastTerminate signals every other still-live child to stop,
// without blocking this reap pass on their exit: later ticks reap them
// as they die, with restarts suppressed by terminating.
func (s *Supervisor) broadcastTerminate(except *child) {
	for _, sib := range s.children {
		if sib == except {
			continue
		}
		sib.mu.Lock()
		cmd, dead := sib.cmd, sib.dead
		sib.mu.Unlock()
		if dead || cmd == nil || cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// stopAll broadcasts terminate to every live child, per the shutdown
// protocol: graceful SIGTERM, wait up to graceTimeout, then a
// stronger terminate to the whole process group, wait up to
// forceTimeout, then SIGINT as a last resort.
func (s *Supervisor) stopAll(graceTimeout, forceTimeout time.Duration) {
	var wg sync.WaitGroup
	for _, c := range s.children {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stopOne(c, graceTimeout)
		}()
	}
	wg.Wait()

	if s.anyAlive() {
		s.logger.Warn().Msg("children survived graceful terminate, signalling process group")
		_ = syscall.Kill(0, syscall.SIGTERM)
		time.Sleep(forceTimeout)
	}
	if s.anyAlive() {
		s.logger.Error().Msg("children survived stronger terminate, signalling interrupt")
		_ = syscall.Kill(0, syscall.SIGINT)
	}
}

func (s *Supervisor) stopOne(c *child, graceTimeout time.Duration) {
	c.mu.Lock()
	cmd, waitCh, dead := c.cmd, c.waitCh, c.dead
	c.mu.Unlock()
	if dead || cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitCh:
	case <-time.After(graceTimeout):
		s.logger.Warn().Str("child", c.spec.Name).Msg("did not exit within grace period")
		return
	}

	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (s *Supervisor) anyAlive() bool {
	for _, c := range s.children {
		c.mu.Lock()
		cmd, dead := c.cmd, c.dead
		c.mu.Unlock()
		if dead || cmd == nil || cmd.Process == nil {
			continue
		}
		if cmd.Process.Signal(syscall.Signal(0)) == nil {
			return true
		}
	}
	return false
}

func (s *Supervisor) writeState() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	contents := pidfileContents{
		AgentPID:    os.Getpid(),
		SemaphoreID: s.semaphoreID,
	}
	for _, c := range s.children {
		c.mu.Lock()
		if c.cmd != nil && c.cmd.Process != nil {
			contents.Children = append(contents.Children, childLine{PID: c.cmd.Process.Pid, Name: c.spec.Name})
		}
		if c.spec.VersionPath != "" {
			contents.VersionPaths = append(contents.VersionPaths, c.spec.VersionPath)
		}
		c.mu.Unlock()
	}
	return writePidfile(s.pidfilePath, contents)
}
