package pgctl

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Readiness of a starting postmaster is probed on two levels: the
// kernel-level "is anything accepting on the port yet" check, and the
// server's own pg_isready verdict, which also distinguishes a
// postmaster that is up but still replaying WAL. Start blocks on both
// so a caller that sees Start return can immediately open a
// connection.

// portAccepting reports whether the postmaster has begun accepting TCP
// connections on addr. A refused or timed-out dial simply means "not
// yet" — the caller's poll loop owns the overall deadline.
func portAccepting(ctx context.Context, addr string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// pgIsReady shells out to the server's own pg_isready binary over the
// Unix socket, the authoritative "accepting connections" answer during
// startup and recovery. The second return is the probe's one-line
// report, logged when a start is slow enough to be worth explaining.
func (c *Controller) pgIsReady(ctx context.Context) (bool, string) {
	probeCtx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	bin := filepath.Join(c.cfg.BinDir, "pg_isready")
	cmd := exec.CommandContext(probeCtx, bin,
		"-h", c.cfg.SocketDir,
		"-p", strconv.Itoa(int(c.cfg.Port)),
	)
	out, err := cmd.CombinedOutput()
	return err == nil, strings.TrimSpace(string(out))
}

const (
	// readyProbeTimeout bounds one pg_isready invocation; the tool
	// answers instantly once the postmaster is up, so a slow answer is
	// the same as a negative one.
	readyProbeTimeout = 2 * time.Second

	// readyDialTimeout bounds one TCP dial of the readiness loop.
	readyDialTimeout = time.Second
)
