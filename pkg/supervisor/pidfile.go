package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/pgkeeper/pkg/atomicfile"
)

// childLine is one "<pid> <serviceName>" record in the pidfile.
type childLine struct {
	PID  int
	Name string
}

// pidfileContents mirrors the fixed pidfile layout: agent pid,
// log-semaphore id, one line per supervised child, then per-service
// version-probe pidfile paths.
type pidfileContents struct {
	AgentPID     int
	SemaphoreID  string
	Children     []childLine
	VersionPaths []string
}

func renderPidfile(c pidfileContents) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", c.AgentPID)
	fmt.Fprintf(&b, "%s\n", c.SemaphoreID)
	for _, ch := range c.Children {
		fmt.Fprintf(&b, "%d %s\n", ch.PID, ch.Name)
	}
	for _, p := range c.VersionPaths {
		fmt.Fprintf(&b, "%s\n", p)
	}
	return []byte(b.String())
}

func writePidfile(path string, c pidfileContents) error {
	return atomicfile.Write(path, renderPidfile(c), 0o644)
}

// ReadAgentPID reads the pidfile's first line: the pid of the
// supervisor that owns path. Exported so `pgkeeper stop`/`reload` can
// signal the running agent without duplicating the pidfile layout.
func ReadAgentPID(path string) (int, error) {
	return readPidfileAgentPID(path)
}

// ProcessAlive is the portable liveness probe ReadAgentPID's caller
// needs to tell a stale pidfile from a live one.
func ProcessAlive(pid int) bool { return processAlive(pid) }

// readPidfileAgentPID reads only the first line, which is all the
// per-tick sentinel needs.
func readPidfileAgentPID(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("pidfile %s is empty", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: malformed agent pid: %w", path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 is the portable
	// liveness probe.
	return proc.Signal(syscall.Signal(0)) == nil
}
