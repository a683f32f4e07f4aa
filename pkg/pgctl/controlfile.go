package pgctl

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ControlData is the subset of pg_controldata's output the agent
// needs, obtainable without the server running.
type ControlData struct {
	ControlVersion   uint32
	CatalogVersion   uint32
	SystemIdentifier uint64
	TimelineID       uint32
	CheckpointLSN    uint64
}

// ReadControlFile shells out to pg_controldata and parses its
// human-readable report, the same drive-a-Postgres-CLI-tool shape as
// the pg_isready readiness probe, rather than parsing the control
// file's binary layout by hand — the on-disk format is
// version-specific and undocumented across major releases, while
// pg_controldata ships with every server build it needs to describe.
func (c *Controller) ReadControlFile(ctx context.Context) (ControlData, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	ctldataBin := filepath.Join(c.cfg.BinDir, "pg_controldata")
	cmd := exec.CommandContext(ctx, ctldataBin, c.cfg.DataDir)
	out, err := cmd.Output()
	if err != nil {
		return ControlData{}, fmt.Errorf("pgctl: pg_controldata: %w", err)
	}
	return parseControlData(string(out))
}

func parseControlData(report string) (ControlData, error) {
	var cd ControlData
	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		switch key {
		case "pg_control version number":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				cd.ControlVersion = uint32(n)
			}
		case "Catalog version number":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				cd.CatalogVersion = uint32(n)
			}
		case "Database system identifier":
			if n, err := strconv.ParseUint(val, 10, 64); err == nil {
				cd.SystemIdentifier = n
			}
		case "Latest checkpoint's TimeLineID":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				cd.TimelineID = uint32(n)
			}
		case "Latest checkpoint location":
			if lsn, ok := parseLSN(val); ok {
				cd.CheckpointLSN = lsn
			}
		}
	}
	if cd.SystemIdentifier == 0 {
		return cd, fmt.Errorf("pgctl: could not find system identifier in pg_controldata output")
	}
	return cd, nil
}

// parseLSN parses Postgres's "XXXXXXXX/XXXXXXXX" LSN notation into a
// single 64-bit value: high 32 bits before the slash, low 32 after.
func parseLSN(s string) (uint64, bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, false
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, false
	}
	return hi<<32 | lo, true
}

// startupTimeout bounds how long ReadControlFile waits for
// pg_controldata to answer; the tool itself is instantaneous but a
// stuck NFS-backed data directory should not hang the caller forever.
const startupTimeout = 5 * time.Second
