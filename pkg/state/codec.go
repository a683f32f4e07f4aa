package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/pgkeeper/pkg/types"
)

// stateMagic identifies a keeper-state file so a stray INI or pidfile
// is never mistaken for one.
const stateMagic uint32 = 0x706b7072 // "pkpr"

// Version is split so a minor bump (new trailing field) is tolerated
// on read (the field decodes to its zero value) while a major bump is
// rejected outright.
const (
	versionMajor uint16 = 1
	versionMinor uint16 = 1
)

// roleCodes gives every Role a fixed one-byte on-disk code instead of
// a variable-length string, keeping the file genuinely fixed-width.
var roleCodes = []types.Role{
	types.RoleInit, types.RoleSingle, types.RoleWaitPrimary, types.RolePrimary,
	types.RoleWaitStandby, types.RoleCatchingUp, types.RoleSecondary,
	types.RolePrepareMaintenance, types.RoleMaintenance, types.RolePreparePromotion,
	types.RoleStopReplication, types.RoleDemoteTimeout, types.RoleDemoted,
	types.RoleDraftingReplication, types.RoleJoinPrimary, types.RoleApplySettings,
	types.RoleReportLSN, types.RoleFastForward, types.RoleDropped,
}

func roleToCode(r types.Role) (uint8, error) {
	for i, c := range roleCodes {
		if c == r {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("state: unknown role %q", r)
}

func codeToRole(c uint8) (types.Role, error) {
	if int(c) >= len(roleCodes) {
		return "", fmt.Errorf("state: unknown role code %d", c)
	}
	return roleCodes[c], nil
}

// encodeState serializes s into the fixed-width framed format:
// magic, versionMajor, versionMinor, then every KeeperState field in
// declared order.
func encodeState(s *types.KeeperState) ([]byte, error) {
	currentCode, err := roleToCode(s.CurrentRole)
	if err != nil {
		return nil, err
	}
	assignedCode, err := roleToCode(s.AssignedRole)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	fields := []any{
		stateMagic, versionMajor, versionMinor,
		s.CurrentNodeID, s.CurrentGroup,
		currentCode, assignedCode,
		s.LastMonitorContactEpoch, s.LastSecondaryContactEpoch,
		s.XlogLocation, s.PgControlVersion, s.CatalogVersion,
		s.SystemIdentifier, s.FastForwardSourceNodeID,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("state: encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// decodeState parses the framed format written by encodeState. A file
// written by an older minor version is accepted with its missing
// trailing fields defaulting to zero; a major-version mismatch is
// reported to the caller as an invariant violation.
func decodeState(data []byte) (*types.KeeperState, error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("state: read magic: %w", err)
	}
	if magic != stateMagic {
		return nil, fmt.Errorf("state: bad magic %#x", magic)
	}

	var major, minor uint16
	if err := binary.Read(r, binary.BigEndian, &major); err != nil {
		return nil, fmt.Errorf("state: read version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &minor); err != nil {
		return nil, fmt.Errorf("state: read version: %w", err)
	}
	if major != versionMajor {
		return nil, &VersionMismatchError{FileMajor: major, WantMajor: versionMajor}
	}

	s := &types.KeeperState{Version: major}
	var currentCode, assignedCode uint8

	readers := []func() error{
		func() error { return binary.Read(r, binary.BigEndian, &s.CurrentNodeID) },
		func() error { return binary.Read(r, binary.BigEndian, &s.CurrentGroup) },
		func() error { return binary.Read(r, binary.BigEndian, &currentCode) },
		func() error { return binary.Read(r, binary.BigEndian, &assignedCode) },
		func() error { return binary.Read(r, binary.BigEndian, &s.LastMonitorContactEpoch) },
		func() error { return binary.Read(r, binary.BigEndian, &s.LastSecondaryContactEpoch) },
		func() error { return binary.Read(r, binary.BigEndian, &s.XlogLocation) },
		func() error { return binary.Read(r, binary.BigEndian, &s.PgControlVersion) },
		func() error { return binary.Read(r, binary.BigEndian, &s.CatalogVersion) },
		func() error { return binary.Read(r, binary.BigEndian, &s.SystemIdentifier) },
		func() error { return binary.Read(r, binary.BigEndian, &s.FastForwardSourceNodeID) },
	}
	for _, read := range readers {
		if err := read(); err != nil {
			if err == io.EOF && minor < versionMinor {
				break // older minor version omitted this trailing field
			}
			return nil, fmt.Errorf("state: decode: %w", err)
		}
	}

	current, err := codeToRole(currentCode)
	if err != nil {
		return nil, err
	}
	assigned, err := codeToRole(assignedCode)
	if err != nil {
		return nil, err
	}
	s.CurrentRole = current
	s.AssignedRole = assigned
	return s, nil
}

// VersionMismatchError is returned when a state file's major version
// does not match what this build understands, forcing an explicit
// re-registration rather than a silent misread.
type VersionMismatchError struct {
	FileMajor uint16
	WantMajor uint16
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("state: file version %d is incompatible with supported version %d", e.FileMajor, e.WantMajor)
}
