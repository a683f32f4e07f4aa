// Package state persists KeeperState and InitProgress as small
// versioned binary files: magic, version, fixed-width fields, written
// via fsync-temp-then-rename (pkg/atomicfile) and read back with a
// strict version check. No corpus dependency models this shape well —
// it is neither a KV store nor a document format, and
// go.etcd.io/bbolt would misrepresent a single small
// atomically-swapped struct behind a multi-page B+tree with its own
// locking model, so this one concern is a hand-written codec over
// encoding/binary by necessity (see DESIGN.md). bbolt keeps a home
// elsewhere in this agent, in pkg/events.
package state

import (
	"os"

	"github.com/cuemby/pgkeeper/pkg/atomicfile"
	"github.com/cuemby/pgkeeper/pkg/config"
	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/types"
)

// Store reads and writes a single node's keeper-state and
// init-progress files.
type Store struct {
	paths config.Paths
}

// New returns a Store rooted at paths.
func New(paths config.Paths) *Store {
	return &Store{paths: paths}
}

// Field mutates a KeeperState in place; used by Update so callers
// never have to Load, mutate, then Store by hand.
type Field func(*types.KeeperState)

// Load re-reads the state file from disk. Callers must never rely on
// an in-memory cache between control-loop iterations, since the
// coordinator's view must match what's durable.
func (s *Store) Load() (*types.KeeperState, error) {
	data, err := os.ReadFile(s.paths.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindInvariantViolation, "read state file", err)
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvariantViolation, "decode state file", err)
	}
	return st, nil
}

// Store atomically rewrites the state file with st.
func (s *Store) Store(st *types.KeeperState) error {
	st.Version = versionMajor
	data, err := encodeState(st)
	if err != nil {
		return errs.Wrap(errs.KindInvariantViolation, "encode state", err)
	}
	if err := atomicfile.Write(s.paths.StateFile(), data, 0600); err != nil {
		return errs.Wrap(errs.KindInvariantViolation, "persist state file", err)
	}
	return nil
}

// Update loads the current state, applies fields in order, and stores
// the result. It is the one entry point the control loop and FSM use
// to mutate persisted state, so every mutation goes through the same
// load-mutate-store sequence.
func (s *Store) Update(fields ...Field) (*types.KeeperState, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		f(st)
	}
	if err := s.Store(st); err != nil {
		return nil, err
	}
	return st, nil
}

// ReadInit reads the init-progress file. The returned bool is false
// (with a nil error) when no init file exists; that is treated as "no
// registration in progress," not a failure.
func (s *Store) ReadInit() (*types.InitProgress, bool, error) {
	data, err := os.ReadFile(s.paths.InitFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindInvariantViolation, "read init file", err)
	}
	ip, err := decodeInit(data)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindInvariantViolation, "decode init file", err)
	}
	return ip, true, nil
}

// WriteInit atomically writes the init-progress file, created at
// registration and removed only after the initial assignment is
// fully realized.
func (s *Store) WriteInit(ip *types.InitProgress) error {
	data, err := encodeInit(ip)
	if err != nil {
		return errs.Wrap(errs.KindInvariantViolation, "encode init", err)
	}
	if err := atomicfile.Write(s.paths.InitFile(), data, 0600); err != nil {
		return errs.Wrap(errs.KindInvariantViolation, "persist init file", err)
	}
	return nil
}

// RemoveInit deletes the init-progress file. A missing file is not an
// error: the caller may be retrying a removal that already succeeded.
func (s *Store) RemoveInit() error {
	if err := os.Remove(s.paths.InitFile()); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindInvariantViolation, "remove init file", err)
	}
	return nil
}

// Field constructors used by the control loop and FSM to build
// Update() calls declaratively.

func WithAssignedRole(r types.Role) Field {
	return func(s *types.KeeperState) { s.AssignedRole = r }
}

func WithCurrentRole(r types.Role) Field {
	return func(s *types.KeeperState) { s.CurrentRole = r }
}

func WithMonitorContact(epoch int64) Field {
	return func(s *types.KeeperState) { s.LastMonitorContactEpoch = epoch }
}

func WithSecondaryContact(epoch int64) Field {
	return func(s *types.KeeperState) { s.LastSecondaryContactEpoch = epoch }
}

func WithXlogLocation(lsn uint64) Field {
	return func(s *types.KeeperState) { s.XlogLocation = lsn }
}

func WithIdentity(nodeID int64, group int32, systemIdentifier uint64) Field {
	return func(s *types.KeeperState) {
		s.CurrentNodeID = nodeID
		s.CurrentGroup = group
		s.SystemIdentifier = systemIdentifier
	}
}

func WithControlVersions(pgControl, catalog uint32) Field {
	return func(s *types.KeeperState) {
		s.PgControlVersion = pgControl
		s.CatalogVersion = catalog
	}
}

// WithFastForwardSource records (or, passed 0, clears) the node id the
// FastForward role is catching up against, set by the ReportLSN step
// once the promotion tie-break picks a winner other than this node.
func WithFastForwardSource(nodeID int64) Field {
	return func(s *types.KeeperState) { s.FastForwardSourceNodeID = nodeID }
}
