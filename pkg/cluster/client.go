// Package cluster provides typed RPCs to the coordinator over
// github.com/jackc/pgx/v5: the coordinator is explicitly a
// SQL-speaking process, and pgx is the idiomatic driver a Go service
// reaches for when it owns its own Postgres connection. One pooled
// command connection serves register,
// node_active, get_state/get_nodes/get_coordinator,
// synchronous_standby_names, remove_by_name/host; a second, dedicated
// connection holds the LISTEN session for wait_for_state_change.
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/cuemby/pgkeeper/pkg/log"
	"github.com/cuemby/pgkeeper/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Client is a connection pool of at most two sessions: one command
// connection, serialized by mu, and one dedicated LISTEN connection
// opened lazily by WaitForStateChange.
type Client struct {
	uri    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *pgx.Conn

	listenMu   sync.Mutex
	listenConn *pgx.Conn

	forceCapability *capabilityCache
}

// NewClient connects the command session to the coordinator at uri.
func NewClient(ctx context.Context, uri string) (*Client, error) {
	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		return nil, errs.Wrap(errs.KindCoordinator, "connect to coordinator", err)
	}
	return &Client{
		uri:             uri,
		logger:          log.WithComponent("cluster"),
		conn:            conn,
		forceCapability: newCapabilityCache(),
	}, nil
}

// Close closes both the command and (if open) the notification
// connection, so neither is left as a half-open session.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	_ = c.conn.Close(ctx)
	c.mu.Unlock()

	c.listenMu.Lock()
	if c.listenConn != nil {
		_ = c.listenConn.Close(ctx)
		c.listenConn = nil
	}
	c.listenMu.Unlock()
}

// query runs fn against the serialized command connection, reconnecting
// once if the connection has gone bad (the coordinator restarted, a
// load balancer dropped the session). The reconnect is not itself
// retried — callers needing backoff use pkg/cluster/retry.go.
func (c *Client) query(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsClosed() {
		conn, err := pgx.Connect(ctx, c.uri)
		if err != nil {
			return errs.Wrap(errs.KindCoordinator, "reconnect to coordinator", err)
		}
		c.conn = conn
	}

	if err := fn(c.conn); err != nil {
		return classifyCoordinatorError(err)
	}
	return nil
}

func classifyCoordinatorError(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.KindCoordinator, "coordinator RPC", err)
}

// RegisterRequest is the payload for Register.
type RegisterRequest struct {
	Formation   string
	Group       int32
	DesiredRole types.Role
	Identity    types.NodeIdentity
}

// RegisterResponse is the coordinator's reply to Register.
type RegisterResponse struct {
	NodeID       int64
	GroupID      int32
	AssignedRole types.Role
}

// Register performs the `register` RPC.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	var assignedRole string
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT node_id, group_id, assigned_role FROM pgkeeper.register_node($1,$2,$3,$4,$5,$6,$7)`,
			req.Formation, req.Group, string(req.DesiredRole),
			req.Identity.Name, req.Identity.Hostname, req.Identity.Port, req.Identity.SystemIdentifier,
		).Scan(&resp.NodeID, &resp.GroupID, &assignedRole)
	})
	if err != nil {
		return RegisterResponse{}, err
	}
	resp.AssignedRole = types.Role(assignedRole)
	return resp, nil
}

// NodeActiveRequest is the payload for NodeActive.
type NodeActiveRequest struct {
	Formation   string
	NodeID      int64
	Group       int32
	CurrentRole types.Role
	PgIsRunning bool
	TimelineID  uint32
	CurrentLSN  uint64
	SyncState   types.SyncState
}

// NodeActiveResponse is the coordinator's reply to NodeActive.
type NodeActiveResponse struct {
	AssignedRole        types.Role
	GroupID             int32
	ReplicationSlotName string
}

// NodeActive performs the `node_active` RPC: the heartbeat the control
// loop calls every tick. Errors are propagated to the caller, which
// retries on its own next tick rather than looping here.
func (c *Client) NodeActive(ctx context.Context, req NodeActiveRequest) (NodeActiveResponse, error) {
	var resp NodeActiveResponse
	var assignedRole string
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT assigned_role, group_id, replication_slot_name FROM pgkeeper.node_active($1,$2,$3,$4,$5,$6,$7,$8)`,
			req.Formation, req.NodeID, req.Group, string(req.CurrentRole),
			req.PgIsRunning, req.TimelineID, int64(req.CurrentLSN), string(req.SyncState),
		).Scan(&assignedRole, &resp.GroupID, &resp.ReplicationSlotName)
	})
	if err != nil {
		return NodeActiveResponse{}, err
	}
	resp.AssignedRole = types.Role(assignedRole)
	return resp, nil
}

// RemoveByName performs `remove_by_name`.
func (c *Client) RemoveByName(ctx context.Context, formation, name string, force bool) (nodeID int64, groupID int32, err error) {
	err = c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT node_id, group_id FROM pgkeeper.remove_by_name($1,$2,$3)`,
			formation, name, force,
		).Scan(&nodeID, &groupID)
	})
	return nodeID, groupID, err
}

// RemoveByHost performs `remove_by_host`.
func (c *Client) RemoveByHost(ctx context.Context, formation, hostname string, port uint16, force bool) (nodeID int64, groupID int32, err error) {
	err = c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT node_id, group_id FROM pgkeeper.remove_by_host($1,$2,$3,$4)`,
			formation, hostname, port, force,
		).Scan(&nodeID, &groupID)
	})
	return nodeID, groupID, err
}

// NodeState is one row of `get_state`.
type NodeState struct {
	NodeID       int64
	GroupID      int32
	Name         string
	CurrentRole  types.Role
	AssignedRole types.Role
}

// GetState performs `get_state`.
func (c *Client) GetState(ctx context.Context, formation string, group int32) ([]NodeState, error) {
	var rows []NodeState
	err := c.query(ctx, func(conn *pgx.Conn) error {
		result, err := conn.Query(ctx,
			`SELECT node_id, group_id, name, current_role, assigned_role FROM pgkeeper.get_state($1,$2)`,
			formation, group)
		if err != nil {
			return err
		}
		defer result.Close()
		for result.Next() {
			var row NodeState
			var current, assigned string
			if err := result.Scan(&row.NodeID, &row.GroupID, &row.Name, &current, &assigned); err != nil {
				return err
			}
			row.CurrentRole = types.Role(current)
			row.AssignedRole = types.Role(assigned)
			rows = append(rows, row)
		}
		return result.Err()
	})
	return rows, err
}

// GetNodes performs `get_nodes`.
func (c *Client) GetNodes(ctx context.Context, formation string) ([]types.NodeIdentity, error) {
	var rows []types.NodeIdentity
	err := c.query(ctx, func(conn *pgx.Conn) error {
		result, err := conn.Query(ctx,
			`SELECT node_id, group_id, name, hostname, port, system_identifier FROM pgkeeper.get_nodes($1)`,
			formation)
		if err != nil {
			return err
		}
		defer result.Close()
		for result.Next() {
			var row types.NodeIdentity
			if err := result.Scan(&row.NodeID, &row.GroupID, &row.Name, &row.Hostname, &row.Port, &row.SystemIdentifier); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return result.Err()
	})
	return rows, err
}

// ReportLSN performs `report_lsn`, publishing this node's current LSN
// to the coordinator as part of the ReportLSN/FastForward exchange
// that runs ahead of a promotion.
func (c *Client) ReportLSN(ctx context.Context, formation string, group int32, nodeID int64, lsn uint64) error {
	return c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SELECT pgkeeper.report_lsn($1,$2,$3,$4)`, formation, group, nodeID, int64(lsn))
		return err
	})
}

// ReportedLSN reads back one standby's most recently reported LSN, the
// per-node RPC GatherReportedLSN uses while assembling the candidate
// set for a promotion tie-break.
func (c *Client) ReportedLSN(ctx context.Context, formation string, group int32, nodeID int64) (uint64, error) {
	var lsn int64
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT lsn FROM pgkeeper.reported_lsn($1,$2,$3)`, formation, group, nodeID,
		).Scan(&lsn)
	})
	return uint64(lsn), err
}

// GetCoordinator performs `get_coordinator`, returning its connection URI.
func (c *Client) GetCoordinator(ctx context.Context) (string, error) {
	var uri string
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT uri FROM pgkeeper.get_coordinator()`).Scan(&uri)
	})
	return uri, err
}

// SynchronousStandbyNames performs `synchronous_standby_names`.
func (c *Client) SynchronousStandbyNames(ctx context.Context, formation string, group int32) (string, error) {
	var value string
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT pgkeeper.synchronous_standby_names($1,$2)`, formation, group,
		).Scan(&value)
	})
	return value, err
}

// EnableMaintenance asks the coordinator to assign RolePrepareMaintenance
// to the named node, so an operator can take it out of the replication
// topology for planned work without the partition heuristic firing.
func (c *Client) EnableMaintenance(ctx context.Context, formation, name string) error {
	return c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SELECT pgkeeper.enable_maintenance($1,$2)`, formation, name)
		return err
	})
}

// DisableMaintenance asks the coordinator to return the named node from
// RoleMaintenance back into the formation's replication topology.
func (c *Client) DisableMaintenance(ctx context.Context, formation, name string) error {
	return c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SELECT pgkeeper.disable_maintenance($1,$2)`, formation, name)
		return err
	})
}

// PerformFailover asks the coordinator to run its own failover decision
// for the group: pick the best-placed standby, assign it
// RolePreparePromotion and the current primary RoleDemoteTimeout. The
// agents converge the rest via the FSM; this call only kicks off the
// coordinator's side.
func (c *Client) PerformFailover(ctx context.Context, formation string, group int32) error {
	return c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SELECT pgkeeper.perform_failover($1,$2)`, formation, group)
		return err
	})
}

// PerformPromotion asks the coordinator to promote a specific named node
// rather than letting it pick, used when an operator wants a particular
// standby to become primary.
func (c *Client) PerformPromotion(ctx context.Context, formation, name string) error {
	return c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SELECT pgkeeper.perform_promotion($1,$2)`, formation, name)
		return err
	})
}

// String implements fmt.Stringer for log fields without leaking the URI's credentials.
func (c *Client) String() string {
	return fmt.Sprintf("cluster.Client(connected=%v)", c.conn != nil && !c.conn.IsClosed())
}
