package cluster

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// capabilityCache remembers the result of a one-time feature probe
// against the coordinator so repeat calls never re-query pg_proc.
// Feature-detection is preferred over pinning to a coordinator
// version; this cache makes the detection pay for itself once per
// connection instead of once per call.
type capabilityCache struct {
	mu       sync.Mutex
	probed   bool
	detected bool
}

func newCapabilityCache() *capabilityCache {
	return &capabilityCache{}
}

// HasForceVariant reports whether the coordinator's cluster-metadata
// update function exposes the extra-arity "force" overload, probing
// pg_proc once and caching the answer for the lifetime of the
// connection.
func (c *Client) HasForceVariant(ctx context.Context) (bool, error) {
	c.forceCapability.mu.Lock()
	defer c.forceCapability.mu.Unlock()

	if c.forceCapability.probed {
		return c.forceCapability.detected, nil
	}

	var count int
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT count(*) FROM pg_proc p
			JOIN pg_namespace n ON n.oid = p.pronamespace
			WHERE n.nspname = 'pgkeeper'
			  AND p.proname = 'update_node_state'
			  AND p.pronargs = $1
		`, forceVariantArgCount).Scan(&count)
	})
	if err != nil {
		return false, err
	}

	c.forceCapability.probed = true
	c.forceCapability.detected = count > 0
	return c.forceCapability.detected, nil
}

// forceVariantArgCount is the argument count of the overload that
// accepts an explicit "force" boolean, distinguishing it from the
// older signature without that parameter.
const forceVariantArgCount = 5

// WorkerGroupCapability is an optional sharded-extension RPC surface:
// an extra coordinator call available only when the worker-group
// coordination extension is installed. The standalone control loop
// never requires it; callers that have it probe with
// HasWorkerGroupSupport and ignore the capability entirely when it
// returns false rather than guessing at the standalone-vs-sharded
// boundary.
type WorkerGroupCapability interface {
	HasWorkerGroupSupport(ctx context.Context) (bool, error)
	WorkerGroupMembership(ctx context.Context, formation string, group int32) ([]int32, error)
}

// HasWorkerGroupSupport probes for the sharded-extension's membership
// function the same way HasForceVariant probes for the force overload.
// Unlike HasForceVariant, the result is not cached: every call queries
// pg_proc again.
func (c *Client) HasWorkerGroupSupport(ctx context.Context) (bool, error) {
	var count int
	err := c.query(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT count(*) FROM pg_proc p
			JOIN pg_namespace n ON n.oid = p.pronamespace
			WHERE n.nspname = 'pgkeeper' AND p.proname = 'worker_group_membership'
		`).Scan(&count)
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// WorkerGroupMembership delegates the "worker group membership" call
// to the coordinator's sharded extension; this agent only delegates
// sharding logic, it never implements it. Callers must have
// confirmed HasWorkerGroupSupport first; calling
// this against a coordinator without the extension surfaces as a
// protocol error, not a panic.
func (c *Client) WorkerGroupMembership(ctx context.Context, formation string, group int32) ([]int32, error) {
	var groups []int32
	err := c.query(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT group_id FROM pgkeeper.worker_group_membership($1,$2)`, formation, group)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g int32
			if err := rows.Scan(&g); err != nil {
				return err
			}
			groups = append(groups, g)
		}
		return rows.Err()
	})
	return groups, err
}
