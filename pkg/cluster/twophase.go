// Two-phase, crash-safe cluster-metadata updates, built on pgx's
// prepared-transaction support. The transaction name is a pure
// function of groupId so that a retry after a crash observes any
// in-flight prepared transaction left by the previous attempt and
// reconciles it, rather than blindly preparing a second one.
package cluster

import (
	"context"
	"fmt"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/jackc/pgx/v5"
)

// TwoPhaseTxName returns the deterministic prepared-transaction name
// for a cluster-metadata update scoped to groupId, so restart after a
// crash can detect an in-flight prepared transaction and reconcile it
// instead of preparing a second one.
func TwoPhaseTxName(groupID int32) string {
	return fmt.Sprintf("pgkeeper_tx_%d", groupID)
}

// CommitClusterUpdate runs fn inside a transaction, prepares it under
// the deterministic name for groupID, then immediately commits the
// prepared transaction. Splitting prepare and commit this way (rather
// than a plain COMMIT) means a crash between the two leaves a
// recoverable artefact: RecoverPrepared finds it and finishes the job
// instead of silently losing the update or retrying it twice.
func (c *Client) CommitClusterUpdate(ctx context.Context, groupID int32, fn func(tx pgx.Tx) error) error {
	txName := TwoPhaseTxName(groupID)

	err := c.query(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", txName)); err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("COMMIT PREPARED '%s'", txName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindCoordinator, "two-phase cluster update", err)
	}
	return nil
}

// PreparedTx describes one prepared transaction this agent's group
// left behind, as reported by the coordinator's pg_prepared_xacts.
type PreparedTx struct {
	Name       string
	PreparedAt string
}

// RecoverPrepared lists any prepared transaction still outstanding
// under this group's deterministic name. initprotocol and the control
// loop call this after every restart, before running any FSM
// transition: an empty result means the prior attempt, if any,
// already completed cleanly.
func (c *Client) RecoverPrepared(ctx context.Context, groupID int32) ([]PreparedTx, error) {
	txName := TwoPhaseTxName(groupID)
	var out []PreparedTx
	err := c.query(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT gid, prepared::text FROM pg_prepared_xacts WHERE gid = $1`, txName)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p PreparedTx
			if err := rows.Scan(&p.Name, &p.PreparedAt); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindCoordinator, "scan prepared transactions", err)
	}
	return out, nil
}

// RecoverAndReconcile scans for a prepared transaction left dangling
// under groupID's deterministic name by a crash between PREPARE
// TRANSACTION and COMMIT PREPARED inside CommitClusterUpdate, and
// commits it. By construction CommitClusterUpdate always runs the
// local side effect and durably captures it in the PREPARE before
// attempting the commit, so any prepared transaction found here
// represents work that already happened and only needs its commit
// finished — never a rollback candidate. Called once at startup by
// initprotocol's resume branch and the control loop, before any FSM
// transition runs.
func (c *Client) RecoverAndReconcile(ctx context.Context, groupID int32) error {
	pending, err := c.RecoverPrepared(ctx, groupID)
	if err != nil {
		return err
	}
	for range pending {
		if err := c.ResolvePrepared(ctx, groupID, true); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePrepared commits or rolls back a dangling prepared
// transaction found by RecoverPrepared. commit=true reconciles the
// attempt as completed (the local side effect, e.g. promotion, is
// known to have already happened); commit=false discards it.
func (c *Client) ResolvePrepared(ctx context.Context, groupID int32, commit bool) error {
	txName := TwoPhaseTxName(groupID)
	verb := "ROLLBACK PREPARED"
	if commit {
		verb = "COMMIT PREPARED"
	}
	err := c.query(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("%s '%s'", verb, txName))
		return err
	})
	if err != nil {
		return errs.Wrap(errs.KindCoordinator, "resolve prepared transaction", err)
	}
	return nil
}
