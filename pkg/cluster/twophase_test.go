package cluster

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestTwoPhaseTxName_DeterministicPerGroup(t *testing.T) {
	require.Equal(t, TwoPhaseTxName(7), TwoPhaseTxName(7))
	require.NotEqual(t, TwoPhaseTxName(7), TwoPhaseTxName(8))
	require.Equal(t, "pgkeeper_tx_7", TwoPhaseTxName(7))
}

// testCoordinatorURI returns the connection string for a live
// coordinator to exercise the PREPARE/COMMIT PREPARED path against.
// PREPARE TRANSACTION has no in-process fake, so unlike retry_test.go's
// isTransient cases this one needs a real server; tests using it skip
// cleanly when none is configured.
func testCoordinatorURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("PGKEEPER_TEST_COORDINATOR_URI")
	if uri == "" {
		t.Skip("PGKEEPER_TEST_COORDINATOR_URI not set, skipping coordinator integration test")
	}
	return uri
}

func TestClient_CommitClusterUpdate_LeavesNothingToRecover(t *testing.T) {
	uri := testCoordinatorURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(ctx, uri)
	require.NoError(t, err)
	defer c.Close(ctx)

	const group int32 = 999001

	err = c.CommitClusterUpdate(ctx, group, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "SELECT 1")
		return err
	})
	require.NoError(t, err)

	pending, err := c.RecoverPrepared(ctx, group)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestClient_RecoverAndReconcile_CommitsADanglingPreparedTransaction(t *testing.T) {
	uri := testCoordinatorURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewClient(ctx, uri)
	require.NoError(t, err)
	defer c.Close(ctx)

	const group int32 = 999002
	txName := TwoPhaseTxName(group)

	// Simulate a crash between PREPARE TRANSACTION and COMMIT PREPARED
	// inside CommitClusterUpdate by preparing the transaction directly
	// and never committing it.
	conn, err := pgx.Connect(ctx, uri)
	require.NoError(t, err)
	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", txName))
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	pending, err := c.RecoverPrepared(ctx, group)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, txName, pending[0].Name)

	require.NoError(t, c.RecoverAndReconcile(ctx, group))

	pending, err = c.RecoverPrepared(ctx, group)
	require.NoError(t, err)
	require.Empty(t, pending)
}
