package cluster

import (
	"context"
	"time"

	"github.com/cuemby/pgkeeper/pkg/errs"
	"github.com/jackc/pgx/v5"
)

// notifyChannel is the coordinator's pub/sub channel this agent
// listens on for state-change wakeups. Message bodies are opaque;
// only the wakeup itself matters.
const notifyChannel = "pgkeeper_state_change"

// WaitForStateChange blocks until a notification arrives on the shared
// notifyChannel or timeout elapses. The formation, group and nodeID
// arguments do not filter which notifications wake it. A timeout is
// not an error — it
// simply means the control loop falls back to its regular ticker.
func (c *Client) WaitForStateChange(ctx context.Context, formation string, group int32, nodeID int64, timeout time.Duration) (bool, error) {
	conn, err := c.listenConnection(ctx)
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = conn.WaitForNotification(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil {
			return false, nil // timeout, not an error
		}
		c.closeListenConnection()
		return false, errs.Wrap(errs.KindCoordinator, "wait for state change", err)
	}
	return true, nil
}

// listenConnection lazily opens the dedicated LISTEN session and
// issues `LISTEN` once per connection lifetime.
func (c *Client) listenConnection(ctx context.Context) (*pgx.Conn, error) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	if c.listenConn != nil && !c.listenConn.IsClosed() {
		return c.listenConn, nil
	}

	conn, err := pgx.Connect(ctx, c.uri)
	if err != nil {
		return nil, errs.Wrap(errs.KindCoordinator, "open notification session", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, errs.Wrap(errs.KindCoordinator, "LISTEN", err)
	}
	c.listenConn = conn
	return conn, nil
}

// CloseIdleListener closes the notification session so it does not sit
// idle against the coordinator; the next WaitForStateChange opens a
// fresh session and issues LISTEN again.
func (c *Client) CloseIdleListener() {
	c.closeListenConnection()
}

func (c *Client) closeListenConnection() {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	if c.listenConn != nil {
		_ = c.listenConn.Close(context.Background())
		c.listenConn = nil
	}
}
