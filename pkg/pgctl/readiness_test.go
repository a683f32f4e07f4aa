package pgctl

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPortAccepting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.True(t, portAccepting(context.Background(), ln.Addr().String(), time.Second))
}

func TestPortAccepting_NothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // free the port; nothing listens there now

	require.False(t, portAccepting(context.Background(), addr, 500*time.Millisecond))
}

// fakeIsReady drops a stand-in pg_isready script into a temp bin
// directory so the probe's exec plumbing can be exercised without a
// server.
func fakeIsReady(t *testing.T, script string) *Controller {
	t.Helper()
	binDir := t.TempDir()
	path := filepath.Join(binDir, "pg_isready")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return New(Config{BinDir: binDir, DataDir: t.TempDir(), Port: 5499, SocketDir: "/tmp"})
}

func TestPgIsReady_AcceptingConnections(t *testing.T) {
	c := fakeIsReady(t, `echo "/tmp:5499 - accepting connections"; exit 0`)
	ok, report := c.pgIsReady(context.Background())
	require.True(t, ok)
	require.Contains(t, report, "accepting connections")
}

func TestPgIsReady_Rejecting(t *testing.T) {
	c := fakeIsReady(t, `echo "/tmp:5499 - no response"; exit 2`)
	ok, report := c.pgIsReady(context.Background())
	require.False(t, ok)
	require.Contains(t, report, "no response")
}
