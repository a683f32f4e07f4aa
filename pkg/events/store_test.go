package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAppendAndList(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append(&Event{Type: EventRoleChanged, Message: "init->single"}))
	require.NoError(t, s.Append(&Event{Type: EventMonitorContact, Message: "node_active ok"}))

	list, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, EventRoleChanged, list[0].Type)
	require.Equal(t, EventMonitorContact, list[1].Type)
}

func TestStoreListLimitReturnsNewest(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(&Event{Type: EventMonitorContact, Message: string(rune('a' + i))}))
	}

	list, err := s.List(3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "h", list[0].Message)
	require.Equal(t, "j", list[2].Message)
}

func TestStoreCapsAtMaxEntries(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < maxStoredEvents+25; i++ {
		require.NoError(t, s.Append(&Event{Type: EventMonitorContact}))
	}

	list, err := s.List(0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(list), maxStoredEvents)
}

func TestStoreFollowPersistsBrokerEvents(t *testing.T) {
	s := openTestStore(t)
	b := NewBroker()
	b.Start()
	defer b.Stop()

	stop := make(chan struct{})
	defer close(stop)
	s.Follow(b, stop)

	b.Publish(&Event{Type: EventDropped, Message: "node dropped"})

	require.Eventually(t, func() bool {
		list, err := s.List(0)
		return err == nil && len(list) == 1 && list[0].Type == EventDropped
	}, 2*time.Second, 20*time.Millisecond)
}
