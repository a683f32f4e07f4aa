package cancel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenStartsUntripped(t *testing.T) {
	tok := New()
	require.False(t, tok.Cancelled())
	require.Equal(t, None, tok.Reason())

	select {
	case <-tok.Done():
		t.Fatal("Done must not be closed before Trip")
	default:
	}
}

func TestTripIsSticky(t *testing.T) {
	tok := New()
	tok.Trip(Graceful)
	require.True(t, tok.Cancelled())
	require.Equal(t, Graceful, tok.Reason())

	// A second graceful trip changes nothing.
	tok.Trip(Graceful)
	require.Equal(t, Graceful, tok.Reason())

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must be closed after Trip")
	}
}

func TestFastUpgradesGraceful(t *testing.T) {
	tok := New()
	tok.Trip(Graceful)
	tok.Trip(Fast)
	require.Equal(t, Fast, tok.Reason())
}

func TestGracefulNeverDowngradesFast(t *testing.T) {
	tok := New()
	tok.Trip(Fast)
	tok.Trip(Graceful)
	require.Equal(t, Fast, tok.Reason())
}

func TestConcurrentTrips(t *testing.T) {
	tok := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(fast bool) {
			if fast {
				tok.Trip(Fast)
			} else {
				tok.Trip(Graceful)
			}
			done <- struct{}{}
		}(i%2 == 0)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, Fast, tok.Reason())
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done must be closed")
	}
}
