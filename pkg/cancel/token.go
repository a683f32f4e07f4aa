// Package cancel provides the sticky, signal-driven cancellation token
// used throughout the agent: a single reusable primitive observable
// at every blocking call, so a signal handler's only job is to flip
// an atomic and wake one waiter, instead of each loop managing its
// own ad hoc close(stopCh) channel.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Reason distinguishes why a Token was tripped, so callers can choose
// between a graceful drain and an immediate stop.
type Reason int32

const (
	// None means the token has not been tripped.
	None Reason = iota
	// Graceful requests a drain-then-stop (terminate-graceful).
	Graceful
	// Fast requests an immediate stop, skipping graceful drains
	// (terminate-fast).
	Fast
)

// Token is a sticky flag: once tripped it stays tripped, and any number
// of goroutines can observe it or wait on it. Construct with New.
type Token struct {
	reason atomic.Int32
	ch     chan struct{}
	once   sync.Once
}

func New() *Token {
	return &Token{ch: make(chan struct{})}
}

// Trip marks the token as cancelled for the given reason. A Fast
// cancellation can upgrade a prior Graceful one; a Graceful request
// never downgrades an existing Fast one. Trip is safe to call from a
// signal handler.
func (t *Token) Trip(reason Reason) {
	for {
		current := Reason(t.reason.Load())
		if current == Fast {
			return
		}
		if t.reason.CompareAndSwap(int32(current), int32(reason)) {
			break
		}
	}
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Trip has been called with any reason.
func (t *Token) Cancelled() bool {
	return Reason(t.reason.Load()) != None
}

// Reason returns the reason the token was tripped for, or None.
func (t *Token) Reason() Reason {
	return Reason(t.reason.Load())
}

// Done returns a channel that is closed once the token is tripped, for
// use in select statements alongside tickers and RPC deadlines.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}
