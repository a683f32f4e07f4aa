// Package controlloop is the node-active control loop: a
// fixed-cadence, single-threaded loop that polls the coordinator,
// enforces the currently-realized role, and drives the FSM toward the
// assigned one. Built around a ticker + select + stopCh, with a
// metrics.Timer wrapping each iteration and structured zerolog fields
// on every log line.
package controlloop
