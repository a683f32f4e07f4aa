/*
Package supervisor implements the fork/exec process tree that owns
the pidfile, a named log-serialization semaphore, and the restart
policy for its children.

Children are real OS processes (the local Postgres server), not
goroutines: start/stop/SIGTERM-escalation follows a classic
supervise-one-process loop, with gofrs/flock held over the pidfile so
an IsRunning check and the write that follows it can never race with
a second invocation of the same agent.
*/
package supervisor
