/*
Package pgctl supervises the local Postgres server as a child process:
start (fork+exec, poll readiness), stop (SIGTERM, escalate past T3),
restart, and the read-only facts the rest of the agent needs —
is-primary, current LSN, and the control-file contents obtained
without the server running. Readiness is probed on two levels (the TCP
port and the server's own pg_isready verdict, see readiness.go);
everything is the standard library's process primitives, the only
idiomatic way to own an arbitrary native binary's pid.
*/
package pgctl
