// Package fsm implements the agent's role transition table: a map
// from (currentRole, assignedRole) to the procedure that realizes it
// on the local database. Transitions are the only code in this agent
// permitted to mutate Postgres; everything else only reads state and
// decides what to run next.
package fsm
