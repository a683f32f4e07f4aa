/*
Package initprotocol implements the three-state registration story: a
fresh data directory registers as Init and lets the coordinator
choose Single or WaitStandby; an existing directory running as
primary registers directly as Single; an existing-but-stopped
directory registers with its control-file system identifier, which
the coordinator accepts only if the group is empty or the identifier
matches.

Registration writes the init-progress file before calling the first
FSM transition synchronously, so a create-time failure surfaces to
the operator immediately rather than hiding inside a background loop;
a subsequent create that finds the init file resumes from its
recorded PreInitState instead of re-registering.
*/
package initprotocol
