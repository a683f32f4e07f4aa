/*
Package metrics defines and registers the agent's Prometheus metrics.

Unlike a cluster-wide coordinator, a single pgkeeper instance reports on
one thing: the health of its own role lifecycle. The catalog is small
by design — role occupancy, contact recency with the coordinator,
transition latency and outcome, and replication lag when standing in as
a standby. All of it is registered against the default Prometheus
registry at package init and exposed by Handler, which callers wire up
behind an optional HTTP listener (see cmd/pgkeeper's --metrics-listen
flag).

# Metrics Catalog

pgkeeper_current_role{role}:
  - Gauge, one series per role in the role alphabet, 1 for the active one.

pgkeeper_assigned_role{role}:
  - Gauge, same encoding, for the coordinator's last assigned role.

pgkeeper_last_monitor_contact_seconds:
  - Gauge, unix timestamp of the last successful node_active call.

pgkeeper_last_secondary_contact_seconds:
  - Gauge, unix timestamp of the last contact reported from a secondary.

pgkeeper_transition_duration_seconds{transition}:
  - Histogram of FSM transition function latency.

pgkeeper_node_active_duration_seconds:
  - Histogram of full control loop iteration latency.

pgkeeper_transitions_total{transition,outcome}:
  - Counter of FSM transitions attempted, outcome is "succeeded" or "failed".

pgkeeper_coordinator_calls_total{method,outcome}:
  - Counter of coordinator RPCs.

pgkeeper_replication_lag_bytes:
  - Gauge, most recent standby replication lag observation.

A divergence between pgkeeper_current_role and pgkeeper_assigned_role
that outlives a normal transition window is the single most useful
alert to build on top of this package.
*/
package metrics
