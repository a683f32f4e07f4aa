/*
Package events implements the node's local event history: an in-process
Broker for pub/sub fan-out from the FSM and the control loop to their
subscribers, and a bbolt-backed Store that subscribes to the Broker and
persists the last 500 events so the history survives a restart (`show
events` reads it back). The role events of this node — a transition
starting, succeeding or failing, and a partition timeout — are
published once to the Broker and are available through Store.List
without the caller needing to know which path it arrived by.
*/
package events
