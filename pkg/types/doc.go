/*
Package types defines the core data structures used throughout perch.

This package contains all fundamental types shared by the server and the
agent: registered agents, metric series identity (name + canonical labels),
points, shipped log entries, the command state machine, and the error
taxonomy the API layer maps to HTTP statuses.

Series identity is the triple (agent_id, metric_name, canonical labels).
Canonical labels are the sorted-key serialization of a label map; a SHA-256
of that string is stored alongside so series lookups hit an index.

Commands follow a state machine:

	pending → delivered → executing → completed
	                  ↓           ↓  → failed
	pending/delivered → expired (TTL elapse)

Terminal states (completed, failed, expired) admit no further transitions.
*/
package types
