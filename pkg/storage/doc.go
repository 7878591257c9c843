/*
Package storage provides persistent state storage for Lattice using BoltDB.

The storage package persists the control plane's durable state: devices,
tunnels, per-organization tunnel counters, and static routes. All records are
JSON-marshaled into per-entity buckets inside a single BoltDB file, giving
crash-safe single-document updates without an external database server.

# Buckets

	devices          Device documents keyed by database ID
	tunnels          Tunnel documents keyed by "<org>/<num>"
	tunnel_counters  One TunnelCounter per organization, keyed by org
	static_routes    StaticRoute documents keyed by ID

Tunnels are keyed by (org, num) rather than by a synthetic ID because that
pair is the uniqueness invariant: a deactivated tunnel keeps its slot until
ReclaimTunnelNum flips it back to active for a new tunnel.

# Allocation Primitives

ReclaimTunnelNum and NextTunnelNum are the two halves of tunnel number
allocation. Each runs in a single write transaction, so two concurrent
allocations can never observe the same free number or counter value.
NextTunnelNum creates the counter document on first use and enforces the
configured upper bound.

# Consistency Model

BoltDB serializes write transactions, so every mutation here is a
single-document conditional update. Cross-document invariants (for example
"tunnel active implies both jobs were enqueued") are deliberately not
enforced transactionally; ordering in the tunnel orchestrator plus the
periodic reconciler handle those, matching the overall design.
*/
package storage
