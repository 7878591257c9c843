/*
Package coord abstracts the shared coordination service used across
management hosts.

Devices may reconnect to any host at any time, so per-host state (who holds
which socket, who is waiting for which reply) must be discoverable by every
host. The coordination store provides exactly two primitives for that: a
key/value store with expiry, and publish/subscribe channels.

# Key Space

	connect:<machineId>  host that owns the device's live socket; TTL
	                     refreshed on every pong, expiry means unattached
	seq:<key>            host waiting for the reply to a sequence; short TTL

# Channels

	dev:<machineId>   messages for a device, forwarded by whichever host
	                  holds its socket
	host:<hostId>     a host's private channel for forwarded replies
	lattice:bus       shared broadcast (info/status/disconnect/pong events)

# Implementations

RedisStore is the production implementation (Redis SETEX/EXPIRE plus
pub/sub). MemoryStore mirrors its semantics in process memory, including
at-most-once delivery to slow subscribers, for single-host deployments and
tests. Components depend only on the Store interface.
*/
package coord
