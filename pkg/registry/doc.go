/*
Package registry holds the per-host map of attached devices.

Every management host keeps one Conn record per device whose live socket it
owns. Devices may reconnect to a different host at any time (load-balancer
reassignment, host restart), so a device is always in one of three states:

	attached here       live socket present in this registry
	attached elsewhere  no local record; connect:<machineId> names the owner
	unattached          connect key expired

# Lifecycle

A record is created on successful authentication handshake (Attach) and
starts not ready; the gateway marks it ready once the handshake info
exchange completes. When the socket drops, HandleClose consults the
coordination store: if another host already claimed the device the local
reference is simply dropped, otherwise the device is fully unattached, the
record removed, the liveness key deleted and a Disconnected broadcast sent
so other hosts evict stale copies.

# Liveness

The ping loop probes every locally attached device each PingInterval. A pong
resets the missed counter, refreshes the connect key TTL and clears
disconnect-debounce bookkeeping cluster-wide. Exceeding the pong budget
forces socket termination. Disconnect notifications are debounced: the
device must stay gone past DebounceWindow before subscribers hear about it,
so transient reconnects are silent.

Only the host owning the live socket mutates a device's record; other hosts
learn last-known state through the bus fan-out (UpdateRunning,
UpdateHashes).
*/
package registry
