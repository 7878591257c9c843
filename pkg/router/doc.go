/*
Package router correlates outbound device requests with asynchronous replies
across management hosts.

# Send Protocol

Send generates a locally unique sequence key (UUID), registers a one-shot
pending entry with a timeout timer, and records this host as the sequence
owner under seq:<key> in the coordination store (short TTL). If the device's
socket is live on this host the envelope is written directly; otherwise it is
published on dev:<machineId>, which the socket-owning host forwards. When no
host claims the device at all, job-tagged sends fail fast with ErrConnection
so the job queue's retry policy applies; interactive sends wait out their
timeout.

# Reply Protocol

A reply is matched by sequence key. When the pending entry is local, the
caller's validator runs against the payload only if the device reported
success (ok=1), so device-side errors are never misclassified as schema
violations; ok!=1 resolves the waiter with a DeviceError. When no local
entry exists, seq:<key> names the host actually waiting and the raw frame is
forwarded to its host:<hostId> channel. A reply with no local entry and no
owner is dropped. Timeout rejects the waiter with ErrTimeout; the
coordination reservation dies by TTL, and a reply arriving later is dropped.

# Typed Bus

The shared broadcast channel carries a closed set of message kinds, each a
distinct struct: Info, Status, Disconnect, Disconnected, Pong. Frames from
this host are ignored on receipt. The router also implements
registry.Notifier, publishing Disconnected and Pong on the registry's
behalf.
*/
package router
