/*
Package gateway terminates device websocket connections.

The handshake is two frames: the device sends a hello naming its
machine ID (plus the shared token when one is configured) and receives
an ok/err ack. Only approved device records attach. After the ack the
device sends an info frame describing its interfaces; the gateway
persists it, feeds interface deltas into the pending engine, marks the
connection ready for job dispatch, and fans the metadata out to the
other hosts over the bus.

Inbound frames after the handshake are classified by shape: anything
carrying a seq is a reply for the router; typed frames (info, status,
pong) update device state. Liveness normally rides websocket control
pings, with an application-level pong fallback for devices behind
proxies that strip control frames.

BusBridge is the receiving half of the cross-host bus: it applies
info/status fan-out, disconnect requests, disconnected announcements,
and pong-based debounce clearing to the local registry.
*/
package gateway
