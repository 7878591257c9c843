/*
Package events provides an in-memory event broker for Lattice notifications.

The events package implements a lightweight pub/sub bus for broadcasting
control-plane notifications to interested subscribers: tunnel and static-route
pending transitions, device connect/disconnect (after the debounce window),
terminal job failures, and public-address rate-limiter block/release. External
notification delivery (email and the like) subscribes here; the core only
publishes.

Publishing is non-blocking: events flow through a buffered channel into a
broadcast loop, and a subscriber whose buffer is full misses the event rather
than stalling the publisher. The pending-state engine relies on this being
cheap, since it publishes exactly one event per real state change.
*/
package events
