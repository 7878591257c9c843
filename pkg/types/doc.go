/*
Package types defines the core data structures used throughout Lattice.

This package contains the fundamental types that represent the SD-WAN domain
model: devices and their interfaces, IPsec tunnels, static routes, per-org
tunnel counters, and the pending-state triple shared by tunnels and routes.
These types are used by all other packages for persistence, the event engine,
and job construction.

# Type Categories

Device types:
  - Device: a managed edge device, identified durably by MachineID
  - Interface: one network interface (WAN/LAN/TRUNK) with address and
    STUN-discovered public endpoint
  - SyncState: whether the device's running config matches the database

Overlay types:
  - Tunnel: an IPsec tunnel between two device interfaces, numbered per
    organization; (Org, Num) unique among active tunnels
  - TunnelKeys: random per-tunnel key material
  - TunnelCounter: per-org allocation counter document
  - StaticRoute: a device route, optionally dependent on a tunnel

State types:
  - PendingState: the (IsPending, Type, Reason, Time) triple; a tunnel or
    route that is pending exists in the database but is intentionally not
    provisioned on devices

PendingState.Equal ignores the timestamp so that components can detect
re-application of an unchanged condition and skip the write and the
notification.
*/
package types
