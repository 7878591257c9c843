/*
Package pending reconciles tunnels and static routes between active and
pending as device interfaces come and go.

A tunnel is held pending for one of four reasons: its interface lost
its address (interfaceHasNoIp), STUN discovery has not produced a
public port on both sides (waitForStun), the interface's public address
is churning too fast (publicPortHighRate), or — for static routes — the
tunnel they depend on is itself pending (tunnelIsPending).

Reactivation is gated: an interface regaining its address does not flip
its tunnels back to active until the far endpoint also holds an
address, neither endpoint is blocked by the churn limiter, and any
STUN-gated side has a public port (a forced release skips the STUN
gate). Tunnel flips cascade to dependent static routes.

Transitions are idempotent. The stored condition is compared (reason,
not timestamp) before writing, so replaying an unchanged condition
produces no write and no duplicate notification.
*/
package pending
