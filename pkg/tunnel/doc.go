/*
Package tunnel manages the lifecycle of IPsec tunnels between managed
devices.

Three cooperating pieces:

  - Allocator: hands out per-organization tunnel numbers from a bounded
    range, recycling numbers freed by deactivated tunnels before
    growing the counter.
  - Derive: a pure function from tunnel number to loopback addresses,
    MAC addresses, and SPI pair. Both endpoints, and any process
    recomputing after a crash, agree on parameters with no extra
    coordination. Key material is the one thing NOT derived; it comes
    from crypto/rand per creation.
  - Orchestrator: turns create/delete requests into per-device job
    pairs with asymmetric SA ordering (device B swaps local and remote
    relative to device A), registers the completion and rollback
    handlers on the job result broker, and owns the tunnel document
    lifecycle around them.

Creation is not atomic across the document write and the two enqueues.
An enqueue failure rolls the document back; a crash in the gap leaves
an orphan with both conf flags false, which the reconciler detects.
*/
package tunnel
