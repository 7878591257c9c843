/*
Package reconciler runs the periodic consistency sweep for tunnel state.

Tunnel creation writes the tunnel document before enqueueing the device
job pair, so a crash between the two strands an active tunnel that no
device will ever configure. The sweep treats an active tunnel with
neither side confirmed past the grace window as an orphan: if a
non-terminal add job is still in the queue the broker owns the outcome
and the sweep leaves it alone; otherwise it re-sends the job pair for
young orphans and deactivates ones past the abandon window, freeing
their number for reuse.

Each cycle also drains the churn limiter, giving interfaces whose
public-address churn has settled their reactivation pass.
*/
package reconciler
