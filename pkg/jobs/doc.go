/*
Package jobs provides the per-device job queue, the dispatcher that delivers
jobs over the router, and the result broker that interprets outcomes.

A job belongs to one device (MachineID is its queue key) and carries an
ordered list of tasks plus response metadata. The metadata's method selects
the single handler for that job family — tunnel creation registers one
handler for its family rather than scattering per-job callbacks.

# Retry Policy

The broker classifies failures with the router's error taxonomy:

	transient (ErrConnection, ErrTimeout)  parked as inactive and retried
	                                       while attempts < retry budget
	anything else, or budget exhausted     terminal: family handler runs
	                                       and the device sync status is
	                                       marked stale (best-effort)

On success the family handler receives the device's reply payload and the
broker refreshes the device sync hash from it. Handler errors are logged
and absorbed so one job's callback cannot stall another device's work.

BoltQueue is the bundled storage engine; the core depends only on the
Queue interface.
*/
package jobs
