// Package metrics exposes Prometheus instrumentation and health
// endpoints for the management host.
//
// Counter and histogram metrics are updated inline where the work
// happens; the Collector samples gauge-style state (device counts,
// tunnels by state, pending routes, queued jobs) on a fixed interval.
// The health checker aggregates per-component status into /health,
// /ready and /live handlers, with storage, coord and gateway treated
// as critical for readiness.
package metrics
