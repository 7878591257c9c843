package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	DevicesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_devices_connected",
			Help: "Devices holding a live socket on this host",
		},
	)

	DevicesReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_devices_ready",
			Help: "Connected devices that completed the info exchange",
		},
	)

	// Tunnel metrics
	TunnelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_tunnels_total",
			Help: "Tunnels by state",
		},
		[]string{"state"},
	)

	RoutesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_routes_pending",
			Help: "Static routes currently held pending",
		},
	)

	PendingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_pending_transitions_total",
			Help: "Tunnel and route transitions between pending and active",
		},
		[]string{"entity", "state"},
	)

	// Router metrics
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_sends_total",
			Help: "Device sends by outcome",
		},
		[]string{"result"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_send_duration_seconds",
			Help:    "Round-trip time of device request/reply pairs",
			Buckets: prometheus.DefBuckets,
		},
	)

	SendsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_sends_in_flight",
			Help: "Sends awaiting a reply on this host",
		},
	)

	RepliesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_replies_forwarded_total",
			Help: "Replies forwarded to the host owning the sequence",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_jobs_total",
			Help: "Jobs by state",
		},
		[]string{"state"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_job_retries_total",
			Help: "Jobs parked for retry after a transient failure",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_reconcile_cycles_total",
			Help: "Completed reconciliation cycles",
		},
	)

	OrphanedTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_orphaned_tunnels",
			Help: "Active tunnels with no configured side past the grace window",
		},
	)
)

func init() {
	prometheus.MustRegister(DevicesConnected)
	prometheus.MustRegister(DevicesReady)
	prometheus.MustRegister(TunnelsTotal)
	prometheus.MustRegister(RoutesPending)
	prometheus.MustRegister(PendingTransitions)
	prometheus.MustRegister(SendsTotal)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(SendsInFlight)
	prometheus.MustRegister(RepliesForwarded)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(OrphanedTunnels)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
