package metrics

import (
	"time"

	"github.com/latticewan/lattice/pkg/storage"
)

// ConnStats reports local socket counts. Implemented by the registry.
type ConnStats interface {
	Stats() (attached, ready int)
}

// Collector periodically samples control-plane state into the gauges.
// Counter-style metrics are updated inline at their call sites; only
// the state that has to be enumerated lives here.
type Collector struct {
	store     storage.Store
	conns     ConnStats
	inFlight  func() int
	jobCounts func() map[string]int
	stopCh    chan struct{}
}

// NewCollector creates a metrics collector. inFlight and jobCounts are
// closures over the router and job queue so this package does not
// depend on them.
func NewCollector(store storage.Store, conns ConnStats, inFlight func() int, jobCounts func() map[string]int) *Collector {
	return &Collector{
		store:     store,
		conns:     conns,
		inFlight:  inFlight,
		jobCounts: jobCounts,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	attached, ready := c.conns.Stats()
	DevicesConnected.Set(float64(attached))
	DevicesReady.Set(float64(ready))
	SendsInFlight.Set(float64(c.inFlight()))

	for state, count := range c.jobCounts() {
		JobsTotal.WithLabelValues(state).Set(float64(count))
	}

	c.collectTunnelMetrics()
}

func (c *Collector) collectTunnelMetrics() {
	devices, err := c.store.ListDevices()
	if err != nil {
		return
	}

	orgs := make(map[string]struct{})
	for _, device := range devices {
		orgs[device.Org] = struct{}{}
	}

	tunnelCounts := map[string]int{"active": 0, "pending": 0, "inactive": 0}
	routesPending := 0

	for org := range orgs {
		tunnels, err := c.store.ListTunnels(org)
		if err != nil {
			continue
		}
		for _, tunnel := range tunnels {
			switch {
			case !tunnel.IsActive:
				tunnelCounts["inactive"]++
			case tunnel.Pending.IsPending:
				tunnelCounts["pending"]++
			default:
				tunnelCounts["active"]++
			}
		}
	}

	for _, device := range devices {
		routes, err := c.store.ListRoutesByDevice(device.ID)
		if err != nil {
			continue
		}
		for _, route := range routes {
			if route.Pending.IsPending {
				routesPending++
			}
		}
	}

	for state, count := range tunnelCounts {
		TunnelsTotal.WithLabelValues(state).Set(float64(count))
	}
	RoutesPending.Set(float64(routesPending))
}
