package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/jobs"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/metrics"
	"github.com/latticewan/lattice/pkg/pending"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/tunnel"
	"github.com/latticewan/lattice/pkg/types"
)

// Config holds reconciler tuning knobs.
type Config struct {
	Interval time.Duration
	// OrphanGrace is how long an active tunnel may sit with neither
	// side configured before the reconciler intervenes.
	OrphanGrace time.Duration
	// AbandonAfter is the age past which an unconfigured tunnel is
	// deactivated instead of re-sent.
	AbandonAfter time.Duration
}

// Reconciler sweeps persistent state back toward consistency. Tunnel
// creation is not atomic with job enqueueing, so a crash between the
// two leaves an active tunnel no device will ever configure; the sweep
// re-sends the job pair for young orphans and deactivates stale ones.
// It also drains the churn limiter so rate-limited interfaces get
// their reactivation pass.
type Reconciler struct {
	cfg    Config
	store  storage.Store
	queue  jobs.Queue
	orch   *tunnel.Orchestrator
	engine *pending.Engine
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a reconciler.
func New(cfg Config, store storage.Store, queue jobs.Queue, orch *tunnel.Orchestrator, engine *pending.Engine) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 2 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 3 * cfg.OrphanGrace
	}
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		orch:   orch,
		engine: engine,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one sweep. Exposed so the loop and tests share
// the same entry point.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	if err := r.sweepOrphans(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("orphan sweep failed")
	}

	if err := r.engine.ReleaseBlocked(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("churn limiter release failed")
	}
}

// sweepOrphans finds active tunnels where neither device confirmed the
// configuration past the grace window and either re-sends the job pair
// or, for tunnels old enough that re-sending clearly is not helping,
// deactivates them.
func (r *Reconciler) sweepOrphans(ctx context.Context) error {
	devices, err := r.store.ListDevices()
	if err != nil {
		return err
	}

	orgs := make(map[string]struct{})
	for _, device := range devices {
		orgs[device.Org] = struct{}{}
	}

	orphans := 0
	for org := range orgs {
		tunnels, err := r.store.ListTunnels(org)
		if err != nil {
			r.logger.Warn().Err(err).Str("org", org).Msg("failed to list tunnels")
			continue
		}
		for _, t := range tunnels {
			if !r.isOrphan(t) {
				continue
			}
			orphans++
			r.handleOrphan(ctx, t)
		}
	}

	metrics.OrphanedTunnels.Set(float64(orphans))
	return nil
}

func (r *Reconciler) isOrphan(t *types.Tunnel) bool {
	if !t.IsActive || t.DeviceAConf || t.DeviceBConf {
		return false
	}
	return time.Since(t.UpdatedAt) > r.cfg.OrphanGrace
}

func (r *Reconciler) handleOrphan(ctx context.Context, t *types.Tunnel) {
	if r.hasLiveAddJob(t) {
		// Jobs exist and are still in flight or parked for retry; the
		// broker owns the outcome.
		return
	}

	if time.Since(t.CreatedAt) > r.cfg.AbandonAfter {
		// Nothing was ever configured on either device, so there is
		// nothing to tear down remotely.
		r.logger.Warn().Str("org", t.Org).Int("num", t.Num).
			Msg("abandoning unconfigured tunnel")
		if err := r.store.DeactivateTunnel(t.Org, t.Num); err != nil {
			r.logger.Warn().Err(err).Str("org", t.Org).Int("num", t.Num).Msg("failed to abandon tunnel")
		}
		return
	}

	r.logger.Info().Str("org", t.Org).Int("num", t.Num).Msg("re-sending jobs for orphaned tunnel")
	if err := r.orch.ResendJobs(ctx, t); err != nil {
		r.logger.Warn().Err(err).Str("org", t.Org).Int("num", t.Num).Msg("failed to re-send tunnel jobs")
	}
}

// hasLiveAddJob reports whether a non-terminal add job for the tunnel
// is still in the queue.
func (r *Reconciler) hasLiveAddJob(t *types.Tunnel) bool {
	found := false
	err := r.queue.IterateJobsByOrg(t.Org, func(job *jobs.Job) bool {
		if job.State == jobs.StateComplete || job.State == jobs.StateFailed {
			return true
		}
		if job.Data.Response.Method != tunnel.MethodTunnelAdd {
			return true
		}
		if num, ok := metaNum(job.Data.Response.Data); ok && num == t.Num {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("org", t.Org).Msg("failed to scan jobs")
	}
	return found
}

// metaNum extracts the tunnel number from job response metadata. The
// value arrives as float64 after a JSON round trip through the queue
// but as int when enqueued in the same process.
func metaNum(data map[string]interface{}) (int, bool) {
	switch v := data["num"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
