package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
)

// Dispatcher delivers queued jobs to their devices task by task and
// feeds outcomes into the result broker. Delivery within one device's
// queue is serialized; different devices interleave freely.
type Dispatcher struct {
	queue    Queue
	reg      *registry.Registry
	router   *router.Router
	broker   *Broker
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewDispatcher creates a job dispatcher.
func NewDispatcher(queue Queue, reg *registry.Registry, r *router.Router, broker *Broker, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		reg:      reg,
		router:   r,
		broker:   broker,
		timeout:  timeout,
		interval: 10 * time.Second,
		logger:   log.WithComponent("dispatcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.interval)
			d.DispatchReady(ctx)
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

// DispatchReady sends every queued or parked job whose device is
// attached and ready on this host. Only the socket-owning host
// dispatches, so a job is never delivered twice.
func (d *Dispatcher) DispatchReady(ctx context.Context) {
	jobs, err := d.queue.ListByState(StateQueued, StateInactive)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list dispatchable jobs")
		return
	}

	// Group per device to keep each device's queue serialized.
	byDevice := make(map[string][]*Job)
	for _, job := range jobs {
		byDevice[job.MachineID] = append(byDevice[job.MachineID], job)
	}

	for machineID, deviceJobs := range byDevice {
		conn, ok := d.reg.Lookup(machineID)
		if !ok || !conn.Attached() || !conn.Ready() {
			continue
		}
		// The queue lists rows in key (UUID) order; a device's queue
		// is FIFO, so restore enqueue order before delivery.
		sortByEnqueue(deviceJobs)
		for _, job := range deviceJobs {
			d.dispatch(ctx, job)
		}
	}
}

func sortByEnqueue(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, job *Job) {
	job.State = StateRunning
	if err := d.queue.Update(job); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job running")
		return
	}

	var lastPayload []byte
	for _, task := range job.Data.Tasks {
		payload, err := d.router.Send(ctx, job.Org, job.MachineID, task, router.SendOptions{
			Timeout: d.timeout,
			JobID:   job.ID,
		})
		if err != nil {
			if herr := d.broker.HandleResult(ctx, job.ID, Failed(err)); herr != nil {
				d.logger.Error().Err(herr).Str("job_id", job.ID).Msg("failed to record job failure")
			}
			return
		}
		lastPayload = payload
	}

	if err := d.broker.HandleResult(ctx, job.ID, Completed(lastPayload)); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job completion")
	}
}
