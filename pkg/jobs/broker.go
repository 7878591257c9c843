package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/metrics"
	"github.com/latticewan/lattice/pkg/router"
	"github.com/latticewan/lattice/pkg/storage"
)

// ResultKind discriminates the outcome of a dispatched job.
type ResultKind int

const (
	// ResultCompleted carries the device's reply payload.
	ResultCompleted ResultKind = iota
	// ResultFailed carries the error that stopped the job.
	ResultFailed
	// ResultRemoved means the job was withdrawn before completion.
	ResultRemoved
)

// Result is the typed outcome delivered to a job family handler.
type Result struct {
	Kind    ResultKind
	Payload json.RawMessage
	Err     error
}

// Completed builds a success result.
func Completed(payload json.RawMessage) Result {
	return Result{Kind: ResultCompleted, Payload: payload}
}

// Failed builds a failure result.
func Failed(err error) Result {
	return Result{Kind: ResultFailed, Err: err}
}

// Removed builds a withdrawal result.
func Removed() Result {
	return Result{Kind: ResultRemoved}
}

// Handler is the single per-family callback. The family is selected by
// the job's response metadata method.
type Handler func(ctx context.Context, job *Job, res Result) error

// syncHash is the subset of a device reply the broker reads to refresh
// the device sync hash.
type syncHash struct {
	Hash string `json:"hash"`
}

// Broker interprets job completion and failure callbacks: it decides
// retry versus terminal failure and keeps device sync status current.
type Broker struct {
	queue       Queue
	store       storage.Store
	notify      *events.Broker
	retryBudget int
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewBroker creates a job result broker.
func NewBroker(queue Queue, store storage.Store, notify *events.Broker, retryBudget int) *Broker {
	return &Broker{
		queue:       queue,
		store:       store,
		notify:      notify,
		retryBudget: retryBudget,
		logger:      log.WithComponent("jobs"),
		handlers:    make(map[string]Handler),
	}
}

// RegisterHandler installs the handler for a job family.
func (b *Broker) RegisterHandler(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// HandleResult consumes the outcome of a job identified by jobID.
func (b *Broker) HandleResult(ctx context.Context, jobID string, res Result) error {
	job, err := b.queue.GetJob(jobID)
	if err != nil {
		return err
	}

	switch res.Kind {
	case ResultCompleted:
		return b.handleCompleted(ctx, job, res)
	case ResultFailed:
		return b.handleFailed(ctx, job, res)
	case ResultRemoved:
		b.dispatch(ctx, job, res)
		return b.queue.Delete(job.ID)
	default:
		return fmt.Errorf("unknown result kind %d for job %s", res.Kind, jobID)
	}
}

func (b *Broker) handleCompleted(ctx context.Context, job *Job, res Result) error {
	job.State = StateComplete
	job.Error = ""
	if err := b.queue.Update(job); err != nil {
		return err
	}

	// Refresh the device sync hash from the reply, best-effort.
	var reply syncHash
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &reply); err == nil && reply.Hash != "" {
			b.updateSync(job.MachineID, reply.Hash, false)
		}
	}

	b.dispatch(ctx, job, res)
	return nil
}

func (b *Broker) handleFailed(ctx context.Context, job *Job, res Result) error {
	transient := errors.Is(res.Err, router.ErrConnection) || errors.Is(res.Err, router.ErrTimeout)

	job.Attempts++
	job.Error = res.Err.Error()

	if transient && job.Attempts < b.retryBudget {
		// Park for a later retry instead of failing terminally.
		job.State = StateInactive
		metrics.JobRetriesTotal.Inc()
		b.logger.Info().
			Str("job_id", job.ID).
			Str("machine_id", job.MachineID).
			Int("attempts", job.Attempts).
			Msg("transient job failure, parked for retry")
		return b.queue.Update(job)
	}

	job.State = StateFailed
	if err := b.queue.Update(job); err != nil {
		return err
	}

	// The device may have applied part of the configuration; mark its
	// sync status stale best-effort.
	b.updateSync(job.MachineID, "", true)

	b.notify.Publish(&events.Event{
		Type:      events.EventJobFailed,
		Org:       job.Org,
		MachineID: job.MachineID,
		Message:   res.Err.Error(),
		Metadata:  map[string]string{"job_id": job.ID},
	})

	b.dispatch(ctx, job, res)
	return nil
}

// dispatch invokes the family handler, if any. Handler errors are
// logged, not escalated: one job's callback must not stall others.
func (b *Broker) dispatch(ctx context.Context, job *Job, res Result) {
	b.mu.RLock()
	handler, ok := b.handlers[job.Data.Response.Method]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if err := handler(ctx, job, res); err != nil {
		b.logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("method", job.Data.Response.Method).
			Msg("job handler failed")
	}
}

// updateSync updates device sync state; failures are logged only.
func (b *Broker) updateSync(machineID, hash string, stale bool) {
	device, err := b.store.GetDeviceByMachineID(machineID)
	if err != nil {
		b.logger.Warn().Err(err).Str("machine_id", machineID).Msg("sync update skipped, device unknown")
		return
	}
	if err := b.store.UpdateDeviceSync(device.ID, hash, stale); err != nil {
		b.logger.Warn().Err(err).Str("machine_id", machineID).Msg("failed to update sync status")
	}
}
