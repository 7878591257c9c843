package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/coord"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/metrics"
	"github.com/latticewan/lattice/pkg/registry"
)

// SendOptions tunes a single send.
type SendOptions struct {
	// Timeout bounds the wait for a reply; the router default applies
	// when zero.
	Timeout time.Duration

	// JobID tags the envelope with the job it belongs to. Job sends
	// fail fast with ErrConnection when no host claims the device,
	// instead of burning the whole timeout.
	JobID string

	// Validator runs against the reply payload when the device
	// reported success.
	Validator Validator
}

type pendingEntry struct {
	ch        chan sendResult
	validator Validator
	timer     *time.Timer
}

type sendResult struct {
	payload json.RawMessage
	err     error
}

// Router correlates outbound device requests with asynchronous replies,
// across management hosts when necessary.
type Router struct {
	hostID         string
	reg            *registry.Registry
	coord          coord.Store
	seqTTL         time.Duration
	defaultTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry

	busSub  coord.Subscription
	hostSub coord.Subscription
	stopCh  chan struct{}
}

// New creates a router for this management host.
func New(hostID string, reg *registry.Registry, cs coord.Store, seqTTL, defaultTimeout time.Duration) *Router {
	return &Router{
		hostID:         hostID,
		reg:            reg,
		coord:          cs,
		seqTTL:         seqTTL,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("router"),
		pending:        make(map[string]*pendingEntry),
		stopCh:         make(chan struct{}),
	}
}

// Start subscribes to this host's private reply channel and the shared
// bus, dispatching bus frames to handler.
func (r *Router) Start(ctx context.Context, handler BusHandler) error {
	hostSub, err := r.coord.Subscribe(ctx, coord.HostChannel(r.hostID))
	if err != nil {
		return fmt.Errorf("failed to subscribe host channel: %w", err)
	}
	r.hostSub = hostSub

	busSub, err := r.coord.Subscribe(ctx, coord.BusChannel)
	if err != nil {
		hostSub.Close()
		return fmt.Errorf("failed to subscribe bus channel: %w", err)
	}
	r.busSub = busSub

	go func() {
		for msg := range hostSub.Messages() {
			r.HandleReply(context.Background(), msg.Payload)
		}
	}()
	go func() {
		for msg := range busSub.Messages() {
			if err := r.dispatchBus(msg.Payload, handler); err != nil {
				r.logger.Warn().Err(err).Msg("bus dispatch failed")
			}
		}
	}()
	return nil
}

// Stop closes the router's subscriptions and rejects all waiters.
func (r *Router) Stop() {
	close(r.stopCh)
	if r.hostSub != nil {
		r.hostSub.Close()
	}
	if r.busSub != nil {
		r.busSub.Close()
	}

	r.mu.Lock()
	for seq, entry := range r.pending {
		entry.timer.Stop()
		entry.ch <- sendResult{err: fmt.Errorf("router stopped")}
		delete(r.pending, seq)
	}
	r.mu.Unlock()
}

// Send delivers a message to a device and waits for the correlated
// reply. The device may be attached to this host (direct socket write)
// or to another host (published on the per-device channel); replies
// arriving at the wrong host are forwarded back via the coordination
// store's seq ownership record.
func (r *Router) Send(ctx context.Context, org, machineID string, msg interface{}, opts SendOptions) (payload json.RawMessage, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SendDuration)
		metrics.SendsTotal.WithLabelValues(sendOutcome(err)).Inc()
	}()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}

	seq := uuid.NewString()
	entry := &pendingEntry{
		ch:        make(chan sendResult, 1),
		validator: opts.Validator,
	}
	entry.timer = time.AfterFunc(timeout, func() {
		r.expire(seq)
	})

	r.mu.Lock()
	r.pending[seq] = entry
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		if e, ok := r.pending[seq]; ok && e == entry {
			entry.timer.Stop()
			delete(r.pending, seq)
		}
		r.mu.Unlock()
	}

	// Record which host is waiting so a reply landing elsewhere can be
	// forwarded here. The TTL frees the reservation if we never hear
	// back.
	if err := r.coord.Set(ctx, coord.SeqKey(seq), r.hostID, r.seqTTL); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to record sequence owner: %w", err)
	}

	data, err := json.Marshal(Envelope{Seq: seq, HostID: r.hostID, Msg: msg, JobID: opts.JobID})
	if err != nil {
		cleanup()
		return nil, err
	}

	if conn, ok := r.reg.Lookup(machineID); ok && conn.Attached() {
		if err := conn.Write(data); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
	} else {
		_, claimed, err := r.coord.Get(ctx, coord.ConnectKey(machineID))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("liveness lookup failed: %w", err)
		}
		if !claimed && opts.JobID != "" {
			// Durable job send and nobody holds the device: fail fast
			// so the job queue can apply its retry policy.
			cleanup()
			return nil, fmt.Errorf("%w: device %s unattached", ErrConnection, machineID)
		}
		if err := r.coord.Publish(ctx, coord.DeviceChannel(machineID), data); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to publish to device channel: %w", err)
		}
	}

	select {
	case res := <-entry.ch:
		return res.payload, res.err
	case <-ctx.Done():
		cleanup()
		r.coord.Delete(context.Background(), coord.SeqKey(seq))
		return nil, ctx.Err()
	}
}

// HandleReply routes a reply frame arriving on a local socket or on
// this host's private channel. Unmatched replies whose sequence belongs
// to another host are forwarded there; replies nobody claims are
// dropped.
func (r *Router) HandleReply(ctx context.Context, data []byte) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		r.logger.Warn().Err(err).Msg("malformed reply frame")
		return
	}
	if reply.Seq == "" {
		r.logger.Debug().Msg("reply without sequence, dropped")
		return
	}

	r.mu.Lock()
	entry, ok := r.pending[reply.Seq]
	if ok {
		entry.timer.Stop()
		delete(r.pending, reply.Seq)
	}
	r.mu.Unlock()

	if ok {
		r.resolve(ctx, reply, entry)
		return
	}

	// Not ours: discover the waiting host and forward the raw frame.
	owner, claimed, err := r.coord.Get(ctx, coord.SeqKey(reply.Seq))
	if err != nil {
		r.logger.Warn().Err(err).Str("seq", reply.Seq).Msg("sequence owner lookup failed")
		return
	}
	if !claimed || owner == r.hostID {
		// No owner anywhere, or a late reply whose local entry already
		// timed out: drop.
		r.logger.Debug().Str("seq", reply.Seq).Msg("unclaimed reply dropped")
		return
	}
	if err := r.coord.Publish(ctx, coord.HostChannel(owner), data); err != nil {
		r.logger.Warn().Err(err).Str("seq", reply.Seq).Str("owner", owner).Msg("reply forward failed")
		return
	}
	metrics.RepliesForwarded.Inc()
}

// sendOutcome maps a send error to its metrics label.
func sendOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return "device"
		}
		return "error"
	}
}

func (r *Router) resolve(ctx context.Context, reply Reply, entry *pendingEntry) {
	r.coord.Delete(ctx, coord.SeqKey(reply.Seq))

	if reply.Msg.OK != 1 {
		entry.ch <- sendResult{err: &DeviceError{Detail: string(reply.Msg.Message)}}
		return
	}
	// Validate only on device-reported success so a device-side error
	// is never misclassified as a schema violation.
	if entry.validator != nil {
		if err := entry.validator(reply.Msg.Message); err != nil {
			entry.ch <- sendResult{err: fmt.Errorf("%w: %v", ErrValidation, err)}
			return
		}
	}
	entry.ch <- sendResult{payload: reply.Msg.Message}
}

// expire fires when the reply timer lapses: the waiter is rejected and
// the coordination-store reservation dies by TTL.
func (r *Router) expire(seq string) {
	r.mu.Lock()
	entry, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	r.mu.Unlock()

	if ok {
		entry.ch <- sendResult{err: ErrTimeout}
	}
}

// PendingCount reports the number of in-flight sends, for metrics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
