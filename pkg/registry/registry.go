package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/coord"
	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
)

var errSocketGone = errors.New("socket not attached on this host")

// Notifier broadcasts registry events to the other management hosts.
// Implemented by the router's typed bus; set after construction to
// break the wiring cycle between registry and router.
type Notifier interface {
	NotifyDisconnected(ctx context.Context, org, machineID string) error
	NotifyPong(ctx context.Context, machineID string) error
}

// Config holds registry tuning knobs.
type Config struct {
	HostID         string
	PingInterval   time.Duration
	PongBudget     int           // Missed pongs before forced termination
	ConnExpiry     time.Duration // TTL of the connect:<machineId> key
	DebounceWindow time.Duration // Disconnect must outlast this to notify
}

// Registry is the per-host map of attached devices. A device is in one
// of three states: attached here (live socket present), attached
// elsewhere (no local record; connect key names another host), or
// unattached (connect key expired).
type Registry struct {
	cfg    Config
	coord  coord.Store
	broker *events.Broker
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	// recentlyDisconnected tracks devices inside the debounce window so
	// a transient reconnect does not fire a disconnect notification.
	recent map[string]time.Time

	notifier Notifier

	stopCh chan struct{}
}

// New creates a device connection registry.
func New(cfg Config, cs coord.Store, broker *events.Broker) *Registry {
	return &Registry{
		cfg:    cfg,
		coord:  cs,
		broker: broker,
		logger: log.WithComponent("registry"),
		conns:  make(map[string]*Conn),
		recent: make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
}

// SetNotifier wires the cross-host bus notifier.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Start launches the ping loop.
func (r *Registry) Start() {
	go r.pingLoop()
}

// Stop stops the ping loop and drops all local sockets.
func (r *Registry) Stop() {
	close(r.stopCh)

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.dropSocket()
	}
}

// Attach registers a device after a successful authentication handshake
// and claims ownership in the coordination store. The record starts not
// ready; the gateway marks it ready once the info exchange completes.
func (r *Registry) Attach(ctx context.Context, org, deviceID, machineID string, sock Socket) (*Conn, error) {
	conn := &Conn{
		Org:       org,
		DeviceID:  deviceID,
		MachineID: machineID,
		sock:      sock,
	}

	// Whichever host holds the socket subscribes to the per-device
	// channel and forwards anything published there.
	sub, err := r.coord.Subscribe(ctx, coord.DeviceChannel(machineID))
	if err != nil {
		return nil, err
	}
	conn.sub = sub
	go r.forwardLoop(conn, sub)

	if err := r.coord.Set(ctx, coord.ConnectKey(machineID), r.cfg.HostID, r.cfg.ConnExpiry); err != nil {
		sub.Close()
		return nil, err
	}

	r.mu.Lock()
	if old, ok := r.conns[machineID]; ok && old != conn {
		// Device reconnected to this host before the old socket was
		// reaped; drop the stale one.
		old.dropSocket()
	}
	r.conns[machineID] = conn

	// A reconnect inside the debounce window cancels the pending
	// disconnect notification.
	_, wasRecent := r.recent[machineID]
	delete(r.recent, machineID)
	r.mu.Unlock()

	if !wasRecent {
		r.broker.Publish(&events.Event{
			Type:      events.EventDeviceConnected,
			Org:       org,
			MachineID: machineID,
		})
	}

	r.logger.Info().Str("machine_id", machineID).Str("org", org).Msg("device attached")
	return conn, nil
}

// Lookup returns the local connection record for a device.
func (r *Registry) Lookup(machineID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[machineID]
	return conn, ok
}

// Range calls fn for every local record until it returns false.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Stats counts local connection records: attached ones holding a live
// socket, and the subset that completed the info exchange.
func (r *Registry) Stats() (attached, ready int) {
	r.Range(func(conn *Conn) bool {
		if conn.Attached() {
			attached++
			if conn.Ready() {
				ready++
			}
		}
		return true
	})
	return attached, ready
}

// HandlePong processes a liveness pong from the device: refreshes the
// connect key TTL, resets the missed-pong counter, clears debounce
// bookkeeping everywhere via the bus.
func (r *Registry) HandlePong(ctx context.Context, machineID string) {
	conn, ok := r.Lookup(machineID)
	if !ok {
		return
	}
	conn.pongReceived()

	if ok, err := r.coord.Refresh(ctx, coord.ConnectKey(machineID), r.cfg.ConnExpiry); err != nil {
		r.logger.Warn().Err(err).Str("machine_id", machineID).Msg("failed to refresh liveness key")
	} else if !ok {
		// Key expired while we still hold the socket; reclaim ownership.
		if err := r.coord.Set(ctx, coord.ConnectKey(machineID), r.cfg.HostID, r.cfg.ConnExpiry); err != nil {
			r.logger.Warn().Err(err).Str("machine_id", machineID).Msg("failed to reclaim liveness key")
		}
	}

	r.mu.Lock()
	delete(r.recent, machineID)
	r.mu.Unlock()

	if r.notifier != nil {
		if err := r.notifier.NotifyPong(ctx, machineID); err != nil {
			r.logger.Debug().Err(err).Str("machine_id", machineID).Msg("pong broadcast failed")
		}
	}
}

// HandleClose processes the drop of a device socket. If another host
// has since claimed the device, only the local socket reference goes;
// otherwise the device is fully unattached, the record is removed, and
// a Disconnected broadcast lets other hosts evict stale copies.
func (r *Registry) HandleClose(ctx context.Context, machineID string) {
	conn, ok := r.Lookup(machineID)
	if !ok {
		return
	}
	conn.dropSocket()

	owner, claimed, err := r.coord.Get(ctx, coord.ConnectKey(machineID))
	if err != nil {
		r.logger.Warn().Err(err).Str("machine_id", machineID).Msg("liveness lookup failed on close")
	}
	if err == nil && claimed && owner != r.cfg.HostID {
		// Device reconnected elsewhere; keep nothing but let the new
		// owner serve it.
		r.mu.Lock()
		delete(r.conns, machineID)
		r.mu.Unlock()
		r.logger.Debug().Str("machine_id", machineID).Str("owner", owner).Msg("socket closed, device attached elsewhere")
		return
	}

	r.mu.Lock()
	delete(r.conns, machineID)
	r.recent[machineID] = time.Now()
	r.mu.Unlock()

	if err := r.coord.Delete(ctx, coord.ConnectKey(machineID)); err != nil {
		r.logger.Warn().Err(err).Str("machine_id", machineID).Msg("failed to delete liveness key")
	}

	if r.notifier != nil {
		if err := r.notifier.NotifyDisconnected(ctx, conn.Org, machineID); err != nil {
			r.logger.Debug().Err(err).Str("machine_id", machineID).Msg("disconnect broadcast failed")
		}
	}

	r.logger.Info().Str("machine_id", machineID).Msg("device unattached")

	// Notify only if the device stays gone past the debounce window.
	go r.debounceDisconnect(conn.Org, machineID)
}

// EvictStale removes any socketless local copy of a device's record.
// Called when another host broadcasts that the device disconnected.
func (r *Registry) EvictStale(machineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[machineID]
	if ok && !conn.Attached() {
		delete(r.conns, machineID)
	}
}

// ClearDebounce cancels pending disconnect bookkeeping for a device,
// typically because another host observed a pong.
func (r *Registry) ClearDebounce(machineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recent, machineID)
}

// UpdateRunning refreshes the cached running state, either from a
// local status message or from bus fan-out. Hosts other than the
// socket owner must never write device state anywhere else.
func (r *Registry) UpdateRunning(machineID string, running bool) {
	conn, ok := r.Lookup(machineID)
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.LastRunning = running
	conn.mu.Unlock()
}

// UpdateHashes refreshes the cached configuration hashes.
func (r *Registry) UpdateHashes(machineID, reconfigHash, notifyHash string) {
	conn, ok := r.Lookup(machineID)
	if !ok {
		return
	}
	conn.mu.Lock()
	if reconfigHash != "" {
		conn.ReconfigHash = reconfigHash
	}
	if notifyHash != "" {
		conn.NotifyHash = notifyHash
	}
	conn.mu.Unlock()
}

func (r *Registry) debounceDisconnect(org, machineID string) {
	timer := time.NewTimer(r.cfg.DebounceWindow)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-r.stopCh:
		return
	}

	r.mu.Lock()
	since, stillGone := r.recent[machineID]
	if stillGone {
		delete(r.recent, machineID)
	}
	r.mu.Unlock()

	if !stillGone {
		return
	}

	r.broker.Publish(&events.Event{
		Type:      events.EventDeviceDisconnected,
		Org:       org,
		MachineID: machineID,
		Message:   "device disconnected",
		Metadata:  map[string]string{"since": since.Format(time.RFC3339)},
	})
}

// forwardLoop writes frames published on the per-device channel to the
// local socket. Frames are full envelopes produced by another host.
func (r *Registry) forwardLoop(conn *Conn, sub coord.Subscription) {
	for msg := range sub.Messages() {
		if err := conn.Write(msg.Payload); err != nil {
			r.logger.Debug().Err(err).Str("machine_id", conn.MachineID).Msg("forward write failed")
			return
		}
	}
}

// pingLoop pings every locally attached device; a device that exceeds
// the missed-pong budget gets its socket terminated.
func (r *Registry) pingLoop() {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pingAll()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) pingAll() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PingInterval)
	defer cancel()

	r.Range(func(conn *Conn) bool {
		if !conn.Attached() {
			return true
		}
		if conn.missed() >= r.cfg.PongBudget {
			r.logger.Warn().Str("machine_id", conn.MachineID).Int("missed", conn.missed()).Msg("pong budget exhausted, terminating socket")
			r.HandleClose(ctx, conn.MachineID)
			return true
		}
		if err := conn.ping(); err != nil {
			r.logger.Debug().Err(err).Str("machine_id", conn.MachineID).Msg("ping failed")
		}
		return true
	})
}
