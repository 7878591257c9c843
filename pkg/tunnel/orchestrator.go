package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/jobs"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/types"
)

// Job family methods and the side tags echoed back in response metadata.
const (
	MethodTunnelAdd    = "tunnel-add"
	MethodTunnelRemove = "tunnel-remove"

	sideA = "deviceA"
	sideB = "deviceB"
)

// Orchestrator drives tunnel creation and deletion: it owns the tunnel
// document lifecycle and translates it into per-device job pairs.
type Orchestrator struct {
	store  storage.Store
	queue  jobs.Queue
	alloc  *Allocator
	notify *events.Broker
	logger zerolog.Logger
}

// NewOrchestrator creates a tunnel job orchestrator.
func NewOrchestrator(store storage.Store, queue jobs.Queue, alloc *Allocator, notify *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:  store,
		queue:  queue,
		alloc:  alloc,
		notify: notify,
		logger: log.WithComponent("tunnel"),
	}
}

// jobMeta is the response metadata attached to every tunnel job. It
// carries enough to locate the tunnel and the side the job configures.
type jobMeta struct {
	Side    string `json:"side"`
	Org     string `json:"org"`
	Num     int    `json:"num"`
	DeviceA string `json:"deviceA"`
	DeviceB string `json:"deviceB"`
}

func decodeMeta(data map[string]interface{}) (jobMeta, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return jobMeta{}, err
	}
	var meta jobMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return jobMeta{}, err
	}
	return meta, nil
}

func (m jobMeta) encode() map[string]interface{} {
	return map[string]interface{}{
		"side":    m.Side,
		"org":     m.Org,
		"num":     m.Num,
		"deviceA": m.DeviceA,
		"deviceB": m.DeviceB,
	}
}

// CreateTunnel establishes an IPsec tunnel between two managed devices.
// It is idempotent: an existing active tunnel between the pair (either
// order) is returned as-is. Creating the document and enqueueing the
// two jobs is not atomic; on enqueue failure for either side the
// document is rolled back and the whole operation rejected. A crash in
// between leaves an orphan with both conf flags false, which the
// reconciler picks up.
func (o *Orchestrator) CreateTunnel(ctx context.Context, org, deviceA, deviceB, ifcA, ifcB string) (*types.Tunnel, error) {
	existing, err := o.store.GetActiveTunnelBetween(org, deviceA, deviceB)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing tunnel: %w", err)
	}
	if existing != nil {
		o.logger.Debug().Str("org", org).Int("num", existing.Num).Msg("tunnel already exists, skipping creation")
		return existing, nil
	}

	devA, ifaceA, err := o.endpoint(org, deviceA, ifcA)
	if err != nil {
		return nil, err
	}
	devB, ifaceB, err := o.endpoint(org, deviceB, ifcB)
	if err != nil {
		return nil, err
	}

	num, err := o.alloc.Allocate(org)
	if err != nil {
		return nil, err
	}

	keys, err := GenerateKeys()
	if err != nil {
		return nil, err
	}

	tunnel := &types.Tunnel{
		ID:         uuid.NewString(),
		Org:        org,
		Num:        num,
		DeviceA:    deviceA,
		InterfaceA: ifcA,
		DeviceB:    deviceB,
		InterfaceB: ifcB,
		IsActive:   true,
		Keys:       keys,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := o.store.UpsertTunnel(tunnel); err != nil {
		return nil, fmt.Errorf("failed to persist tunnel: %w", err)
	}

	if err := o.enqueueAddJobs(tunnel, devA, ifaceA, devB, ifaceB); err != nil {
		o.rollback(org, deviceA, deviceB)
		return nil, err
	}

	o.logger.Info().Str("org", org).Int("num", num).
		Str("device_a", deviceA).Str("device_b", deviceB).
		Msg("tunnel created, jobs enqueued")
	return tunnel, nil
}

// enqueueAddJobs builds and enqueues the add-tunnel job pair. Device A
// uses (sa1,sa2) as (local,remote); device B swaps them. The
// device-side tunnel implementation requires the asymmetry.
func (o *Orchestrator) enqueueAddJobs(tunnel *types.Tunnel, devA *types.Device, ifaceA *types.Interface, devB *types.Device, ifaceB *types.Interface) error {
	params := Derive(tunnel.Num)
	sa1 := saParams(params.SPI1, tunnel.Keys.Key1, tunnel.Keys.Key2)
	sa2 := saParams(params.SPI2, tunnel.Keys.Key3, tunnel.Keys.Key4)
	srcA, dstA := endpointAddr(ifaceA), endpointAddr(ifaceB)

	meta := jobMeta{Org: tunnel.Org, Num: tunnel.Num, DeviceA: tunnel.DeviceA, DeviceB: tunnel.DeviceB}
	jobA := addJobData(srcA, dstA, tunnel.Num, sa1, sa2, params.IP1, params.MAC1, meta.withSide(sideA))
	jobB := addJobData(dstA, srcA, tunnel.Num, sa2, sa1, params.IP2, params.MAC2, meta.withSide(sideB))

	title := fmt.Sprintf("create tunnel %d", tunnel.Num)
	if _, err := o.queue.Enqueue(devA.MachineID, "system", tunnel.Org, jobA, jobs.Options{Title: title}); err != nil {
		return fmt.Errorf("failed to enqueue tunnel job for %s: %w", tunnel.DeviceA, err)
	}
	if _, err := o.queue.Enqueue(devB.MachineID, "system", tunnel.Org, jobB, jobs.Options{Title: title}); err != nil {
		return fmt.Errorf("failed to enqueue tunnel job for %s: %w", tunnel.DeviceB, err)
	}
	return nil
}

// ResendJobs re-enqueues the add-tunnel job pair for an existing active
// tunnel, rebuilding parameters from the stored document. Used by the
// reconciler for orphans whose original jobs were lost.
func (o *Orchestrator) ResendJobs(ctx context.Context, tunnel *types.Tunnel) error {
	devA, ifaceA, err := o.endpoint(tunnel.Org, tunnel.DeviceA, tunnel.InterfaceA)
	if err != nil {
		return err
	}
	devB, ifaceB, err := o.endpoint(tunnel.Org, tunnel.DeviceB, tunnel.InterfaceB)
	if err != nil {
		return err
	}
	return o.enqueueAddJobs(tunnel, devA, ifaceA, devB, ifaceB)
}

// DeleteTunnel tears a tunnel down. The remove job pair is rebuilt from
// the same deterministic parameters; no new allocation happens. The
// tunnel is marked inactive (freeing its number for reuse) only after
// both enqueues succeed — on enqueue failure it stays active and the
// error propagates.
func (o *Orchestrator) DeleteTunnel(ctx context.Context, org string, num int) error {
	tunnel, err := o.store.GetTunnel(org, num)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load tunnel %d: %w", num, err)
	}
	if !tunnel.IsActive {
		return nil
	}

	params := Derive(num)
	meta := jobMeta{Org: org, Num: num, DeviceA: tunnel.DeviceA, DeviceB: tunnel.DeviceB}
	title := fmt.Sprintf("remove tunnel %d", num)

	devA, err := o.store.GetDevice(tunnel.DeviceA)
	if err != nil {
		return fmt.Errorf("failed to load device %s: %w", tunnel.DeviceA, err)
	}
	jobA := removeJobData(num, params.SPI1, params.SPI2, meta.withSide(sideA))
	if _, err := o.queue.Enqueue(devA.MachineID, "system", org, jobA, jobs.Options{Title: title}); err != nil {
		return fmt.Errorf("failed to enqueue tunnel removal for %s: %w", tunnel.DeviceA, err)
	}

	if !tunnel.IsPeer() {
		devB, err := o.store.GetDevice(tunnel.DeviceB)
		if err != nil {
			return fmt.Errorf("failed to load device %s: %w", tunnel.DeviceB, err)
		}
		jobB := removeJobData(num, params.SPI2, params.SPI1, meta.withSide(sideB))
		if _, err := o.queue.Enqueue(devB.MachineID, "system", org, jobB, jobs.Options{Title: title}); err != nil {
			return fmt.Errorf("failed to enqueue tunnel removal for %s: %w", tunnel.DeviceB, err)
		}
	}

	if err := o.store.DeactivateTunnel(org, num); err != nil {
		return fmt.Errorf("failed to deactivate tunnel %d: %w", num, err)
	}

	o.logger.Info().Str("org", org).Int("num", num).Msg("tunnel removal enqueued, number freed")
	return nil
}

// RegisterHandlers installs the tunnel job families on the result broker.
func (o *Orchestrator) RegisterHandlers(broker *jobs.Broker) {
	broker.RegisterHandler(MethodTunnelAdd, o.handleAddResult)
	broker.RegisterHandler(MethodTunnelRemove, o.handleRemoveResult)
}

// handleAddResult flips the per-side conf flag on success. The flag is
// a liveness signal, not a provisioning gate. On terminal failure the
// just-created tunnel between the pair is rolled back; rollback errors
// are logged only, the original failure already propagated.
func (o *Orchestrator) handleAddResult(ctx context.Context, job *jobs.Job, res jobs.Result) error {
	meta, err := decodeMeta(job.Data.Response.Data)
	if err != nil {
		return fmt.Errorf("malformed tunnel job metadata: %w", err)
	}

	switch res.Kind {
	case jobs.ResultCompleted:
		deviceID := meta.DeviceA
		if meta.Side == sideB {
			deviceID = meta.DeviceB
		}
		if err := o.store.SetTunnelConf(meta.Org, meta.Num, deviceID, true); err != nil {
			return fmt.Errorf("failed to record tunnel conf for %s: %w", deviceID, err)
		}
		o.logger.Info().Str("org", meta.Org).Int("num", meta.Num).
			Str("side", meta.Side).Msg("device confirmed tunnel configuration")
		if tunnel, err := o.store.GetTunnel(meta.Org, meta.Num); err == nil &&
			tunnel != nil && tunnel.DeviceAConf && tunnel.DeviceBConf {
			o.notify.Publish(&events.Event{
				Type:      events.EventTunnelActive,
				Org:       meta.Org,
				TunnelNum: meta.Num,
				Message:   "both devices confirmed tunnel configuration",
			})
		}
	case jobs.ResultFailed:
		o.rollback(meta.Org, meta.DeviceA, meta.DeviceB)
	}
	return nil
}

func (o *Orchestrator) handleRemoveResult(ctx context.Context, job *jobs.Job, res jobs.Result) error {
	meta, err := decodeMeta(job.Data.Response.Data)
	if err != nil {
		return fmt.Errorf("malformed tunnel job metadata: %w", err)
	}
	if res.Kind == jobs.ResultFailed {
		// The tunnel document is already inactive; the device keeps its
		// stale config until the next sync. Broker marked sync stale.
		o.logger.Warn().Str("org", meta.Org).Int("num", meta.Num).
			Str("side", meta.Side).Msg("tunnel removal failed on device")
	}
	return nil
}

// rollback deletes the active tunnel between the pair, if one exists.
// Errors are logged and absorbed: rollback runs after a failure that
// has already been reported.
func (o *Orchestrator) rollback(org, deviceA, deviceB string) {
	tunnel, err := o.store.GetActiveTunnelBetween(org, deviceA, deviceB)
	if err != nil {
		o.logger.Error().Err(err).Str("org", org).Msg("rollback lookup failed")
		return
	}
	if tunnel == nil {
		return
	}
	if err := o.store.DeleteTunnel(org, tunnel.Num); err != nil {
		o.logger.Error().Err(err).Str("org", org).Int("num", tunnel.Num).Msg("tunnel rollback failed")
		return
	}
	o.logger.Info().Str("org", org).Int("num", tunnel.Num).Msg("tunnel creation rolled back")
}

// endpoint validates that the device belongs to the org and carries the
// named interface.
func (o *Orchestrator) endpoint(org, deviceID, ifcName string) (*types.Device, *types.Interface, error) {
	device, err := o.store.GetDevice(deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}
	if device.Org != org {
		return nil, nil, fmt.Errorf("device %s does not belong to org %s", deviceID, org)
	}
	for _, ifc := range device.Interfaces {
		if ifc.Name == ifcName {
			return device, ifc, nil
		}
	}
	return nil, nil, fmt.Errorf("device %s has no interface %s", deviceID, ifcName)
}

// endpointAddr picks the address the far side should dial: the
// discovered public IP when present, the configured address otherwise.
func endpointAddr(ifc *types.Interface) string {
	if ifc.PublicIP != "" {
		return ifc.PublicIP
	}
	return ifc.Addr
}

func (m jobMeta) withSide(side string) map[string]interface{} {
	m.Side = side
	return m.encode()
}

func saParams(spi int, cryptoKey, integrKey string) map[string]interface{} {
	return map[string]interface{}{
		"spi":        spi,
		"crypto-key": cryptoKey,
		"integr-key": integrKey,
		"crypto-alg": cryptoAlg,
		"integr-alg": integrityAlg,
	}
}

func addJobData(src, dst string, num int, localSA, remoteSA map[string]interface{}, loopAddr, loopMAC string, meta map[string]interface{}) jobs.Data {
	return jobs.Data{
		Tasks: []jobs.Task{{
			Entity:  "agent",
			Message: "add-tunnel",
			Params: map[string]interface{}{
				"src":       src,
				"dst":       dst,
				"tunnel-id": num,
				"ipsec": map[string]interface{}{
					"local-sa":  localSA,
					"remote-sa": remoteSA,
				},
				"loopback-iface": map[string]interface{}{
					"addr":    loopAddr,
					"mac":     loopMAC,
					"mtu":     loopbackMTU,
					"routing": true,
				},
			},
		}},
		Response: jobs.Response{Method: MethodTunnelAdd, Data: meta},
	}
}

func removeJobData(num, localSPI, remoteSPI int, meta map[string]interface{}) jobs.Data {
	return jobs.Data{
		Tasks: []jobs.Task{{
			Entity:  "agent",
			Message: "remove-tunnel",
			Params: map[string]interface{}{
				"tunnel-id":  num,
				"local-spi":  localSPI,
				"remote-spi": remoteSPI,
			},
		}},
		Response: jobs.Response{Method: MethodTunnelRemove, Data: meta},
	}
}
