package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
)

// BusBridge applies cross-host bus messages to the local registry. It
// implements router.BusHandler.
type BusBridge struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// NewBusBridge creates the bus-to-registry bridge.
func NewBusBridge(reg *registry.Registry) *BusBridge {
	return &BusBridge{reg: reg, logger: log.WithComponent("bus")}
}

// HandleInfo refreshes cached configuration hashes fanned out by the
// socket-owning host.
func (b *BusBridge) HandleInfo(msg router.InfoMessage) {
	b.reg.UpdateHashes(msg.MachineID, msg.ReconfigHash, msg.NotifyHash)
}

// HandleStatus refreshes the cached running state.
func (b *BusBridge) HandleStatus(msg router.StatusMessage) {
	b.reg.UpdateRunning(msg.MachineID, msg.Running)
}

// HandleDisconnect drops the device socket if this host owns it.
func (b *BusBridge) HandleDisconnect(msg router.DisconnectMessage) {
	conn, ok := b.reg.Lookup(msg.MachineID)
	if !ok || !conn.Attached() {
		return
	}
	b.logger.Info().Str("machine_id", msg.MachineID).Msg("disconnect requested over bus")
	b.reg.HandleClose(context.Background(), msg.MachineID)
}

// HandleDisconnected evicts any stale socketless copy of the device.
func (b *BusBridge) HandleDisconnected(msg router.DisconnectedMessage) {
	b.reg.EvictStale(msg.MachineID)
}

// HandlePong clears disconnect debounce bookkeeping: some other host
// observed the device alive.
func (b *BusBridge) HandlePong(msg router.PongMessage) {
	b.reg.ClearDebounce(msg.MachineID)
}
