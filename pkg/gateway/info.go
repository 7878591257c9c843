package gateway

import (
	"context"
	"encoding/json"

	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
	"github.com/latticewan/lattice/pkg/types"
)

// infoFrame is the device's full self-description, sent once after the
// handshake and again whenever its interfaces change.
type infoFrame struct {
	Type         string          `json:"type"`
	ReconfigHash string          `json:"reconfigHash"`
	NotifyHash   string          `json:"notifyHash"`
	Interfaces   []wireInterface `json:"interfaces"`
}

type wireInterface struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Addr           string `json:"addr"`
	Gateway        string `json:"gateway"`
	UseSTUN        bool   `json:"useStun"`
	PublicIP       string `json:"publicIp"`
	PublicPort     string `json:"publicPort"`
	LinkUp         bool   `json:"linkUp"`
	InternetAccess bool   `json:"internetAccess"`
}

// handleInfo ingests a device info frame: persists the new interface
// set, feeds every observed change into the pending engine, marks the
// connection ready, and fans the refreshed metadata out to the other
// hosts.
func (s *Server) handleInfo(ctx context.Context, conn *registry.Conn, deviceID, machineID string, data []byte) {
	var frame infoFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("malformed info frame")
		return
	}

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("machine_id", machineID).Msg("info for unknown device")
		return
	}

	previous := make(map[string]*types.Interface, len(device.Interfaces))
	for _, ifc := range device.Interfaces {
		previous[ifc.Name] = ifc
	}

	device.Interfaces = device.Interfaces[:0]
	for _, w := range frame.Interfaces {
		device.Interfaces = append(device.Interfaces, &types.Interface{
			DeviceID:       deviceID,
			Name:           w.Name,
			Type:           types.InterfaceType(w.Type),
			Addr:           w.Addr,
			Gateway:        w.Gateway,
			UseSTUN:        w.UseSTUN,
			PublicIP:       w.PublicIP,
			PublicPort:     w.PublicPort,
			LinkUp:         w.LinkUp,
			InternetAccess: w.InternetAccess,
		})
	}

	// Persist before triggering: the engine re-reads device state from
	// the store when it evaluates reactivation gates.
	if err := s.store.UpdateDevice(device); err != nil {
		s.logger.Error().Err(err).Str("machine_id", machineID).Msg("failed to persist device info")
		return
	}

	for _, ifc := range device.Interfaces {
		s.applyInterfaceChange(ctx, deviceID, previous[ifc.Name], ifc)
	}

	conn.SetReady()
	s.reg.UpdateHashes(machineID, frame.ReconfigHash, frame.NotifyHash)

	if err := s.router.BroadcastInfo(ctx, router.InfoMessage{
		Org:          device.Org,
		MachineID:    machineID,
		ReconfigHash: frame.ReconfigHash,
		NotifyHash:   frame.NotifyHash,
	}); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("info broadcast failed")
	}
}

// applyInterfaceChange translates one interface delta into pending
// engine triggers. Engine errors are logged and absorbed so one bad
// interface cannot stall the rest of the frame.
func (s *Server) applyInterfaceChange(ctx context.Context, deviceID string, old, cur *types.Interface) {
	logEngine := func(op string, err error) {
		if err != nil {
			s.logger.Error().Err(err).Str("device", deviceID).Str("interface", cur.Name).Str("op", op).Msg("pending transition failed")
		}
	}

	switch {
	case old.HasAddr() && !cur.HasAddr():
		// An interface without an address cannot carry peer tunnels
		// either, so the default sweep includes them.
		logEngine("ip-missing", s.engine.InterfaceIPMissing(ctx, deviceID, cur.Name, old.Addr, true))
	case !old.HasAddr() && cur.HasAddr():
		logEngine("ip-restored", s.engine.InterfaceIPRestored(ctx, deviceID, cur.Name, false))
	}

	if !old.HasPublicPort() && cur.HasPublicPort() {
		logEngine("public-port", s.engine.PublicPortChanged(ctx, deviceID, cur.Name))
	}

	publicChanged := old != nil && old.PublicIP != "" && cur.PublicIP != "" &&
		(old.PublicIP != cur.PublicIP || old.PublicPort != cur.PublicPort)
	if publicChanged {
		logEngine("churn", s.engine.PublicAddressChurn(ctx, deviceID, cur.Name))
	}
}
