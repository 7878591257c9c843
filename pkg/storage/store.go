package storage

import (
	"errors"

	"github.com/latticewan/lattice/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRangeExhausted is returned by NextTunnelNum when the per-org
	// counter has reached its configured bound.
	ErrRangeExhausted = errors.New("tunnel number range exhausted")
)

// Store defines the interface for control-plane state storage.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	GetDeviceByMachineID(machineID string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	ListDevicesByOrg(org string) ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	UpdateDeviceSync(id string, hash string, stale bool) error
	DeleteDevice(id string) error

	// Tunnels
	UpsertTunnel(tunnel *types.Tunnel) error
	GetTunnel(org string, num int) (*types.Tunnel, error)
	ListTunnels(org string) ([]*types.Tunnel, error)
	ListActiveTunnels(org string) ([]*types.Tunnel, error)
	GetActiveTunnelBetween(org, deviceA, deviceB string) (*types.Tunnel, error)
	ListTunnelsByInterface(org, deviceID, ifcName string, includePeers bool) ([]*types.Tunnel, error)
	SetTunnelConf(org string, num int, deviceID string, configured bool) error
	UpdateTunnelPending(org string, num int, pending types.PendingState) error
	DeactivateTunnel(org string, num int) error
	DeleteTunnel(org string, num int) error

	// Tunnel number allocation primitives
	ReclaimTunnelNum(org string) (int, bool, error)
	NextTunnelNum(org string, bound int) (int, error)

	// Static routes
	CreateRoute(route *types.StaticRoute) error
	GetRoute(id string) (*types.StaticRoute, error)
	ListRoutesByDevice(deviceID string) ([]*types.StaticRoute, error)
	ListRoutesByTunnel(org string, num int) ([]*types.StaticRoute, error)
	UpdateRoutePending(id string, pending types.PendingState) error
	DeleteRoute(id string) error

	// Utility
	Close() error
}
