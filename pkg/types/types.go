package types

import (
	"time"
)

// Device represents a managed edge device
type Device struct {
	ID          string // Database ID
	MachineID   string // Stable identity independent of socket/host
	Org         string
	Name        string
	Approved    bool
	Interfaces  []*Interface
	Sync        SyncState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncState tracks whether a device's running configuration matches
// the configuration stored in the database
type SyncState struct {
	Hash  string // Hash of the last configuration the device acknowledged
	Stale bool   // Set when a job failed terminally and the device may have drifted
}

// InterfaceType defines the role of a device interface
type InterfaceType string

const (
	InterfaceWAN   InterfaceType = "WAN"
	InterfaceLAN   InterfaceType = "LAN"
	InterfaceTrunk InterfaceType = "TRUNK"
)

// Interface represents a network interface on a device.
// The event engine only reads and writes the pending-related subset
// and the public address fields.
type Interface struct {
	DeviceID       string
	Name           string // e.g. "GigabitEthernet0/0"
	Type           InterfaceType
	Addr           string // CIDR, empty when the interface has no address
	Gateway        string
	UseSTUN        bool
	PublicIP       string
	PublicPort     string // Empty until STUN discovery completes
	LinkUp         bool
	InternetAccess bool
}

// HasAddr reports whether the interface currently holds an address.
func (i *Interface) HasAddr() bool {
	return i != nil && i.Addr != ""
}

// HasPublicPort reports whether STUN discovery produced a public port.
func (i *Interface) HasPublicPort() bool {
	return i != nil && i.PublicPort != ""
}

// PendingType classifies what kind of entity a pending state refers to
type PendingType string

const (
	PendingTypeTunnel PendingType = "tunnel"
	PendingTypeRoute  PendingType = "route"
)

// PendingReason explains why a tunnel or route is held in pending state
type PendingReason string

const (
	ReasonInterfaceHasNoIP  PendingReason = "interfaceHasNoIp"
	ReasonWaitForSTUN       PendingReason = "waitForStun"
	ReasonPublicPortHighRate PendingReason = "publicPortHighRate"
	ReasonTunnelIsPending   PendingReason = "tunnelIsPending"
)

// PendingState is the pending triple carried by tunnels and static routes.
// A zero PendingState means the entity is active.
type PendingState struct {
	IsPending bool
	Type      PendingType
	Reason    PendingReason
	Time      time.Time
}

// Equal reports whether two pending states describe the same condition.
// Time is deliberately excluded so re-applying an unchanged condition
// is detectable as a no-op.
func (p PendingState) Equal(o PendingState) bool {
	return p.IsPending == o.IsPending && p.Type == o.Type && p.Reason == o.Reason
}

// Tunnel represents an IPsec tunnel between two devices (or one device
// and a non-managed peer). (Org, Num) is unique among active tunnels.
type Tunnel struct {
	ID         string
	Org        string
	Num        int // Small per-org integer; seed for parameter derivation
	DeviceA    string
	InterfaceA string
	DeviceB    string
	InterfaceB string

	// Liveness signals: set when the corresponding device reported the
	// tunnel configured. Not a provisioning gate.
	DeviceAConf bool
	DeviceBConf bool

	// IsActive=false soft-deletes the tunnel and frees Num for reuse
	// within the same organization.
	IsActive bool

	Pending PendingState

	// Peer holds the remote endpoint address for tunnels whose far side
	// is not a managed device. Empty for managed pairs.
	Peer string

	// Random IPsec key material, generated per tunnel creation.
	Keys TunnelKeys

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPeer reports whether only one side of the tunnel is a managed device.
func (t *Tunnel) IsPeer() bool {
	return t.Peer != ""
}

// UsesInterface reports whether the tunnel terminates on the given
// device interface on either side.
func (t *Tunnel) UsesInterface(deviceID, ifcName string) bool {
	if t.DeviceA == deviceID && t.InterfaceA == ifcName {
		return true
	}
	return t.DeviceB == deviceID && t.InterfaceB == ifcName
}

// OtherSide returns the device and interface at the opposite end of the
// tunnel from the given device. ok is false when the device is not an
// endpoint or the far side is an unmanaged peer.
func (t *Tunnel) OtherSide(deviceID string) (device, ifc string, ok bool) {
	switch deviceID {
	case t.DeviceA:
		if t.IsPeer() {
			return "", "", false
		}
		return t.DeviceB, t.InterfaceB, true
	case t.DeviceB:
		return t.DeviceA, t.InterfaceA, true
	}
	return "", "", false
}

// TunnelKeys holds the four random IPsec keys generated for a tunnel.
// They are never derived from the tunnel number.
type TunnelKeys struct {
	Key1 string
	Key2 string
	Key3 string
	Key4 string
}

// TunnelCounter is the per-organization counter document backing
// tunnel number allocation
type TunnelCounter struct {
	Org         string
	NextAvailID int
}

// StaticRoute belongs to a device and is reconciled independently
// against interface and tunnel state
type StaticRoute struct {
	ID        string
	DeviceID  string
	Org       string
	Dest      string // Destination CIDR
	Gateway   string
	Interface string // Interface the route egresses, when gateway-routed
	ViaTunnel int    // Tunnel number the route depends on, 0 when none
	Pending   PendingState
	CreatedAt time.Time
}

// DependsOnTunnel reports whether the route is configured to route
// through the given tunnel number.
func (r *StaticRoute) DependsOnTunnel(num int) bool {
	return r.ViaTunnel != 0 && r.ViaTunnel == num
}
