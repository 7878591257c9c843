package pending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type engineFixture struct {
	store   *storage.BoltStore
	notify  *events.Broker
	limiter *ChurnLimiter
	engine  *Engine
	devA    *types.Device
	devB    *types.Device
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notify := events.NewBroker()
	notify.Start()
	t.Cleanup(notify.Stop)

	limiter := NewChurnLimiter(rate.Every(time.Hour), 1)

	f := &engineFixture{
		store:   store,
		notify:  notify,
		limiter: limiter,
		engine:  NewEngine(store, notify, limiter),
		devA: &types.Device{
			ID: "dev-a", MachineID: "m1", Org: "org-1",
			Interfaces: []*types.Interface{
				{DeviceID: "dev-a", Name: "wan0", Type: types.InterfaceWAN, Addr: "192.0.2.10/24"},
			},
		},
		devB: &types.Device{
			ID: "dev-b", MachineID: "m2", Org: "org-1",
			Interfaces: []*types.Interface{
				{DeviceID: "dev-b", Name: "wan0", Type: types.InterfaceWAN, Addr: "192.0.2.20/24"},
			},
		},
	}
	require.NoError(t, store.CreateDevice(f.devA))
	require.NoError(t, store.CreateDevice(f.devB))

	require.NoError(t, store.UpsertTunnel(&types.Tunnel{
		ID: "t1", Org: "org-1", Num: 1,
		DeviceA: "dev-a", InterfaceA: "wan0",
		DeviceB: "dev-b", InterfaceB: "wan0",
		IsActive: true,
	}))
	return f
}

// countEvents drains the subscriber for a settling period and counts
// events of the given type.
func countEvents(sub events.Subscriber, eventType events.EventType) int {
	count := 0
	for {
		select {
		case event := <-sub:
			if event.Type == eventType {
				count++
			}
		case <-time.After(200 * time.Millisecond):
			return count
		}
	}
}

func (f *engineFixture) tunnel(t *testing.T) *types.Tunnel {
	t.Helper()
	tunnel, err := f.store.GetTunnel("org-1", 1)
	require.NoError(t, err)
	return tunnel
}

func TestIPMissingIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	sub := f.notify.Subscribe()
	defer f.notify.Unsubscribe(sub)

	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", true))
	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", true))

	tunnel := f.tunnel(t)
	assert.True(t, tunnel.Pending.IsPending)
	assert.Equal(t, types.ReasonInterfaceHasNoIP, tunnel.Pending.Reason)

	assert.Equal(t, 1, countEvents(sub, events.EventTunnelPending),
		"re-applying the same condition must not notify again")
}

func TestIPMissingSkipsPeerTunnelsWhenExcluded(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertTunnel(&types.Tunnel{
		ID: "t2", Org: "org-1", Num: 2,
		DeviceA: "dev-a", InterfaceA: "wan0",
		Peer:     "203.0.113.9",
		IsActive: true,
	}))

	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", false))

	peerTunnel, err := f.store.GetTunnel("org-1", 2)
	require.NoError(t, err)
	assert.False(t, peerTunnel.Pending.IsPending, "peer tunnel excluded from this event")
	assert.True(t, f.tunnel(t).Pending.IsPending)
}

func TestRestoreRefusedWhileFarSideHasNoIP(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", true))

	// Far side loses its address too
	f.devB.Interfaces[0].Addr = ""
	require.NoError(t, f.store.UpdateDevice(f.devB))

	require.NoError(t, f.engine.InterfaceIPRestored(ctx, "dev-a", "wan0", false))
	assert.True(t, f.tunnel(t).Pending.IsPending, "tunnel must stay pending while the far side has no IP")

	f.devB.Interfaces[0].Addr = "192.0.2.20/24"
	require.NoError(t, f.store.UpdateDevice(f.devB))

	require.NoError(t, f.engine.InterfaceIPRestored(ctx, "dev-a", "wan0", false))
	assert.False(t, f.tunnel(t).Pending.IsPending)
}

func TestStunGatingRequiresBothPublicPorts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for _, device := range []*types.Device{f.devA, f.devB} {
		device.Interfaces[0].UseSTUN = true
		device.Interfaces[0].PublicPort = ""
		require.NoError(t, f.store.UpdateDevice(device))
	}
	require.NoError(t, f.store.UpdateTunnelPending("org-1", 1, types.PendingState{
		IsPending: true, Type: types.PendingTypeTunnel, Reason: types.ReasonWaitForSTUN, Time: time.Now(),
	}))

	// One side discovering its port is not enough
	f.devA.Interfaces[0].PublicPort = "40001"
	require.NoError(t, f.store.UpdateDevice(f.devA))
	require.NoError(t, f.engine.PublicPortChanged(ctx, "dev-a", "wan0"))
	assert.True(t, f.tunnel(t).Pending.IsPending)

	f.devB.Interfaces[0].PublicPort = "40002"
	require.NoError(t, f.store.UpdateDevice(f.devB))
	require.NoError(t, f.engine.PublicPortChanged(ctx, "dev-b", "wan0"))
	assert.False(t, f.tunnel(t).Pending.IsPending)
}

func TestForcedReleaseSkipsStunGate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for _, device := range []*types.Device{f.devA, f.devB} {
		device.Interfaces[0].UseSTUN = true
		device.Interfaces[0].PublicPort = ""
		require.NoError(t, f.store.UpdateDevice(device))
	}
	require.NoError(t, f.store.UpdateTunnelPending("org-1", 1, types.PendingState{
		IsPending: true, Type: types.PendingTypeTunnel, Reason: types.ReasonWaitForSTUN, Time: time.Now(),
	}))

	require.NoError(t, f.engine.InterfaceIPRestored(ctx, "dev-a", "wan0", true))
	assert.False(t, f.tunnel(t).Pending.IsPending)
}

func TestTunnelFlipCascadesToRoutes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRoute(&types.StaticRoute{
		ID: "r1", DeviceID: "dev-a", Org: "org-1",
		Dest: "10.20.0.0/16", ViaTunnel: 1,
	}))

	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", true))

	route, err := f.store.GetRoute("r1")
	require.NoError(t, err)
	assert.True(t, route.Pending.IsPending)
	assert.Equal(t, types.ReasonTunnelIsPending, route.Pending.Reason)

	require.NoError(t, f.engine.InterfaceIPRestored(ctx, "dev-a", "wan0", false))

	route, err = f.store.GetRoute("r1")
	require.NoError(t, err)
	assert.False(t, route.Pending.IsPending)
}

func TestRouteGatewayInLostPrefixGoesPending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Egresses a different interface but its gateway lived in the lost prefix
	require.NoError(t, f.store.CreateRoute(&types.StaticRoute{
		ID: "r2", DeviceID: "dev-a", Org: "org-1",
		Dest: "10.30.0.0/16", Gateway: "192.0.2.1", Interface: "lan0",
	}))

	require.NoError(t, f.engine.InterfaceIPMissing(ctx, "dev-a", "wan0", "192.0.2.0/24", true))

	route, err := f.store.GetRoute("r2")
	require.NoError(t, err)
	assert.True(t, route.Pending.IsPending)
	assert.Equal(t, types.ReasonInterfaceHasNoIP, route.Pending.Reason)
}

func TestChurnBlocksInterfaceAndHoldsTunnels(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	sub := f.notify.Subscribe()
	defer f.notify.Unsubscribe(sub)

	// burst=1: the first change is admitted, the second trips the limiter
	require.NoError(t, f.engine.PublicAddressChurn(ctx, "dev-a", "wan0"))
	assert.False(t, f.limiter.IsBlocked("dev-a", "wan0"))

	require.NoError(t, f.engine.PublicAddressChurn(ctx, "dev-a", "wan0"))
	assert.True(t, f.limiter.IsBlocked("dev-a", "wan0"))

	tunnel := f.tunnel(t)
	assert.True(t, tunnel.Pending.IsPending)
	assert.Equal(t, types.ReasonPublicPortHighRate, tunnel.Pending.Reason)
	assert.Equal(t, 1, countEvents(sub, events.EventRateLimitBlocked))

	// Reactivation refused while blocked
	require.NoError(t, f.engine.InterfaceIPRestored(ctx, "dev-a", "wan0", false))
	assert.True(t, f.tunnel(t).Pending.IsPending)
}
