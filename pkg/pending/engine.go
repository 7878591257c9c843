package pending

import (
	"context"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/metrics"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/types"
)

// Engine applies pending-state transitions to tunnels and static
// routes in response to interface events. Every transition is
// idempotent: the stored pending condition is compared before writing,
// so re-applying an unchanged condition performs no write and sends no
// duplicate notification.
type Engine struct {
	store   storage.Store
	notify  *events.Broker
	limiter *ChurnLimiter
	logger  zerolog.Logger
}

// NewEngine creates a pending-state engine.
func NewEngine(store storage.Store, notify *events.Broker, limiter *ChurnLimiter) *Engine {
	return &Engine{
		store:   store,
		notify:  notify,
		limiter: limiter,
		logger:  log.WithComponent("pending"),
	}
}

// InterfaceIPMissing marks every tunnel through the interface pending
// with reason interfaceHasNoIp. Peer tunnels are skipped unless
// includePeers is set. Static routes egressing the same interface, or
// whose gateway sat inside the lost prefix, are propagated too.
func (e *Engine) InterfaceIPMissing(ctx context.Context, deviceID, ifcName, lostCIDR string, includePeers bool) error {
	device, err := e.store.GetDevice(deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("device", deviceID).Msg("ip-missing event for unknown device")
		return nil
	}

	tunnels, err := e.store.ListTunnelsByInterface(device.Org, deviceID, ifcName, includePeers)
	if err != nil {
		return err
	}
	for _, tunnel := range tunnels {
		e.setTunnelPending(tunnel, types.ReasonInterfaceHasNoIP)
	}

	routes, err := e.store.ListRoutesByDevice(deviceID)
	if err != nil {
		return err
	}
	for _, route := range routes {
		if route.Interface != ifcName && !gatewayInPrefix(route.Gateway, lostCIDR) {
			continue
		}
		e.setRoutePending(route, types.ReasonInterfaceHasNoIP)
	}
	return nil
}

// InterfaceIPRestored attempts to reactivate every pending tunnel
// through the interface. Reactivation is refused while the far
// endpoint still lacks an address, while either endpoint's interface is
// blocked by the churn limiter, or while a STUN-gated tunnel is missing
// a public port on either side (unless force is set). Reactivated
// tunnels cascade their dependent static routes back to active.
func (e *Engine) InterfaceIPRestored(ctx context.Context, deviceID, ifcName string, force bool) error {
	device, err := e.store.GetDevice(deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("device", deviceID).Msg("ip-restored event for unknown device")
		return nil
	}
	localIfc := findInterface(device, ifcName)
	if localIfc == nil {
		e.logger.Warn().Str("device", deviceID).Str("interface", ifcName).Msg("ip-restored event for unknown interface")
		return nil
	}

	tunnels, err := e.store.ListTunnelsByInterface(device.Org, deviceID, ifcName, true)
	if err != nil {
		return err
	}

	for _, tunnel := range tunnels {
		if !tunnel.Pending.IsPending {
			continue
		}
		if reason, held := e.holdReason(tunnel, deviceID, localIfc, force); held {
			e.setTunnelPending(tunnel, reason)
			continue
		}
		e.activateTunnel(tunnel)
	}
	return nil
}

// holdReason decides whether a pending tunnel must stay pending and
// with which reason.
func (e *Engine) holdReason(tunnel *types.Tunnel, deviceID string, localIfc *types.Interface, force bool) (types.PendingReason, bool) {
	var remoteIfc *types.Interface
	if otherDev, otherIfcName, ok := tunnel.OtherSide(deviceID); ok {
		other, err := e.store.GetDevice(otherDev)
		if err != nil {
			e.logger.Warn().Err(err).Str("device", otherDev).Int("num", tunnel.Num).
				Msg("far endpoint unknown, holding tunnel")
			return tunnel.Pending.Reason, true
		}
		remoteIfc = findInterface(other, otherIfcName)
		if !remoteIfc.HasAddr() {
			return types.ReasonInterfaceHasNoIP, true
		}
		if e.limiter.IsBlocked(otherDev, otherIfcName) {
			return types.ReasonPublicPortHighRate, true
		}
	}

	if e.limiter.IsBlocked(deviceID, localIfc.Name) {
		return types.ReasonPublicPortHighRate, true
	}

	if !force && stunIncomplete(localIfc, remoteIfc) {
		return types.ReasonWaitForSTUN, true
	}
	return "", false
}

// stunIncomplete reports whether either STUN-enabled endpoint still
// lacks a discovered public port.
func stunIncomplete(local, remote *types.Interface) bool {
	if local != nil && local.UseSTUN && !local.HasPublicPort() {
		return true
	}
	if remote != nil && remote.UseSTUN && !remote.HasPublicPort() {
		return true
	}
	return false
}

// PublicPortChanged handles STUN discovery completing on one side of a
// tunnel: the tunnel reactivates only once both sides hold a public
// port, otherwise it stays pending and the wait is logged.
func (e *Engine) PublicPortChanged(ctx context.Context, deviceID, ifcName string) error {
	device, err := e.store.GetDevice(deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("device", deviceID).Msg("public-port event for unknown device")
		return nil
	}
	localIfc := findInterface(device, ifcName)

	tunnels, err := e.store.ListTunnelsByInterface(device.Org, deviceID, ifcName, true)
	if err != nil {
		return err
	}

	for _, tunnel := range tunnels {
		if !tunnel.Pending.IsPending || tunnel.Pending.Reason != types.ReasonWaitForSTUN {
			continue
		}
		if stunIncomplete(localIfc, e.remoteInterface(tunnel, deviceID)) {
			e.logger.Debug().Int("num", tunnel.Num).Str("org", tunnel.Org).
				Msg("still waiting for far side public port")
			continue
		}
		e.activateTunnel(tunnel)
	}
	return nil
}

// PublicAddressChurn records one public address change on the
// interface. Crossing the configured rate blocks the interface and
// parks its non-peer tunnels with reason publicPortHighRate.
func (e *Engine) PublicAddressChurn(ctx context.Context, deviceID, ifcName string) error {
	if !e.limiter.Observe(deviceID, ifcName) {
		return nil
	}

	device, err := e.store.GetDevice(deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("device", deviceID).Msg("churn event for unknown device")
		return nil
	}

	e.notify.Publish(&events.Event{
		Type:      events.EventRateLimitBlocked,
		Org:       device.Org,
		MachineID: device.MachineID,
		Message:   "public address changing too fast, interface blocked",
		Metadata:  map[string]string{"interface": ifcName},
	})

	tunnels, err := e.store.ListTunnelsByInterface(device.Org, deviceID, ifcName, false)
	if err != nil {
		return err
	}
	for _, tunnel := range tunnels {
		e.setTunnelPending(tunnel, types.ReasonPublicPortHighRate)
	}
	return nil
}

// ReleaseBlocked unblocks interfaces whose churn rate has settled,
// sends a resolved notification for each, and retries reactivation.
// Intended to run periodically from the reconciler.
func (e *Engine) ReleaseBlocked(ctx context.Context) error {
	for _, key := range e.limiter.ReleaseReady() {
		device, err := e.store.GetDevice(key.DeviceID)
		if err != nil {
			e.logger.Warn().Err(err).Str("device", key.DeviceID).Msg("released interface on unknown device")
			continue
		}
		e.notify.Publish(&events.Event{
			Type:      events.EventRateLimitResolved,
			Org:       device.Org,
			MachineID: device.MachineID,
			Message:   "public address churn settled, interface released",
			Metadata:  map[string]string{"interface": key.Interface},
		})
		if err := e.InterfaceIPRestored(ctx, key.DeviceID, key.Interface, false); err != nil {
			e.logger.Error().Err(err).Str("device", key.DeviceID).Msg("reactivation after release failed")
		}
	}
	return nil
}

// TunnelStateChanged cascades a tunnel's own pending flip to every
// static route configured to route through it.
func (e *Engine) TunnelStateChanged(tunnel *types.Tunnel) {
	e.cascadeRoutes(tunnel)
}

func (e *Engine) setTunnelPending(tunnel *types.Tunnel, reason types.PendingReason) {
	next := types.PendingState{
		IsPending: true,
		Type:      types.PendingTypeTunnel,
		Reason:    reason,
		Time:      time.Now(),
	}
	if tunnel.Pending.Equal(next) {
		return
	}
	if err := e.store.UpdateTunnelPending(tunnel.Org, tunnel.Num, next); err != nil {
		e.logger.Error().Err(err).Str("org", tunnel.Org).Int("num", tunnel.Num).Msg("failed to mark tunnel pending")
		return
	}
	tunnel.Pending = next
	metrics.PendingTransitions.WithLabelValues("tunnel", "pending").Inc()

	e.notify.Publish(&events.Event{
		Type:      events.EventTunnelPending,
		Org:       tunnel.Org,
		TunnelNum: tunnel.Num,
		Message:   "tunnel held pending",
		Metadata:  map[string]string{"reason": string(reason)},
	})
	e.cascadeRoutes(tunnel)
}

func (e *Engine) activateTunnel(tunnel *types.Tunnel) {
	next := types.PendingState{}
	if tunnel.Pending.Equal(next) {
		return
	}
	if err := e.store.UpdateTunnelPending(tunnel.Org, tunnel.Num, next); err != nil {
		e.logger.Error().Err(err).Str("org", tunnel.Org).Int("num", tunnel.Num).Msg("failed to reactivate tunnel")
		return
	}
	tunnel.Pending = next
	metrics.PendingTransitions.WithLabelValues("tunnel", "active").Inc()

	e.notify.Publish(&events.Event{
		Type:      events.EventTunnelActive,
		Org:       tunnel.Org,
		TunnelNum: tunnel.Num,
		Message:   "tunnel reactivated",
	})
	e.cascadeRoutes(tunnel)
}

// cascadeRoutes mirrors the tunnel's pending flag onto every static
// route that depends on it.
func (e *Engine) cascadeRoutes(tunnel *types.Tunnel) {
	routes, err := e.store.ListRoutesByTunnel(tunnel.Org, tunnel.Num)
	if err != nil {
		e.logger.Error().Err(err).Str("org", tunnel.Org).Int("num", tunnel.Num).Msg("failed to list dependent routes")
		return
	}
	for _, route := range routes {
		if tunnel.Pending.IsPending {
			e.setRoutePending(route, types.ReasonTunnelIsPending)
		} else {
			e.activateRoute(route)
		}
	}
}

func (e *Engine) setRoutePending(route *types.StaticRoute, reason types.PendingReason) {
	next := types.PendingState{
		IsPending: true,
		Type:      types.PendingTypeRoute,
		Reason:    reason,
		Time:      time.Now(),
	}
	if route.Pending.Equal(next) {
		return
	}
	if err := e.store.UpdateRoutePending(route.ID, next); err != nil {
		e.logger.Error().Err(err).Str("route", route.ID).Msg("failed to mark route pending")
		return
	}
	route.Pending = next
	metrics.PendingTransitions.WithLabelValues("route", "pending").Inc()

	e.notify.Publish(&events.Event{
		Type:     events.EventRoutePending,
		Org:      route.Org,
		Message:  "static route held pending",
		Metadata: map[string]string{"route": route.ID, "reason": string(reason)},
	})
}

func (e *Engine) activateRoute(route *types.StaticRoute) {
	next := types.PendingState{}
	if route.Pending.Equal(next) {
		return
	}
	if err := e.store.UpdateRoutePending(route.ID, next); err != nil {
		e.logger.Error().Err(err).Str("route", route.ID).Msg("failed to reactivate route")
		return
	}
	route.Pending = next
	metrics.PendingTransitions.WithLabelValues("route", "active").Inc()

	e.notify.Publish(&events.Event{
		Type:     events.EventRouteActive,
		Org:      route.Org,
		Message:  "static route reactivated",
		Metadata: map[string]string{"route": route.ID},
	})
}

func (e *Engine) remoteInterface(tunnel *types.Tunnel, deviceID string) *types.Interface {
	otherDev, otherIfcName, ok := tunnel.OtherSide(deviceID)
	if !ok {
		return nil
	}
	other, err := e.store.GetDevice(otherDev)
	if err != nil {
		return nil
	}
	return findInterface(other, otherIfcName)
}

func findInterface(device *types.Device, name string) *types.Interface {
	for _, ifc := range device.Interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}

// gatewayInPrefix reports whether the route's gateway sat inside the
// lost prefix. Unparseable inputs count as no overlap.
func gatewayInPrefix(gateway, lostCIDR string) bool {
	if gateway == "" || lostCIDR == "" {
		return false
	}
	prefix, err := netip.ParsePrefix(lostCIDR)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(gateway)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}
