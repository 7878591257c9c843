package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latticewan/lattice/pkg/coord"
)

// BusKind identifies one of the closed set of cross-host bus messages.
type BusKind string

const (
	// BusInfo fans out refreshed device metadata from the owning host.
	BusInfo BusKind = "info"
	// BusStatus fans out a device's running state.
	BusStatus BusKind = "status"
	// BusDisconnect asks whichever host owns the device to drop it.
	BusDisconnect BusKind = "disconnect"
	// BusDisconnected announces a device became fully unattached.
	BusDisconnected BusKind = "disconnected"
	// BusPong announces observed liveness so other hosts clear their
	// disconnect debounce for the device.
	BusPong BusKind = "pong"
)

// busFrame is the envelope all bus messages travel in.
type busFrame struct {
	Kind   BusKind         `json:"kind"`
	HostID string          `json:"hostId"`
	Body   json.RawMessage `json:"body"`
}

// InfoMessage carries refreshed device metadata.
type InfoMessage struct {
	Org          string `json:"org"`
	MachineID    string `json:"machineId"`
	ReconfigHash string `json:"reconfigHash,omitempty"`
	NotifyHash   string `json:"notifyHash,omitempty"`
}

// StatusMessage carries a device's last-known running state.
type StatusMessage struct {
	MachineID string `json:"machineId"`
	Running   bool   `json:"running"`
}

// DisconnectMessage asks the owning host to terminate a device socket.
type DisconnectMessage struct {
	MachineID string `json:"machineId"`
}

// DisconnectedMessage announces a fully unattached device.
type DisconnectedMessage struct {
	Org       string `json:"org"`
	MachineID string `json:"machineId"`
}

// PongMessage announces observed device liveness.
type PongMessage struct {
	MachineID string `json:"machineId"`
}

// BusHandler receives decoded bus messages. Exactly one of the fields
// of the handled kinds is invoked per frame.
type BusHandler interface {
	HandleInfo(msg InfoMessage)
	HandleStatus(msg StatusMessage)
	HandleDisconnect(msg DisconnectMessage)
	HandleDisconnected(msg DisconnectedMessage)
	HandlePong(msg PongMessage)
}

// publishBus marshals and publishes one typed message on the shared
// broadcast channel.
func (r *Router) publishBus(ctx context.Context, kind BusKind, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(busFrame{Kind: kind, HostID: r.hostID, Body: raw})
	if err != nil {
		return err
	}
	return r.coord.Publish(ctx, coord.BusChannel, frame)
}

// dispatchBus decodes a bus frame and invokes the matching handler.
// Frames published by this host are ignored.
func (r *Router) dispatchBus(payload []byte, handler BusHandler) error {
	var frame busFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("malformed bus frame: %w", err)
	}
	if frame.HostID == r.hostID {
		return nil
	}

	switch frame.Kind {
	case BusInfo:
		var msg InfoMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return err
		}
		handler.HandleInfo(msg)
	case BusStatus:
		var msg StatusMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return err
		}
		handler.HandleStatus(msg)
	case BusDisconnect:
		var msg DisconnectMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return err
		}
		handler.HandleDisconnect(msg)
	case BusDisconnected:
		var msg DisconnectedMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return err
		}
		handler.HandleDisconnected(msg)
	case BusPong:
		var msg PongMessage
		if err := json.Unmarshal(frame.Body, &msg); err != nil {
			return err
		}
		handler.HandlePong(msg)
	default:
		return fmt.Errorf("unknown bus kind: %s", frame.Kind)
	}
	return nil
}

// NotifyDisconnected implements registry.Notifier.
func (r *Router) NotifyDisconnected(ctx context.Context, org, machineID string) error {
	return r.publishBus(ctx, BusDisconnected, DisconnectedMessage{Org: org, MachineID: machineID})
}

// NotifyPong implements registry.Notifier.
func (r *Router) NotifyPong(ctx context.Context, machineID string) error {
	return r.publishBus(ctx, BusPong, PongMessage{MachineID: machineID})
}

// BroadcastInfo fans out refreshed device metadata.
func (r *Router) BroadcastInfo(ctx context.Context, msg InfoMessage) error {
	return r.publishBus(ctx, BusInfo, msg)
}

// BroadcastStatus fans out a device's running state.
func (r *Router) BroadcastStatus(ctx context.Context, msg StatusMessage) error {
	return r.publishBus(ctx, BusStatus, msg)
}

// RequestDisconnect asks whichever host owns the device to drop it.
func (r *Router) RequestDisconnect(ctx context.Context, machineID string) error {
	return r.publishBus(ctx, BusDisconnect, DisconnectMessage{MachineID: machineID})
}
