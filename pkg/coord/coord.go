package coord

import (
	"context"
	"time"
)

// BusChannel is the shared broadcast channel every management host
// subscribes to for info/status/disconnect/pong fan-out.
const BusChannel = "lattice:bus"

// ConnectKey is the liveness key naming the host that currently owns a
// device's socket. Refreshed by pong, expires when the device is gone.
func ConnectKey(machineID string) string {
	return "connect:" + machineID
}

// SeqKey records which host is waiting for the reply to a sequence.
func SeqKey(seq string) string {
	return "seq:" + seq
}

// DeviceChannel carries messages to whichever host holds the device's
// live socket.
func DeviceChannel(machineID string) string {
	return "dev:" + machineID
}

// HostChannel is a host's private channel for replies forwarded from
// other hosts.
func HostChannel(hostID string) string {
	return "host:" + hostID
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription is closed or the store shuts down.
	Messages() <-chan Message
	Close() error
}

// Store is the shared coordination service: a key/value store with
// expiry plus publish/subscribe. Cross-host correctness of the
// connection registry and message router rests entirely on its atomic
// operations.
type Store interface {
	// Set stores a value under key with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key; ok is false when the key does not
	// exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Refresh extends the TTL of an existing key; ok is false when the
	// key is gone.
	Refresh(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)

	// Publish sends payload to all subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on one or more channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Close() error
}
