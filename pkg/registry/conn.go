package registry

import (
	"sync"

	"github.com/latticewan/lattice/pkg/coord"
)

// Socket is the live transport to an attached device. The gateway wraps
// the underlying websocket; tests substitute fakes.
type Socket interface {
	// Write sends a raw frame to the device.
	Write(data []byte) error
	// Ping sends a liveness probe.
	Ping() error
	// Close terminates the connection.
	Close() error
}

// Conn is the per-device connection record. Exactly one host owns the
// live socket at any time; a host that lost the socket keeps no record.
type Conn struct {
	Org       string
	DeviceID  string
	MachineID string

	mu   sync.Mutex
	sock Socket // nil once the underlying connection dropped

	// ready is false until the handshake info exchange completes;
	// job dispatch waits for readiness, raw routing does not.
	ready bool

	// Last-known state, refreshed locally and via bus fan-out from the
	// owning host.
	LastRunning  bool
	ReconfigHash string
	NotifyHash   string

	missedPongs int
	sub         coord.Subscription // dev:<machineID> forward subscription
}

// Ready reports whether the handshake completed.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SetReady marks the handshake info exchange as complete.
func (c *Conn) SetReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
}

// Attached reports whether this host currently holds the live socket.
func (c *Conn) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

// Write sends a raw frame over the live socket.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return errSocketGone
	}
	return sock.Write(data)
}

func (c *Conn) ping() error {
	c.mu.Lock()
	sock := c.sock
	c.missedPongs++
	c.mu.Unlock()
	if sock == nil {
		return errSocketGone
	}
	return sock.Ping()
}

func (c *Conn) pongReceived() {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
}

func (c *Conn) missed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedPongs
}

// dropSocket clears the socket reference and closes the per-device
// forward subscription, keeping the record itself.
func (c *Conn) dropSocket() {
	c.mu.Lock()
	sock := c.sock
	sub := c.sub
	c.sock = nil
	c.sub = nil
	c.ready = false
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if sub != nil {
		sub.Close()
	}
}
