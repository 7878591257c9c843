package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticewan/lattice/pkg/coord"
	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/registry"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type chanSocket struct {
	frames chan []byte
}

func newChanSocket() *chanSocket {
	return &chanSocket{frames: make(chan []byte, 16)}
}

func (s *chanSocket) Write(data []byte) error {
	s.frames <- data
	return nil
}

func (s *chanSocket) Ping() error { return nil }
func (s *chanSocket) Close() error { return nil }

func (s *chanSocket) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-s.frames:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

type nopBusHandler struct{}

func (nopBusHandler) HandleInfo(InfoMessage)                 {}
func (nopBusHandler) HandleStatus(StatusMessage)             {}
func (nopBusHandler) HandleDisconnect(DisconnectMessage)     {}
func (nopBusHandler) HandleDisconnected(DisconnectedMessage) {}
func (nopBusHandler) HandlePong(PongMessage)                 {}

func newHost(t *testing.T, hostID string, cs coord.Store) (*registry.Registry, *Router) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := registry.New(registry.Config{
		HostID:         hostID,
		PingInterval:   time.Minute,
		PongBudget:     3,
		ConnExpiry:     time.Minute,
		DebounceWindow: 10 * time.Millisecond,
	}, cs, broker)
	t.Cleanup(reg.Stop)

	r := New(hostID, reg, cs, 30*time.Second, 200*time.Millisecond)
	reg.SetNotifier(r)
	require.NoError(t, r.Start(context.Background(), nopBusHandler{}))
	t.Cleanup(r.Stop)
	return reg, r
}

func replyFrame(seq string, ok int, message string) []byte {
	data, _ := json.Marshal(Reply{Seq: seq, Msg: ReplyBody{OK: ok, Message: json.RawMessage(message)}})
	return data
}

func TestSendLocalResolves(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	reg, r := newHost(t, "host-a", cs)

	sock := newChanSocket()
	_, err := reg.Attach(context.Background(), "org-1", "dev-1", "m1", sock)
	require.NoError(t, err)

	type sendOut struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan sendOut, 1)
	go func() {
		payload, err := r.Send(context.Background(), "org-1", "m1",
			map[string]string{"entity": "agent", "message": "get-device-info"},
			SendOptions{Timeout: time.Second})
		done <- sendOut{payload, err}
	}()

	env := sock.next(t)
	assert.Equal(t, "host-a", env.HostID)
	assert.NotEmpty(t, env.Seq)

	r.HandleReply(context.Background(), replyFrame(env.Seq, 1, `{"machineId":"m1"}`))

	out := <-done
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"machineId":"m1"}`, string(out.payload))
	assert.Equal(t, 0, r.PendingCount())
}

func TestSendDeviceError(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	reg, r := newHost(t, "host-a", cs)

	sock := newChanSocket()
	_, err := reg.Attach(context.Background(), "org-1", "dev-1", "m1", sock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "org-1", "m1", "probe", SendOptions{
			Timeout: time.Second,
			// The validator must not run for a device-side error
			Validator: func(json.RawMessage) error { return fmt.Errorf("schema mismatch") },
		})
		done <- err
	}()

	env := sock.next(t)
	r.HandleReply(context.Background(), replyFrame(env.Seq, 0, `"tunnel add failed"`))

	err = <-done
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestSendValidationFailure(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	reg, r := newHost(t, "host-a", cs)

	sock := newChanSocket()
	_, err := reg.Attach(context.Background(), "org-1", "dev-1", "m1", sock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "org-1", "m1", "probe", SendOptions{
			Timeout:   time.Second,
			Validator: func(json.RawMessage) error { return fmt.Errorf("missing field") },
		})
		done <- err
	}()

	env := sock.next(t)
	r.HandleReply(context.Background(), replyFrame(env.Seq, 1, `{}`))

	assert.ErrorIs(t, <-done, ErrValidation)
}

func TestSendTimeoutAndLateReplyDropped(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	reg, r := newHost(t, "host-a", cs)

	sock := newChanSocket()
	_, err := reg.Attach(context.Background(), "org-1", "dev-1", "m1", sock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "org-1", "m1", "probe", SendOptions{Timeout: 30 * time.Millisecond})
		done <- err
	}()

	env := sock.next(t)
	assert.ErrorIs(t, <-done, ErrTimeout)

	// The seq reservation still names this host, so the late reply
	// must be dropped, not forwarded or resolved.
	r.HandleReply(context.Background(), replyFrame(env.Seq, 1, `{}`))
	assert.Equal(t, 0, r.PendingCount())
}

func TestJobSendFailsFastWhenUnattached(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	_, r := newHost(t, "host-a", cs)

	start := time.Now()
	_, err := r.Send(context.Background(), "org-1", "m-gone", "task", SendOptions{
		Timeout: 5 * time.Second,
		JobID:   "job-1",
	})
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), time.Second, "job send should fail fast, not wait for timeout")
}

func TestUnclaimedReplyDropped(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()
	_, r := newHost(t, "host-a", cs)

	// No pending entry, no seq owner: must not panic
	r.HandleReply(context.Background(), replyFrame("seq-nobody", 1, `{}`))
}

func TestCrossHostForwarding(t *testing.T) {
	cs := coord.NewMemoryStore()
	defer cs.Close()

	// Host B owns the device socket; host A issues the request.
	regB, routerB := newHost(t, "host-b", cs)
	_, routerA := newHost(t, "host-a", cs)

	sock := newChanSocket()
	_, err := regB.Attach(context.Background(), "org-1", "dev-1", "m1", sock)
	require.NoError(t, err)

	type sendOut struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan sendOut, 1)
	go func() {
		payload, err := routerA.Send(context.Background(), "org-1", "m1", "probe", SendOptions{Timeout: 2 * time.Second})
		done <- sendOut{payload, err}
	}()

	// The envelope reaches the device through host B's forward loop
	env := sock.next(t)
	assert.Equal(t, "host-a", env.HostID)

	// The reply lands on host B (where the socket lives); B has no
	// pending entry and forwards it to host A via the seq owner record.
	routerB.HandleReply(context.Background(), replyFrame(env.Seq, 1, `{"forwarded":true}`))

	out := <-done
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"forwarded":true}`, string(out.payload))
}
