package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/latticewan/lattice/pkg/coord"
	"github.com/latticewan/lattice/pkg/events"
	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/pending"
	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type gatewayFixture struct {
	store  *storage.BoltStore
	reg    *registry.Registry
	router *router.Router
	srv    *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateDevice(&types.Device{
		ID: "dev-1", MachineID: "m1", Org: "org-1", Approved: true,
	}))

	notify := events.NewBroker()
	notify.Start()
	t.Cleanup(notify.Stop)

	cs := coord.NewMemoryStore()
	t.Cleanup(func() { cs.Close() })

	reg := registry.New(registry.Config{
		HostID:         "host-a",
		PingInterval:   time.Minute,
		PongBudget:     3,
		ConnExpiry:     2 * time.Minute,
		DebounceWindow: 50 * time.Millisecond,
	}, cs, notify)

	rt := router.New("host-a", reg, cs, time.Minute, 5*time.Second)
	reg.SetNotifier(rt)
	require.NoError(t, rt.Start(context.Background(), NewBusBridge(reg)))
	t.Cleanup(rt.Stop)

	engine := pending.NewEngine(store, notify, pending.NewChurnLimiter(rate.Every(time.Hour), 5))
	server := New(Config{AuthSecret: "s3cret"}, store, reg, rt, engine)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &gatewayFixture{store: store, reg: reg, router: rt, srv: srv}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/device/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readJSON(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func handshake(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()
	ws := f.dial(t)
	sendJSON(t, ws, map[string]string{"machineId": "m1", "token": "s3cret"})

	var ack ackFrame
	readJSON(t, ws, &ack)
	require.Equal(t, 1, ack.OK)
	return ws
}

func TestHandshakeAttachesDevice(t *testing.T) {
	f := newGatewayFixture(t)
	handshake(t, f)

	require.Eventually(t, func() bool {
		conn, ok := f.reg.Lookup("m1")
		return ok && conn.Attached()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)
	sendJSON(t, ws, map[string]string{"machineId": "m1", "token": "wrong"})

	var ack ackFrame
	readJSON(t, ws, &ack)
	assert.Equal(t, 0, ack.OK)

	_, ok := f.reg.Lookup("m1")
	assert.False(t, ok)
}

func TestHandshakeRejectsUnknownDevice(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t)
	sendJSON(t, ws, map[string]string{"machineId": "ghost", "token": "s3cret"})

	var ack ackFrame
	readJSON(t, ws, &ack)
	assert.Equal(t, 0, ack.OK)
}

func TestInfoFramePersistsInterfacesAndMarksReady(t *testing.T) {
	f := newGatewayFixture(t)
	ws := handshake(t, f)

	sendJSON(t, ws, infoFrame{
		Type:         "info",
		ReconfigHash: "rc-1",
		Interfaces: []wireInterface{
			{Name: "wan0", Type: "WAN", Addr: "192.0.2.10/24", LinkUp: true},
		},
	})

	require.Eventually(t, func() bool {
		conn, ok := f.reg.Lookup("m1")
		return ok && conn.Ready()
	}, 2*time.Second, 10*time.Millisecond)

	device, err := f.store.GetDevice("dev-1")
	require.NoError(t, err)
	require.Len(t, device.Interfaces, 1)
	assert.Equal(t, "wan0", device.Interfaces[0].Name)
	assert.Equal(t, "192.0.2.10/24", device.Interfaces[0].Addr)

	conn, _ := f.reg.Lookup("m1")
	assert.Equal(t, "rc-1", conn.ReconfigHash)
}

func TestInfoFrameIPLossHoldsPeerTunnels(t *testing.T) {
	f := newGatewayFixture(t)
	ws := handshake(t, f)

	sendJSON(t, ws, infoFrame{
		Type: "info",
		Interfaces: []wireInterface{
			{Name: "wan0", Type: "WAN", Addr: "192.0.2.10/24", LinkUp: true},
		},
	})
	require.Eventually(t, func() bool {
		conn, ok := f.reg.Lookup("m1")
		return ok && conn.Ready()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.UpsertTunnel(&types.Tunnel{
		ID: "t-1", Org: "org-1", Num: 1, IsActive: true,
		DeviceA: "dev-1", InterfaceA: "wan0",
		DeviceB: "dev-2", InterfaceB: "wan0",
	}))
	require.NoError(t, f.store.UpsertTunnel(&types.Tunnel{
		ID: "t-2", Org: "org-1", Num: 2, IsActive: true,
		DeviceA: "dev-1", InterfaceA: "wan0",
		Peer: "203.0.113.9",
	}))

	// Same interface, address gone.
	sendJSON(t, ws, infoFrame{
		Type: "info",
		Interfaces: []wireInterface{
			{Name: "wan0", Type: "WAN", LinkUp: true},
		},
	})

	// Losing the address holds managed and peer tunnels alike.
	require.Eventually(t, func() bool {
		peer, err := f.store.GetTunnel("org-1", 2)
		return err == nil && peer.Pending.IsPending
	}, 2*time.Second, 10*time.Millisecond)

	peer, err := f.store.GetTunnel("org-1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInterfaceHasNoIP, peer.Pending.Reason)

	managed, err := f.store.GetTunnel("org-1", 1)
	require.NoError(t, err)
	assert.True(t, managed.Pending.IsPending)
	assert.Equal(t, types.ReasonInterfaceHasNoIP, managed.Pending.Reason)
}

func TestReplyReachesWaitingSend(t *testing.T) {
	f := newGatewayFixture(t)
	ws := handshake(t, f)

	type sendOutcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan sendOutcome, 1)
	go func() {
		payload, err := f.router.Send(context.Background(), "org-1", "m1",
			map[string]string{"cmd": "get-config"}, router.SendOptions{Timeout: 5 * time.Second})
		done <- sendOutcome{payload: payload, err: err}
	}()

	var envelope struct {
		Seq string          `json:"seq"`
		Msg json.RawMessage `json:"msg"`
	}
	readJSON(t, ws, &envelope)
	require.NotEmpty(t, envelope.Seq)

	sendJSON(t, ws, map[string]interface{}{
		"seq": envelope.Seq,
		"msg": map[string]interface{}{"ok": 1, "message": map[string]string{"config": "v1"}},
	})

	select {
	case outcome := <-done:
		require.NoError(t, outcome.err)
		assert.JSONEq(t, `{"config":"v1"}`, string(outcome.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resolve")
	}
}

func TestSocketCloseUnattachesDevice(t *testing.T) {
	f := newGatewayFixture(t)
	ws := handshake(t, f)

	require.Eventually(t, func() bool {
		conn, ok := f.reg.Lookup("m1")
		return ok && conn.Attached()
	}, 2*time.Second, 10*time.Millisecond)

	ws.Close()

	require.Eventually(t, func() bool {
		_, ok := f.reg.Lookup("m1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
