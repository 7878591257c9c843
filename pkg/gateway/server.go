package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/pending"
	"github.com/latticewan/lattice/pkg/registry"
	"github.com/latticewan/lattice/pkg/router"
	"github.com/latticewan/lattice/pkg/storage"
)

// Config holds gateway settings.
type Config struct {
	ListenAddr string

	// AuthSecret, when non-empty, must be presented by every device in
	// its hello frame.
	AuthSecret string
}

// Server terminates device websocket connections: it authenticates the
// hello frame, attaches the device to the registry, and pumps inbound
// frames into the router and the pending engine.
type Server struct {
	cfg    Config
	store  storage.Store
	reg    *registry.Registry
	router *router.Router
	engine *pending.Engine
	logger zerolog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a device gateway server.
func New(cfg Config, store storage.Store, reg *registry.Registry, rt *router.Router, engine *pending.Engine) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		router: rt,
		engine: engine,
		logger: log.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler serving the device endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/ws", s.handleDevice)
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() {
	s.httpSrv = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("device gateway listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("gateway server failed")
		}
	}()
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// helloFrame is the first message a device sends after the upgrade.
type helloFrame struct {
	MachineID string `json:"machineId"`
	Token     string `json:"token"`
}

type ackFrame struct {
	OK      int    `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}

	var hello helloFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.MachineID == "" {
		s.reject(ws, "malformed hello")
		return
	}

	device, err := s.store.GetDeviceByMachineID(hello.MachineID)
	if err != nil || !device.Approved {
		s.reject(ws, "unknown or unapproved device")
		return
	}
	if s.cfg.AuthSecret != "" && hello.Token != s.cfg.AuthSecret {
		s.reject(ws, "bad token")
		return
	}

	ctx := context.Background()
	sock := newSocket(ws)
	conn, err := s.reg.Attach(ctx, device.Org, device.ID, device.MachineID, sock)
	if err != nil {
		s.reject(ws, "attach failed")
		return
	}

	ws.SetReadDeadline(time.Time{})
	ws.SetPongHandler(func(string) error {
		s.reg.HandlePong(context.Background(), device.MachineID)
		return nil
	})

	ack, _ := json.Marshal(ackFrame{OK: 1})
	if err := sock.Write(ack); err != nil {
		s.reg.HandleClose(ctx, device.MachineID)
		return
	}

	s.readLoop(conn, ws, device.ID, device.MachineID)
}

func (s *Server) reject(ws *websocket.Conn, reason string) {
	nack, _ := json.Marshal(ackFrame{OK: 0, Message: reason})
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.TextMessage, nack)
	ws.Close()
	s.logger.Warn().Str("reason", reason).Msg("device handshake rejected")
}

func (s *Server) readLoop(conn *registry.Conn, ws *websocket.Conn, deviceID, machineID string) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("socket read ended")
			s.reg.HandleClose(context.Background(), machineID)
			return
		}
		s.handleFrame(conn, deviceID, machineID, data)
	}
}

// handleFrame classifies an inbound frame: sequence-tagged frames are
// replies for the router, the rest are typed device notifications.
func (s *Server) handleFrame(conn *registry.Conn, deviceID, machineID string, data []byte) {
	var probe struct {
		Seq  string `json:"seq"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("malformed frame dropped")
		return
	}

	ctx := context.Background()
	switch {
	case probe.Seq != "":
		s.router.HandleReply(ctx, data)
	case probe.Type == "info":
		s.handleInfo(ctx, conn, deviceID, machineID, data)
	case probe.Type == "status":
		s.handleStatus(ctx, machineID, data)
	case probe.Type == "pong":
		// Application-level pong for devices behind proxies that strip
		// websocket control frames.
		s.reg.HandlePong(ctx, machineID)
	default:
		s.logger.Debug().Str("machine_id", machineID).Str("type", probe.Type).Msg("unknown frame type dropped")
	}
}

type statusFrame struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

func (s *Server) handleStatus(ctx context.Context, machineID string, data []byte) {
	var frame statusFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("malformed status frame")
		return
	}
	s.reg.UpdateRunning(machineID, frame.Running)
	if err := s.router.BroadcastStatus(ctx, router.StatusMessage{MachineID: machineID, Running: frame.Running}); err != nil {
		s.logger.Debug().Err(err).Str("machine_id", machineID).Msg("status broadcast failed")
	}
}
