package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsSocket adapts a gorilla websocket connection to registry.Socket.
// gorilla permits one concurrent writer, so all writes funnel through
// one mutex.
type wsSocket struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newSocket(ws *websocket.Conn) *wsSocket {
	return &wsSocket{ws: ws}
}

func (s *wsSocket) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.Close()
}
