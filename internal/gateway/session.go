package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"tunneling/internal/protocol"
)

// agentSession wraps the attached agent's websocket plus its send mutex.
// At most one exists at a time, enforced by Gateway.session.
type agentSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newAgentSession(conn *websocket.Conn) *agentSession {
	return &agentSession{conn: conn}
}

// writeFrame sends a RequestFrame as a JSON text message, serialised against
// concurrent writers so two exchanges never interleave bytes on the wire.
func (s *agentSession) writeFrame(frame protocol.RequestFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}
