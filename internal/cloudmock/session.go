package cloudmock

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errBackpressure = errors.New("backpressure")

// session is one websocket connection of one endpoint. It stays unbound
// until the client registers and receives a connection id.
type session struct {
	svc  *Service
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	endpointID   string
	connectionID string
}

func (s *session) trySend(frame []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- frame:
	default:
		return errBackpressure
	}
	return nil
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	s.mu.Unlock()
}

func (s *session) writePump() {
	for data := range s.send {
		if err := s.conn.SetWriteDeadline(writeDeadline()); err != nil {
			log.Error().Err(err).Str("module", "cloudmock").Msg("writePump set deadline")
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "cloudmock").Msg("writePump write error")
			return
		}
	}
}

func (s *session) readPump() {
	defer func() {
		log.Info().Str("module", "cloudmock").Str("connection_id", s.connectionID).Msg("readPump closing")
		s.close()
		s.svc.dropSession(s)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

func (s *session) handleFrame(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "cloudmock").Msg("bad json")
		return
	}

	switch env.Type {
	case "request":
		s.svc.handleRequest(s, data)
	default:
		log.Warn().Str("module", "cloudmock").Str("type", env.Type).Msg("unknown frame")
	}
}

// respond answers one request frame.
func (s *session) respond(id uint64, status int, body any) {
	frame := map[string]any{
		"type":   "response",
		"id":     id,
		"status": status,
	}
	if body != nil {
		frame["body"] = body
	}
	s.sendJSON(frame)
}

func (s *session) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "cloudmock").Msg("sendJSON marshal")
		return
	}
	if err := s.trySend(b); err != nil {
		log.Warn().Err(err).Str("module", "cloudmock").Str("connection_id", s.connectionID).Msg("frame dropped")
	}
}

// push delivers one server push frame.
func (s *session) push(kind string, data any) {
	s.sendJSON(map[string]any{"type": kind, "data": data})
}
