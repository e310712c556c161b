// Package coordtest provides an in-process coordination server speaking the
// room wire contract, with scriptable behavior for exercising the client
// core: join acceptance and rejection, kick acknowledgments, withheld
// replies, pushed events, and dropped connections.
package coordtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arquiz/pkg/types"
)

// JoinFunc decides the acknowledgment for a join_room request.
type JoinFunc func(types.JoinPayload) types.JoinAck

// KickFunc decides the acknowledgment for a kick_participant request. A nil
// result withholds the reply entirely, forcing the client timeout path.
type KickFunc func(types.KickPayload) *types.Ack

// Server is the fake coordination server.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*serverConn
	refuse   bool
	silent   bool // withhold pongs
	joinFn   JoinFunc
	kickFn   KickFunc
	joins    []types.JoinPayload
	leaves   []types.LeavePayload
	kicks    []types.KickPayload
	accepted int
}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) send(env types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// NewServer starts the fake server. Joins succeed by default with the room
// echoed back and an empty roster; kicks succeed by default.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.joinFn = func(p types.JoinPayload) types.JoinAck {
		return types.JoinAck{
			Success: true,
			Room: &types.RoomSession{
				RoomID:     p.RoomID,
				AccessCode: p.AccessCode,
				Status:     types.RoomWaiting,
			},
		}
	}
	s.kickFn = func(types.KickPayload) *types.Ack {
		return &types.Ack{Success: true}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.httpSrv.Close()
}

// SetJoinFunc scripts join handling.
func (s *Server) SetJoinFunc(fn JoinFunc) {
	s.mu.Lock()
	s.joinFn = fn
	s.mu.Unlock()
}

// SetKickFunc scripts kick handling.
func (s *Server) SetKickFunc(fn KickFunc) {
	s.mu.Lock()
	s.kickFn = fn
	s.mu.Unlock()
}

// SetRefuse makes the server reject upgrade attempts, simulating an
// unreachable endpoint; the listener itself stays up.
func (s *Server) SetRefuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// SetSilent withholds pong replies, starving the health check.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Push broadcasts an event to every live connection.
func (s *Server) Push(eventType string, payload any) error {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.send(env)
	}
	return nil
}

// DropConnections severs every live connection without a close handshake,
// simulating network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// ConnectionCount reports how many upgrades the server has accepted.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// LiveConnections reports currently open connections.
func (s *Server) LiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Joins returns the join requests received so far.
func (s *Server) Joins() []types.JoinPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.JoinPayload(nil), s.joins...)
}

// Leaves returns the leave notifications received so far.
func (s *Server) Leaves() []types.LeavePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LeavePayload(nil), s.leaves...)
}

// Kicks returns the kick requests received so far.
func (s *Server) Kicks() []types.KickPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.KickPayload(nil), s.kicks...)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, c := range s.conns {
			if c == conn {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var env types.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		s.dispatch(conn, env)
	}
}

func (s *Server) dispatch(conn *serverConn, env types.Envelope) {
	switch env.Type {
	case types.EventPing:
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if silent {
			return
		}
		_ = conn.send(types.Envelope{
			Type:          types.EventPong,
			CorrelationID: env.CorrelationID,
			Data:          env.Data,
			Timestamp:     time.Now(),
		})

	case types.EventJoinRoom:
		var join types.JoinPayload
		if err := env.Decode(&join); err != nil {
			return
		}
		s.mu.Lock()
		s.joins = append(s.joins, join)
		fn := s.joinFn
		s.mu.Unlock()

		ack := fn(join)
		reply, err := types.NewEnvelope(types.EventRoomJoined, ack)
		if err != nil {
			return
		}
		reply.CorrelationID = env.CorrelationID
		_ = conn.send(reply)

	case types.EventLeaveRoom:
		var leave types.LeavePayload
		if err := env.Decode(&leave); err != nil {
			return
		}
		s.mu.Lock()
		s.leaves = append(s.leaves, leave)
		s.mu.Unlock()

	case types.EventKickParticipant:
		var kick types.KickPayload
		if err := env.Decode(&kick); err != nil {
			return
		}
		s.mu.Lock()
		s.kicks = append(s.kicks, kick)
		fn := s.kickFn
		s.mu.Unlock()

		ack := fn(kick)
		if ack == nil {
			return // withheld: client must time out
		}
		reply, err := types.NewEnvelope(types.EventKickAck, *ack)
		if err != nil {
			return
		}
		reply.CorrelationID = env.CorrelationID
		_ = conn.send(reply)
	}
}
