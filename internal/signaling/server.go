package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

// maxBacklog bounds the envelopes held for a member that has not joined yet.
const maxBacklog = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the WebSocket relay. Clients join a room named by the "room"
// query parameter; a room holds at most two members and every envelope one
// member sends is forwarded to the other. Envelopes sent while the sender is
// alone are kept and flushed to the next member to join.
type Server struct {
	listener net.Listener
	httpSrv  *http.Server

	mu    sync.Mutex
	rooms map[string]*room

	log util.Logger
}

type room struct {
	name    string
	members []*member
	backlog []Envelope
}

type member struct {
	id     string
	conn   *websocket.Conn
	outbox *util.Mailbox[Envelope]
	done   chan struct{}
}

// NewServer creates a relay server with no rooms.
func NewServer() *Server {
	return &Server{
		rooms: make(map[string]*room),
		log:   util.Scoped("relay"),
	}
}

// Handler returns the HTTP handler serving the relay at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a random port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server stopped: %v", err)
		}
	}()

	return port, nil
}

// Close stops accepting connections and drops every member.
func (s *Server) Close() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	var conns []*websocket.Conn
	for _, r := range s.rooms {
		for _, m := range r.members {
			conns = append(conns, m.conn)
		}
	}
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return err
}

// RoomSize reports how many members a room currently has.
func (s *Server) RoomSize(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		return len(r.members)
	}
	return 0
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	if name == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: util.NewMailbox[Envelope](),
		done:   make(chan struct{}),
	}

	if !s.join(name, m) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"))
		conn.Close()
		return
	}
	s.log.Info("member %s joined room %q", shortID(m.id), name)

	go s.writeLoop(m)
	s.readLoop(name, m)
}

// join adds m to the named room and hands it any backlog. It fails when the
// room already has two members.
func (s *Server) join(name string, m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[name]
	if !ok {
		r = &room{name: name}
		s.rooms[name] = r
	}
	if len(r.members) >= 2 {
		return false
	}

	r.members = append(r.members, m)
	for _, env := range r.backlog {
		m.outbox.Push(env)
	}
	r.backlog = nil
	return true
}

// leave removes m from its room, notifies the remaining member and deletes
// the room once it is empty.
func (s *Server) leave(name string, m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[name]
	if !ok {
		return
	}

	for i, other := range r.members {
		if other == m {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}

	for _, other := range r.members {
		other.outbox.Push(Envelope{Type: EnvLeave, From: m.id})
	}

	if len(r.members) == 0 {
		delete(s.rooms, name)
	}
}

// forward routes env from m to the other member of its room, or into the
// backlog if m is alone.
func (s *Server) forward(name string, m *member, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[name]
	if !ok {
		return
	}

	for _, other := range r.members {
		if other != m {
			other.outbox.Push(env)
			return
		}
	}

	if len(r.backlog) >= maxBacklog {
		s.log.Warn("room %q backlog full, dropping %s envelope", name, env.Type)
		return
	}
	r.backlog = append(r.backlog, env)
}

func (s *Server) readLoop(name string, m *member) {
	defer func() {
		close(m.done)
		m.conn.Close()
		s.leave(name, m)
		s.log.Info("member %s left room %q", shortID(m.id), name)
	}()

	for {
		var env Envelope
		if err := m.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case EnvReady, EnvSignal:
			env.From = m.id
			s.forward(name, m, env)
		default:
			s.log.Debug("member %s sent unknown envelope %q", shortID(m.id), env.Type)
		}
	}
}

func (s *Server) writeLoop(m *member) {
	for {
		select {
		case <-m.outbox.Wait():
			for _, env := range m.outbox.Drain() {
				if err := m.conn.WriteJSON(env); err != nil {
					m.conn.Close()
					return
				}
			}
		case <-m.done:
			return
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
