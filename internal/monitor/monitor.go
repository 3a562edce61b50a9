// Package monitor streams node events to WebSocket clients as JSON records.
package monitor

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peermesh/internal/event"
	"github.com/1ureka/peermesh/internal/util"
)

// clientBuffer is how many records a client may lag behind before it is dropped.
const clientBuffer = 64

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Record is one event as sent to clients.
type Record struct {
	Role   string    `json:"role"`
	Kind   string    `json:"kind"`
	Conn   uint64    `json:"conn,omitempty"`
	Index  int       `json:"index"`
	Bytes  int       `json:"bytes"`
	Remote string    `json:"remote,omitempty"`
	Addr   string    `json:"addr,omitempty"`
	Time   time.Time `json:"time"`
}

// NewRecord flattens ev into a Record.
func NewRecord(ev event.Event) Record {
	rec := Record{
		Role:  ev.Kind().Role(),
		Kind:  ev.Kind().String(),
		Bytes: event.Size(ev),
		Time:  time.Now(),
	}
	if info, ok := event.Info(ev); ok {
		rec.Conn = uint64(info.Conn)
		rec.Index = info.Index
		rec.Remote = info.Remote
	}
	switch e := ev.(type) {
	case event.ListenerStarted:
		rec.Addr = e.Addr
	case event.ListenerStopped:
		rec.Addr = e.Addr
	}
	return rec
}

// Server serves the event stream on /ws.
type Server struct {
	addr     string
	listener net.Listener
	srv      *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Record
	once sync.Once
}

// New creates a monitor that will listen on addr once started.
func New(addr string) *Server {
	return &Server{
		addr:    addr,
		clients: make(map[*client]struct{}),
	}
}

// Start begins listening. Returns the bound address.
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("monitor server stopped: %v", err)
		}
	}()

	util.LogInfo("monitor streaming events on ws://%s/ws", listener.Addr())
	return listener.Addr(), nil
}

// Attach forwards every event published on bus to the connected clients.
func (s *Server) Attach(bus *event.Bus) {
	bus.RegisterAll(s.Publish, event.ListenerKinds...)
	bus.RegisterAll(s.Publish, event.DialerKinds...)
}

// Publish fans ev out to every client without blocking. A client whose
// buffer is full is disconnected.
func (s *Server) Publish(ev event.Event) {
	rec := NewRecord(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- rec:
		default:
			util.LogWarning("monitor client too slow, dropping")
			s.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close shuts down the listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		s.removeLocked(c)
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan Record, clientBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop drains the client's buffer until it is closed.
func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for rec := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(rec); err != nil {
			s.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop only watches for the client going away.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.remove(c)
			return
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	s.removeLocked(c)
	s.mu.Unlock()
}

// must be called with mu held
func (s *Server) removeLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.once.Do(func() { close(c.send) })
}
