package ipc

import (
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
)

// Server accepts connections and fans events out to every connected peer.
type Server struct {
	handler Handler
	log     *zap.Logger

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners []net.Listener
	closed    bool

	onConnect    event.Emitter[*Conn]
	onDisconnect event.Emitter[*Conn]
}

// NewServer returns a server whose connections dispatch calls to handler.
func NewServer(handler Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		handler: handler,
		log:     log,
		conns:   make(map[*Conn]struct{}),
	}
}

// OnConnect subscribes to newly accepted connections.
func (s *Server) OnConnect(fn func(*Conn)) func() { return s.onConnect.Subscribe(fn) }

// OnDisconnect subscribes to connections going away.
func (s *Server) OnDisconnect(fn func(*Conn)) func() { return s.onDisconnect.Subscribe(fn) }

// Serve accepts connections from l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.ServeConn(conn)
	}
}

// ServeConn starts serving an already established stream.
func (s *Server) ServeConn(rw io.ReadWriteCloser) *Conn {
	c := NewConn(rw, s.handler, s.log)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return c
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("ipc: peer connected", zap.String("conn", c.ID()))
	s.onConnect.Fire(c)

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Debug("ipc: peer disconnected", zap.String("conn", c.ID()))
		s.onDisconnect.Fire(c)
	}()
	return c
}

// Broadcast emits an event on every connection that listens to it.
func (s *Server) Broadcast(name string, payload any) {
	for _, c := range s.Conns() {
		if err := c.Emit(name, payload); err != nil {
			s.log.Debug("ipc: broadcast failed", zap.String("event", name), zap.Error(err))
		}
	}
}

// Conns returns a snapshot of the live connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}
