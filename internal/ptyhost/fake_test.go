package ptyhost

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/ipc"
)

// fakeConn is an in-memory pty host.
type fakeConn struct {
	handler ipc.Handler

	mu        sync.Mutex
	calls     []string
	args      map[string][]json.RawMessage
	responses map[string]func(ctx context.Context, arg json.RawMessage) (any, error)
	listeners map[string]*event.Emitter[json.RawMessage]
	disposed  bool

	exit event.Emitter[int]
}

func newFakeConn(handler ipc.Handler) *fakeConn {
	return &fakeConn{
		handler:   handler,
		args:      make(map[string][]json.RawMessage),
		responses: make(map[string]func(context.Context, json.RawMessage) (any, error)),
		listeners: make(map[string]*event.Emitter[json.RawMessage]),
	}
}

func (c *fakeConn) respond(method string, fn func(ctx context.Context, arg json.RawMessage) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[method] = fn
}

func (c *fakeConn) Call(ctx context.Context, command string, arg, reply any) error {
	raw, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ipc.ErrClosed
	}
	c.calls = append(c.calls, command)
	c.args[command] = append(c.args[command], raw)
	fn := c.responses[command]
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	result, err := fn(ctx, raw)
	if err != nil {
		return err
	}
	if reply == nil || result == nil {
		return nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, reply)
}

func (c *fakeConn) Listen(name string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	em, ok := c.listeners[name]
	if !ok {
		em = &event.Emitter[json.RawMessage]{}
		c.listeners[name] = em
	}
	c.mu.Unlock()
	return em.Subscribe(fn)
}

func (c *fakeConn) emit(name string, v any) {
	raw, _ := json.Marshal(v)
	c.mu.Lock()
	em := c.listeners[name]
	c.mu.Unlock()
	if em != nil {
		em.Fire(raw)
	}
}

func (c *fakeConn) OnDidProcessExit(fn func(code int)) func() { return c.exit.Subscribe(fn) }

func (c *fakeConn) crash(code int) { c.exit.Fire(code) }

func (c *fakeConn) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
}

func (c *fakeConn) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *fakeConn) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.args[method])
}

func (c *fakeConn) lastArg(method string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.args[method]
	if len(a) == 0 {
		return nil
	}
	return a[len(a)-1]
}

// fakeStarter hands out fakeConns and records them.
type fakeStarter struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext bool
	setup    func(*fakeConn)

	shutdown event.Emitter[struct{}]
}

func (s *fakeStarter) Start(ctx context.Context, handler ipc.Handler) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return nil, errors.New("spawn failed")
	}
	c := newFakeConn(handler)
	if s.setup != nil {
		s.setup(c)
	}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeStarter) OnWillShutdown(fn func()) func() {
	return s.shutdown.Subscribe(func(struct{}) { fn() })
}

func (s *fakeStarter) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeStarter) latest() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}
