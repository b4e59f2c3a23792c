// Package ipc is the message-passing substrate shared by the supervisor,
// the pty host and workbenches: a framed duplex connection on which either
// side can call named commands, reply to them, and listen to named events.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
)

// ErrClosed is returned by calls on a connection that has gone away.
var ErrClosed = errors.New("ipc: connection closed")

// RemoteError carries an error message produced by the peer's handler.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Handler serves calls made by the peer. The returned value is JSON-encoded
// into the reply.
type Handler func(ctx context.Context, command string, arg json.RawMessage) (any, error)

// Channel is the narrow surface consumers need: issue calls, listen to events.
type Channel interface {
	Call(ctx context.Context, command string, arg, reply any) error
	Listen(event string, fn func(json.RawMessage)) (unsubscribe func())
}

// Conn is one end of a duplex channel.
type Conn struct {
	id      string
	rw      io.ReadWriteCloser
	log     *zap.Logger
	handler Handler

	outgoing chan message

	pendingMu  sync.Mutex
	pending    map[uint64]chan message
	reqCounter atomic.Uint64

	listenMu  sync.Mutex
	listeners map[string]*event.Emitter[json.RawMessage]

	peerMu      sync.Mutex
	peerListens map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

type connKey struct{}

// ConnFromContext returns the connection a handler invocation arrived on.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// NewConn starts serving rw. handler may be nil if the peer never calls us.
func NewConn(rw io.ReadWriteCloser, handler Handler, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		rw:          rw,
		handler:     handler,
		outgoing:    make(chan message, 1024),
		pending:     make(map[uint64]chan message),
		listeners:   make(map[string]*event.Emitter[json.RawMessage]),
		peerListens: make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	c.log = log.With(zap.String("conn", c.id[:8]))

	go c.writeLoop()
	go c.readLoop()
	return c
}

// ID identifies the connection in logs and per-connection bookkeeping.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err reports why the connection shut down, if it did so on its own.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the connection down. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		c.cancel()
		c.rw.Close()
	})
}

// Call invokes command on the peer and decodes the result into reply, which
// may be nil. Cancelling ctx stops the wait; it does not cancel the remote
// execution.
func (c *Conn) Call(ctx context.Context, command string, arg, reply any) error {
	raw, err := marshalArg(arg)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	id := c.reqCounter.Add(1)
	ch := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(message{Type: msgCall, ID: id, Name: command, Arg: raw}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Command: command, Message: resp.Error}
		}
		if reply != nil && len(resp.Arg) > 0 {
			if err := json.Unmarshal(resp.Arg, reply); err != nil {
				return fmt.Errorf("%s: decode reply: %w", command, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// Listen subscribes fn to a named event from the peer. Listeners run on the
// read goroutine in arrival order and must not block on calls to this
// connection.
func (c *Conn) Listen(name string, fn func(json.RawMessage)) func() {
	c.listenMu.Lock()
	em, ok := c.listeners[name]
	if !ok {
		em = &event.Emitter[json.RawMessage]{}
		c.listeners[name] = em
	}
	first := em.Len() == 0
	unsub := em.Subscribe(fn)
	c.listenMu.Unlock()

	// Only tell the peer on the first local listener.
	if first {
		c.send(message{Type: msgListen, Name: name})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			unsub()
			last := em.Len() == 0
			c.listenMu.Unlock()
			if last {
				c.send(message{Type: msgUnlisten, Name: name})
			}
		})
	}
}

// Emit sends a named event if the peer listens to it.
func (c *Conn) Emit(name string, payload any) error {
	if !c.PeerListens(name) {
		return nil
	}
	raw, err := marshalArg(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return c.send(message{Type: msgEvent, Name: name, Arg: raw})
}

// PeerListens reports whether the peer subscribed to the named event.
func (c *Conn) PeerListens(name string) bool {
	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	return c.peerListens[name]
}

func (c *Conn) send(msg message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.outgoing:
			if err := writeMessage(c.rw, msg); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.rw)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.Debug("ipc read error", zap.Error(err))
				}
			}
			c.shutdown(err)
			return
		}
		if frameType != frameMessage {
			c.log.Warn("ipc: unknown frame type", zap.Uint8("type", frameType))
			continue
		}

		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warn("ipc: bad message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg message) {
	switch msg.Type {
	case msgCall:
		go c.serveCall(msg)

	case msgReply:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}

	case msgListen:
		c.peerMu.Lock()
		c.peerListens[msg.Name] = true
		c.peerMu.Unlock()

	case msgUnlisten:
		c.peerMu.Lock()
		delete(c.peerListens, msg.Name)
		c.peerMu.Unlock()

	case msgEvent:
		c.listenMu.Lock()
		em := c.listeners[msg.Name]
		c.listenMu.Unlock()
		if em != nil {
			em.Fire(msg.Arg)
		}
	}
}

func (c *Conn) serveCall(msg message) {
	reply := message{Type: msgReply, ID: msg.ID}
	if c.handler == nil {
		reply.Error = "no handler"
		c.send(reply)
		return
	}

	ctx := context.WithValue(c.ctx, connKey{}, c)
	result, err := c.handler(ctx, msg.Name, msg.Arg)
	if err != nil {
		reply.Error = err.Error()
	} else if raw, merr := marshalArg(result); merr != nil {
		reply.Error = merr.Error()
	} else {
		reply.Arg = raw
	}
	c.send(reply)
}

func marshalArg(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

var _ Channel = (*Conn)(nil)
