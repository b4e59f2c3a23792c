package workbench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/remote"
)

// DetachKey (Ctrl-]) leaves the terminal running on the host.
const DetachKey = 0x1d

// ErrDetached is returned by Attach when the user pressed DetachKey.
var ErrDetached = errors.New("detached")

// errConnectionLost ends an attachment whose channel broke.
var errConnectionLost = errors.New("connection lost")

// ExitError reports that the attached process exited.
type ExitError struct {
	Code *int
}

func (e *ExitError) Error() string {
	if e.Code == nil {
		return "process exited"
	}
	return fmt.Sprintf("process exited with code %d", *e.Code)
}

// Terminal is the part of remote.Client an attachment drives.
type Terminal interface {
	AttachToProcess(ctx context.Context, id int) error
	DetachFromProcess(ctx context.Context, id int, forcePersist bool) error
	Input(ctx context.Context, id int, data string) error
	Resize(ctx context.Context, id, cols, rows int) error
	AcknowledgeDataEvent(ctx context.Context, id, charCount int) error
	OnProcessData(fn func(protocol.ProcessDataEvent)) func()
	OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func()
	OnProcessExit(fn func(protocol.ProcessExitEvent)) func()
}

var _ Terminal = (*remote.Client)(nil)

// Attachment mirrors one terminal onto a local reader and writer. The same
// Attachment is reused across reconnects, so Input is a channel fed by a
// single reader of the local terminal.
type Attachment struct {
	ID     int
	Input  <-chan []byte
	Output io.Writer
	// Size reports the local terminal size, ok is false if unknown.
	Size func() (cols, rows int, ok bool)
	// Resized signals a change of the local terminal size.
	Resized <-chan struct{}
	Log     *zap.Logger

	outMu sync.Mutex
}

// Attach runs until the user detaches, the process exits, ctx is done or
// lost is closed. A replay of the terminal buffer is written first.
func (a *Attachment) Attach(ctx context.Context, t Terminal, lost <-chan struct{}) error {
	log := a.logger()
	exited := make(chan *int, 1)

	defer t.OnProcessReplay(func(ev protocol.ProcessReplayEvent) {
		if ev.ID != a.ID {
			return
		}
		for _, e := range ev.Event.Events {
			a.write(e.Data)
		}
	})()
	defer t.OnProcessData(func(ev protocol.ProcessDataEvent) {
		if ev.ID != a.ID {
			return
		}
		a.write(ev.Event)
		// Acknowledge from a goroutine; listeners run on the channel's read
		// loop and must not wait on a reply.
		go func(n int) {
			if err := t.AcknowledgeDataEvent(ctx, a.ID, n); err != nil {
				log.Debug("acknowledge data failed", zap.Error(err))
			}
		}(utf8.RuneCountInString(ev.Event))
	})()
	defer t.OnProcessExit(func(ev protocol.ProcessExitEvent) {
		if ev.ID != a.ID {
			return
		}
		select {
		case exited <- ev.Event:
		default:
		}
	})()

	if err := t.AttachToProcess(ctx, a.ID); err != nil {
		return fmt.Errorf("attach to %d: %w", a.ID, err)
	}
	a.resize(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return errConnectionLost
		case code := <-exited:
			return &ExitError{Code: code}
		case <-a.Resized:
			a.resize(ctx, t)
		case data, ok := <-a.Input:
			if !ok {
				return io.EOF
			}
			if i := bytes.IndexByte(data, DetachKey); i >= 0 {
				if i > 0 {
					t.Input(ctx, a.ID, string(data[:i]))
				}
				if err := t.DetachFromProcess(ctx, a.ID, true); err != nil {
					return fmt.Errorf("detach from %d: %w", a.ID, err)
				}
				return ErrDetached
			}
			if err := t.Input(ctx, a.ID, string(data)); err != nil {
				return fmt.Errorf("input: %w", err)
			}
		}
	}
}

func (a *Attachment) resize(ctx context.Context, t Terminal) {
	if a.Size == nil {
		return
	}
	cols, rows, ok := a.Size()
	if !ok {
		return
	}
	if err := t.Resize(ctx, a.ID, cols, rows); err != nil {
		a.logger().Debug("resize failed", zap.Error(err))
	}
}

func (a *Attachment) write(data string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	io.WriteString(a.Output, data)
}

func (a *Attachment) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// Connector keeps a channel to the server open, calling fn with a fresh
// connection after every reconnect. tunnel.Dialer implements it.
type Connector interface {
	Run(ctx context.Context, fn func(ctx context.Context, conn net.Conn) error) error
}

// Reattach keeps an attachment alive across dropped connections. Each new
// connection gets its own client, which reattaches and replays the buffer.
// It returns ErrDetached or an *ExitError once the session really ends; an
// error reported by the server, such as an unknown id, also ends it.
func Reattach(ctx context.Context, c Connector, deps remote.Deps, a *Attachment) error {
	log := a.logger()
	var final error
	err := c.Run(ctx, func(ctx context.Context, nc net.Conn) error {
		conn := ipc.NewConn(nc, nil, log)
		defer conn.Close()
		client := remote.NewClient(conn, deps)
		defer client.ServeVariableRequests(ctx)()

		err := a.Attach(ctx, client, conn.Done())
		var (
			exit   *ExitError
			remErr *ipc.RemoteError
		)
		switch {
		case errors.Is(err, ErrDetached), errors.As(err, &exit), errors.Is(err, io.EOF), errors.As(err, &remErr):
			final = err
			return nil
		case errors.Is(err, errConnectionLost):
			log.Info("connection lost, reattaching", zap.Int("id", a.ID))
		}
		return err
	})
	if final != nil {
		return final
	}
	return err
}
