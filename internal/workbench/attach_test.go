package workbench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/remote"
)

type fakeTerminal struct {
	mu       sync.Mutex
	inputs   []string
	acked    int
	detached []bool
	resized  [][2]int

	data   event.Emitter[protocol.ProcessDataEvent]
	replay event.Emitter[protocol.ProcessReplayEvent]
	exit   event.Emitter[protocol.ProcessExitEvent]

	attachErr error
	onAttach  func()
}

func (f *fakeTerminal) AttachToProcess(context.Context, int) error {
	if f.onAttach != nil {
		go f.onAttach()
	}
	return f.attachErr
}

func (f *fakeTerminal) DetachFromProcess(_ context.Context, _ int, forcePersist bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, forcePersist)
	return nil
}

func (f *fakeTerminal) Input(_ context.Context, _ int, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, data)
	return nil
}

func (f *fakeTerminal) Resize(_ context.Context, _ int, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, [2]int{cols, rows})
	return nil
}

func (f *fakeTerminal) AcknowledgeDataEvent(_ context.Context, _ int, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked += n
	return nil
}

func (f *fakeTerminal) OnProcessData(fn func(protocol.ProcessDataEvent)) func() {
	return f.data.Subscribe(fn)
}

func (f *fakeTerminal) OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func() {
	return f.replay.Subscribe(fn)
}

func (f *fakeTerminal) OnProcessExit(fn func(protocol.ProcessExitEvent)) func() {
	return f.exit.Subscribe(fn)
}

func (f *fakeTerminal) ackedChars() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAttachReplaysThenStreams(t *testing.T) {
	term := &fakeTerminal{}
	out := &syncBuffer{}
	input := make(chan []byte, 4)
	a := &Attachment{ID: 7, Input: input, Output: out, Size: func() (int, int, bool) { return 120, 40, true }}

	term.onAttach = func() {
		term.replay.Fire(protocol.ProcessReplayEvent{ID: 7, Event: protocol.ReplayEvent{Events: []protocol.ReplayEntry{{Data: "old "}}}})
		term.data.Fire(protocol.ProcessDataEvent{ID: 8, Event: "other terminal"})
		term.data.Fire(protocol.ProcessDataEvent{ID: 7, Event: "héllo"})
	}

	done := make(chan error, 1)
	go func() { done <- a.Attach(context.Background(), term, nil) }()

	assert.Eventually(t, func() bool { return out.String() == "old héllo" }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return term.ackedChars() == 5 }, time.Second, 5*time.Millisecond, "acknowledged in characters")

	input <- []byte("ls\r")
	input <- []byte("x\x1dignored")
	require.ErrorIs(t, <-done, ErrDetached)

	assert.Equal(t, []string{"ls\r", "x"}, term.inputs)
	assert.Equal(t, []bool{true}, term.detached, "detach keeps the process")
	assert.Equal(t, [][2]int{{120, 40}}, term.resized)
}

func TestAttachEnds(t *testing.T) {
	t.Run("exit", func(t *testing.T) {
		term := &fakeTerminal{}
		code := 2
		term.onAttach = func() { term.exit.Fire(protocol.ProcessExitEvent{ID: 1, Event: &code}) }
		a := &Attachment{ID: 1, Output: io.Discard}

		err := a.Attach(context.Background(), term, nil)
		var exit *ExitError
		require.ErrorAs(t, err, &exit)
		assert.Equal(t, 2, *exit.Code)
		assert.Equal(t, "process exited with code 2", err.Error())
	})

	t.Run("connection lost", func(t *testing.T) {
		lost := make(chan struct{})
		close(lost)
		a := &Attachment{ID: 1, Output: io.Discard}
		assert.ErrorIs(t, a.Attach(context.Background(), &fakeTerminal{}, lost), errConnectionLost)
	})

	t.Run("attach fails", func(t *testing.T) {
		a := &Attachment{ID: 1, Output: io.Discard}
		err := a.Attach(context.Background(), &fakeTerminal{attachErr: errors.New("nope")}, nil)
		assert.ErrorContains(t, err, "attach to 1: nope")
	})

	t.Run("input closed", func(t *testing.T) {
		input := make(chan []byte)
		close(input)
		a := &Attachment{ID: 1, Input: input, Output: io.Discard}
		assert.ErrorIs(t, a.Attach(context.Background(), &fakeTerminal{}, nil), io.EOF)
	})
}

// pipeConnector hands out one in-memory connection per server handler.
type pipeConnector struct {
	handlers []ipc.Handler
	used     int
}

func (p *pipeConnector) Run(ctx context.Context, fn func(context.Context, net.Conn) error) error {
	for _, h := range p.handlers {
		p.used++
		client, server := net.Pipe()
		sc := ipc.NewConn(server, h, zap.NewNop())
		err := fn(ctx, client)
		sc.Close()
		if err == nil {
			return nil
		}
	}
	return errors.New("no more connections")
}

func TestReattachAfterDrop(t *testing.T) {
	var attaches int
	drop := func(ctx context.Context, command string, _ json.RawMessage) (any, error) {
		if command == string(protocol.AttachToProcess) {
			attaches++
			c, _ := ipc.ConnFromContext(ctx)
			go c.Close()
		}
		return nil, nil
	}
	finish := func(ctx context.Context, command string, _ json.RawMessage) (any, error) {
		if command == string(protocol.AttachToProcess) {
			attaches++
			c, _ := ipc.ConnFromContext(ctx)
			go func() {
				c.Emit(string(protocol.OnProcessReplayEvent), protocol.ProcessReplayEvent{
					ID:    4,
					Event: protocol.ReplayEvent{Events: []protocol.ReplayEntry{{Cols: 80, Rows: 24, Data: "restored"}}},
				})
				code := 3
				c.Emit(string(protocol.OnProcessExitEvent), protocol.ProcessExitEvent{ID: 4, Event: &code})
			}()
		}
		return nil, nil
	}

	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	conn := &pipeConnector{handlers: []ipc.Handler{drop, finish}}
	out := &syncBuffer{}
	a := &Attachment{ID: 4, Output: out}

	err = Reattach(context.Background(), conn, remote.Deps{Workspace: ws}, a)
	var exit *ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, *exit.Code)
	assert.Equal(t, 2, conn.used)
	assert.Equal(t, 2, attaches)
	assert.Equal(t, "restored", out.String())
}

func TestReattachStopsOnServerError(t *testing.T) {
	missing := func(_ context.Context, command string, _ json.RawMessage) (any, error) {
		return nil, errors.New("could not find pty 9")
	}
	conn := &pipeConnector{handlers: []ipc.Handler{missing, missing}}
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	err = Reattach(context.Background(), conn, remote.Deps{Workspace: ws}, &Attachment{ID: 9, Output: io.Discard})
	var remErr *ipc.RemoteError
	require.ErrorAs(t, err, &remErr)
	assert.Equal(t, 1, conn.used)
}
