package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peterje/ptyhost/internal/heartbeat"
	"github.com/peterje/ptyhost/internal/protocol"
)

// fakeProcess is a pty child backed by a pipe. Output is injected with
// emit; it exits on exit or on a terminating signal.
type fakeProcess struct {
	pid  int
	opts SpawnOptions
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	signals []os.Signal
	sizes   [][2]int
	code    int
	exited  chan struct{}
	once    sync.Once
}

func newFakeProcess(pid int, opts SpawnOptions) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, opts: opts, outR: r, outW: w, exited: make(chan struct{})}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if s, ok := sig.(syscall.Signal); ok && (s == syscall.SIGKILL || s == syscall.SIGTERM) {
		p.exit(128 + int(s))
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Close() error {
	p.outW.Close()
	return nil
}

func (p *fakeProcess) emit(data string) {
	p.outW.Write([]byte(data))
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.outW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	err     error
	entered int

	// gate, when set, holds every Spawn until it is closed.
	gate chan struct{}
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	s.entered++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	// Above pid_max so /proc lookups never hit a real process.
	p := newFakeProcess(5000000+len(s.procs), opts)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawnCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entered
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

type fakeRunner struct {
	mu     sync.Mutex
	output map[string][]byte
	err    error
	killed []int
}

func (r *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out, ok := r.output[name]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return out, nil
}

func (r *fakeRunner) Kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, pid)
	return nil
}

// recorder keeps every event the service fires.
type recorder struct {
	mu         sync.Mutex
	data       []protocol.ProcessDataEvent
	exits      []protocol.ProcessExitEvent
	ready      []protocol.ProcessReadyEvent
	replays    []protocol.ProcessReplayEvent
	questions  []protocol.OrphanQuestionEvent
	detachReqs []protocol.DetachRequestEvent
	properties []protocol.PropertyChangeEvent
}

func (r *recorder) output(id int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b bytes.Buffer
	for _, e := range r.data {
		if e.ID == id {
			b.WriteString(e.Event)
		}
	}
	return b.String()
}

func (r *recorder) exitFor(id int) (protocol.ProcessExitEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.exits {
		if e.ID == id {
			return e, true
		}
	}
	return protocol.ProcessExitEvent{}, false
}

func (r *recorder) questionsFor(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.questions {
		if q.ID == id {
			n++
		}
	}
	return n
}

type harness struct {
	svc     *Service
	spawner *fakeSpawner
	clock   *heartbeat.ManualClock
	runner  *fakeRunner
	events  *recorder
	cwd     string
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{},
		clock:   &heartbeat.ManualClock{},
		runner:  &fakeRunner{output: make(map[string][]byte)},
		events:  &recorder{},
		cwd:     t.TempDir(),
	}
	opts := Options{
		Spawner:  h.spawner,
		Clock:    h.clock,
		Commands: h.runner,
		Logger:   zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.svc = New(opts)

	ev := h.events
	h.svc.OnProcessData(func(e protocol.ProcessDataEvent) {
		ev.mu.Lock()
		ev.data = append(ev.data, e)
		ev.mu.Unlock()
	})
	h.svc.OnProcessExit(func(e protocol.ProcessExitEvent) {
		ev.mu.Lock()
		ev.exits = append(ev.exits, e)
		ev.mu.Unlock()
	})
	h.svc.OnProcessReady(func(e protocol.ProcessReadyEvent) {
		ev.mu.Lock()
		ev.ready = append(ev.ready, e)
		ev.mu.Unlock()
	})
	h.svc.OnProcessReplay(func(e protocol.ProcessReplayEvent) {
		ev.mu.Lock()
		ev.replays = append(ev.replays, e)
		ev.mu.Unlock()
	})
	h.svc.OnProcessOrphanQuestion(func(e protocol.OrphanQuestionEvent) {
		ev.mu.Lock()
		ev.questions = append(ev.questions, e)
		ev.mu.Unlock()
	})
	h.svc.OnDidRequestDetach(func(e protocol.DetachRequestEvent) {
		ev.mu.Lock()
		ev.detachReqs = append(ev.detachReqs, e)
		ev.mu.Unlock()
	})
	h.svc.OnDidChangeProperty(func(e protocol.PropertyChangeEvent) {
		ev.mu.Lock()
		ev.properties = append(ev.properties, e)
		ev.mu.Unlock()
	})
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) args(persist bool) protocol.HostCreateProcessArgs {
	return protocol.HostCreateProcessArgs{
		ShellLaunchConfig: protocol.ShellLaunchConfig{Executable: "/bin/bash"},
		Cwd:               h.cwd,
		Cols:              80,
		Rows:              24,
		ShouldPersist:     persist,
		WorkspaceID:       "ws",
		WorkspaceName:     "Workspace",
	}
}

// spawn creates and starts a terminal and returns its id and process.
func (h *harness) spawn(t *testing.T, args protocol.HostCreateProcessArgs) (int, *fakeProcess) {
	t.Helper()
	ctx := context.Background()
	id, err := h.svc.CreateProcess(ctx, args)
	require.NoError(t, err)
	le, err := h.svc.Start(ctx, id)
	require.NoError(t, err)
	require.Nil(t, le)
	return id, h.spawner.last()
}

func (h *harness) waitExit(t *testing.T, id int) protocol.ProcessExitEvent {
	t.Helper()
	var ev protocol.ProcessExitEvent
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = h.events.exitFor(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return ev
}
