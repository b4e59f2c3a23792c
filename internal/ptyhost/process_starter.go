package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/ipc"
)

// ProcessStarter runs the pty host as a child process of this binary and
// connects to it over a unix socket.
type ProcessStarter struct {
	Socket  string
	PIDFile string

	// Executable and Args default to "<this binary> host --socket <Socket>".
	Executable string
	Args       []string

	// ReadyTimeout bounds how long Start polls for the socket.
	ReadyTimeout time.Duration

	Logger *zap.Logger

	onWillShutdown event.Emitter[struct{}]
}

// OnWillShutdown implements Starter.
func (p *ProcessStarter) OnWillShutdown(fn func()) func() {
	return p.onWillShutdown.Subscribe(func(struct{}) { fn() })
}

// NotifyShutdown tells the supervisor the application is exiting.
func (p *ProcessStarter) NotifyShutdown() {
	p.onWillShutdown.Fire(struct{}{})
}

func (p *ProcessStarter) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Start connects to a host left running by an earlier supervisor, or
// launches a new one and waits for its socket.
func (p *ProcessStarter) Start(ctx context.Context, handler ipc.Handler) (Connection, error) {
	log := p.logger()

	if nc, err := net.Dial("unix", p.Socket); err == nil {
		pid := adoptedPID(nc, p.PIDFile, log)
		log.Info("adopting running pty host", zap.String("socket", p.Socket), zap.Int("pid", pid))
		return newProcessConnection(nc, handler, log, pid, nil), nil
	}

	exe := p.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("get executable path: %w", err)
		}
	}
	args := p.Args
	if args == nil {
		args = []string{"host", "--socket", p.Socket}
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pty host: %w", err)
	}

	exited := make(chan int, 1)
	go func() {
		err := cmd.Wait()
		exited <- exitCode(err)
	}()

	timeout := p.ReadyTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case code := <-exited:
			return nil, fmt.Errorf("pty host exited during startup with code %d", code)
		case <-ctx.Done():
			cmd.Process.Kill()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		nc, err := net.Dial("unix", p.Socket)
		if err != nil {
			continue
		}
		log.Info("pty host started", zap.Int("pid", cmd.Process.Pid))
		return newProcessConnection(nc, handler, log, cmd.Process.Pid, exited), nil
	}

	cmd.Process.Kill()
	return nil, fmt.Errorf("pty host did not become available within %s", timeout)
}

// processConnection is a Connection to a host process.
type processConnection struct {
	*ipc.Conn
	log    *zap.Logger
	pid    int
	exited <-chan int // nil for an adopted host

	mu       sync.Mutex
	disposed bool
	exitOnce sync.Once
	exitCode int
	gone     chan struct{}

	onExit event.Emitter[int]
}

func newProcessConnection(nc net.Conn, handler ipc.Handler, log *zap.Logger, pid int, exited <-chan int) *processConnection {
	pc := &processConnection{
		Conn:   ipc.NewConn(nc, handler, log),
		log:    log,
		pid:    pid,
		exited: exited,
		gone:   make(chan struct{}),
	}
	go pc.watch()
	return pc
}

func (pc *processConnection) watch() {
	code := -1
	if pc.exited != nil {
		select {
		case code = <-pc.exited:
		case <-pc.Conn.Done():
			// The socket usually closes a moment before the process is reaped.
			select {
			case code = <-pc.exited:
			case <-time.After(time.Second):
			}
		}
	} else {
		<-pc.Conn.Done()
	}

	pc.exitOnce.Do(func() {
		pc.exitCode = code
		close(pc.gone)
	})
	pc.Conn.Close()

	pc.mu.Lock()
	disposed := pc.disposed
	pc.mu.Unlock()
	if disposed {
		return
	}
	// A host that dropped its connection but kept running would hold the
	// socket against its replacement.
	pc.kill(syscall.SIGKILL)
	pc.onExit.Fire(code)
}

func (pc *processConnection) OnDidProcessExit(fn func(code int)) func() {
	return pc.onExit.Subscribe(fn)
}

// Dispose stops the host and waits briefly for it to go away.
func (pc *processConnection) Dispose() {
	pc.mu.Lock()
	if pc.disposed {
		pc.mu.Unlock()
		return
	}
	pc.disposed = true
	pc.mu.Unlock()

	pc.kill(syscall.SIGTERM)
	pc.Conn.Close()

	if pc.exited == nil {
		pc.waitAdoptedExit(2 * time.Second)
		return
	}
	select {
	case <-pc.gone:
	case <-time.After(2 * time.Second):
		pc.log.Warn("pty host ignored SIGTERM, killing", zap.Int("pid", pc.pid))
		pc.kill(syscall.SIGKILL)
		<-pc.gone
	}
}

func (pc *processConnection) kill(sig syscall.Signal) {
	if pc.pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pc.pid); err == nil {
		proc.Signal(sig)
	}
}

func (pc *processConnection) waitAdoptedExit(limit time.Duration) {
	if pc.pid <= 0 {
		return
	}
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !processAlive(pc.pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	pc.kill(syscall.SIGKILL)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// adoptedPID identifies the host behind an adopted socket from its peer
// credentials. The PID file is only cross-checked since it may be stale.
// Zero means the host is never signalled.
func adoptedPID(nc net.Conn, pidFile string, log *zap.Logger) int {
	pid, err := peerPID(nc)
	if err != nil {
		log.Warn("cannot identify adopted pty host, it will not be signalled", zap.Error(err))
		return 0
	}
	if recorded := readPID(pidFile); recorded != 0 && recorded != pid {
		log.Warn("pid file does not match pty host",
			zap.Int("recorded", recorded), zap.Int("peer", pid))
	}
	return pid
}

func readPID(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var (
	_ Starter    = (*ProcessStarter)(nil)
	_ Connection = (*processConnection)(nil)
)
