package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Process is a child running on a pseudo-terminal.
type Process interface {
	io.ReadWriter
	Pid() int
	Resize(cols, rows int) error
	Signal(sig os.Signal) error
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
	// Close releases the terminal. Reads return an error afterwards.
	Close() error
}

// SpawnOptions describe the child to start.
type SpawnOptions struct {
	Executable string
	Args       []string
	Cwd        string
	Env        []string
	Cols       int
	Rows       int
}

// Spawner starts processes on pseudo-terminals.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PtySpawner starts real processes with creack/pty.
type PtySpawner struct{}

func (PtySpawner) Spawn(opts SpawnOptions) (Process, error) {
	cmd := exec.Command(opts.Executable, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env

	ptmx, err := pty.StartWithSize(cmd, winsize(opts.Cols, opts.Rows))
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }
func (p *ptyProcess) Close() error                { return p.ptmx.Close() }

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, winsize(cols, rows))
}

func (p *ptyProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func winsize(cols, rows int) *pty.Winsize {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
}
