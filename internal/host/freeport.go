package host

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/protocol"
)

// CommandRunner runs helper programs and kills processes. Tests replace it.
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Kill(pid int) error
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (execRunner) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

var lookPath = exec.LookPath

// FreePortKillProcess kills the process listening on a TCP port.
func (s *Service) FreePortKillProcess(ctx context.Context, port string) (protocol.FreePortResult, error) {
	if _, err := strconv.Atoi(port); err != nil {
		return protocol.FreePortResult{}, fmt.Errorf("invalid port %q", port)
	}
	out, err := s.opts.Commands.Output(ctx, "lsof", "-nP", "-t", "-iTCP:"+port, "-sTCP:LISTEN")
	if err != nil {
		return protocol.FreePortResult{}, fmt.Errorf("find process on port %s: %w", port, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return protocol.FreePortResult{}, fmt.Errorf("could not kill process with port %s", port)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return protocol.FreePortResult{}, fmt.Errorf("parse pid %q: %w", fields[0], err)
	}
	if err := s.opts.Commands.Kill(pid); err != nil {
		return protocol.FreePortResult{}, fmt.Errorf("kill pid %d: %w", pid, err)
	}
	s.log.Info("killed process to free port", zap.String("port", port), zap.Int("pid", pid))
	return protocol.FreePortResult{Port: port, ProcessID: fields[0]}, nil
}
