package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/db"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
)

// RunConfig configures a pty host process.
type RunConfig struct {
	Socket       string
	PIDFile      string
	DatabasePath string
	BeatInterval time.Duration
	Options      Options
	Logger       *zap.Logger
}

// Run serves the pty host on a unix socket. It blocks until ctx is done or
// the process receives SIGINT or SIGTERM, then stops every terminal.
func Run(ctx context.Context, cfg RunConfig) error {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = cfg.Socket + ".pid"
	}
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(cfg.Socket, cfg.PIDFile, log); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}

	opts := cfg.Options
	opts.Logger = log
	if cfg.DatabasePath != "" {
		store, err := db.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open layout store: %w", err)
		}
		defer store.Close()
		opts.Layouts = store
	}

	var srv *ipc.Server
	opts.Resolve = func(ctx context.Context, workspaceID string, texts []string) ([]string, error) {
		conns := srv.Conns()
		if len(conns) == 0 {
			return nil, errors.New("no supervisor connected")
		}
		var out []string
		err := conns[0].Call(ctx, protocol.SupervisorResolveVariables, protocol.ResolveVariablesArgs{
			WorkspaceID:  workspaceID,
			OriginalText: texts,
		}, &out)
		return out, err
	}

	svc := New(opts)
	srv = ipc.NewServer(svc.Handle, log)
	forwardEvents(svc, srv)

	if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	listener, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		os.Remove(cfg.PIDFile)
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.BeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.Broadcast(string(protocol.HostOnHeartbeat), nil)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("pty host shutting down")
		srv.Close()
	}()

	log.Info("pty host listening", zap.String("socket", cfg.Socket), zap.Int("pid", os.Getpid()))
	err = srv.Serve(listener)

	svc.Close()
	srv.Close()
	os.Remove(cfg.Socket)
	os.Remove(cfg.PIDFile)
	return err
}

func forwardEvents(svc *Service, srv *ipc.Server) {
	svc.OnProcessData(func(e protocol.ProcessDataEvent) {
		srv.Broadcast(string(protocol.HostOnProcessData), e)
	})
	svc.OnProcessExit(func(e protocol.ProcessExitEvent) {
		srv.Broadcast(string(protocol.HostOnProcessExit), e)
	})
	svc.OnProcessReady(func(e protocol.ProcessReadyEvent) {
		srv.Broadcast(string(protocol.HostOnProcessReady), e)
	})
	svc.OnProcessReplay(func(e protocol.ProcessReplayEvent) {
		srv.Broadcast(string(protocol.HostOnProcessReplay), e)
	})
	svc.OnProcessOrphanQuestion(func(e protocol.OrphanQuestionEvent) {
		srv.Broadcast(string(protocol.HostOnProcessOrphanQuestion), e)
	})
	svc.OnDidRequestDetach(func(e protocol.DetachRequestEvent) {
		srv.Broadcast(string(protocol.HostOnDidRequestDetach), e)
	})
	svc.OnDidChangeProperty(func(e protocol.PropertyChangeEvent) {
		srv.Broadcast(string(protocol.HostOnDidChangeProperty), e)
	})
}

// cleanStaleSocket removes a socket left behind by a host that is gone. It
// fails if another host still answers on it.
func cleanStaleSocket(socketPath, pidPath string, log *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return errors.New("pty host already running (socket active)")
	}

	if data, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil {
				return fmt.Errorf("pty host already running (pid %d)", pid)
			}
		}
	}

	log.Info("removing stale socket", zap.String("socket", socketPath))
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
