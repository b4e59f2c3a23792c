package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/preflight"
	"github.com/peterje/ptyhost/internal/ptyhost"
	"github.com/peterje/ptyhost/internal/remote"
	"github.com/peterje/ptyhost/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var keepHost bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the pty host and serve workbenches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), keepHost)
		},
	}
	cmd.Flags().BoolVar(&keepHost, "keep-host", false, "leave the pty host and its terminals running on exit")
	return cmd
}

func (a *app) serve(ctx context.Context, keepHost bool) error {
	cfg, log := a.cfg, a.log

	checks, ok := preflight.CheckAll(log)
	if !ok {
		return errors.New("preflight checks failed")
	}

	settings, err := config.LoadSettings(cfg.Server.SettingsFile, log.Named("settings"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// The pty host inherits our environment, so it loads the same
	// configuration and only needs its socket on the command line.
	starter := &ptyhost.ProcessStarter{
		Socket:  cfg.Host.Socket,
		PIDFile: cfg.Host.PIDPath(),
		Logger:  log.Named("starter"),
	}
	opts := ptyhost.OptionsFromConfig(cfg.Supervisor)
	opts.Settings = settings
	opts.Metrics = m
	opts.Logger = log
	svc := ptyhost.New(starter, opts)

	channels := remote.NewServer(svc, remote.ServerOptions{
		Settings: settings,
		Metrics:  m,
		Logger:   log,
	})

	listener, err := listenUnix(cfg.Server.Socket)
	if err != nil {
		return err
	}
	go func() {
		if err := channels.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("unix socket server failed", zap.Error(err))
		}
	}()

	srv := server.New(svc, channels, checks, m.Handler(), log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(cfg.Server.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.TLS {
		tlsCfg, err := server.TLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.TLSDir())
		if err != nil {
			return err
		}
		httpSrv.TLSConfig = tlsCfg
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				settings.Reload()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("socket", cfg.Server.Socket),
			zap.Bool("tls", cfg.Server.TLS),
			zap.Bool("auth", cfg.Server.Token != ""),
		)
		var err error
		if cfg.Server.TLS {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	channels.Close()
	os.Remove(cfg.Server.Socket)

	if keepHost {
		// Terminals stay in the host; the next serve adopts it.
		log.Info("leaving pty host running", zap.String("socket", cfg.Host.Socket))
		return nil
	}
	starter.NotifyShutdown()
	svc.Dispose()
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return nil, fmt.Errorf("another server is listening on %s", path)
	}
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return l, nil
}
