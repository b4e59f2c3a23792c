// Package ptyhost supervises the out-of-process pty host: it starts it on
// demand, watches its heartbeat, restarts it after a crash within a fixed
// budget, and proxies every terminal operation to whichever host is live.
package ptyhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/heartbeat"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/requeststore"
)

// ErrDisposed is returned by operations on a disposed service.
var ErrDisposed = errors.New("ptyhost: service disposed")

// LatencyLabel names the supervisor-to-host hop in GetLatency results.
const LatencyLabel = "ptyhostservice<->ptyhost"

// SettingsSource provides the terminal settings pushed to each new host.
type SettingsSource interface {
	Current() config.TerminalSettings
	OnDidChange(fn func(config.TerminalSettings)) func()
}

// Options configures a Service. Zero fields take the defaults, except
// MaxRestarts: zero turns automatic restarts off and a negative value takes
// the default.
type Options struct {
	Heartbeat            heartbeat.Config
	Clock                heartbeat.Clock
	CreateProcessTimeout time.Duration
	MaxRestarts          int
	Settings             SettingsSource
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
}

// DefaultOptions returns the stock timings and restart budget.
func DefaultOptions() Options {
	return Options{
		Heartbeat:            heartbeat.DefaultConfig(),
		CreateProcessTimeout: 5 * time.Second,
		MaxRestarts:          5,
	}
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		Heartbeat: heartbeat.Config{
			BeatInterval:           cfg.BeatInterval,
			FirstWaitMultiplier:    cfg.FirstWaitMultiplier,
			SecondWaitMultiplier:   cfg.SecondWaitMultiplier,
			ConnectingBeatInterval: cfg.ConnectingBeatInterval,
		},
		CreateProcessTimeout: cfg.CreateProcessTimeout,
		MaxRestarts:          cfg.MaxRestarts,
	}
}

// Service is the pty host supervisor.
type Service struct {
	starter Starter
	opts    Options
	log     *zap.Logger
	clock   heartbeat.Clock
	metrics *metrics.Metrics
	monitor *heartbeat.Monitor

	resolveVariables *requeststore.Store[protocol.ResolveVariablesArgs, []string]

	// startMu serializes starting, restarting and disposing the host.
	startMu sync.Mutex

	mu               sync.Mutex
	conn             Connection
	proxy            *Proxy
	connDisposables  *event.Disposables
	restartCount     int
	wasQuitRequested bool
	disposed         bool

	disposables event.Disposables

	onPtyHostExit                    event.Emitter[int]
	onPtyHostStart                   event.Emitter[struct{}]
	onPtyHostUnresponsive            event.Emitter[struct{}]
	onPtyHostResponsive              event.Emitter[struct{}]
	onPtyHostRequestResolveVariables event.Emitter[protocol.ResolveVariablesRequest]
	onProcessData                    event.Emitter[protocol.ProcessDataEvent]
	onProcessExit                    event.Emitter[protocol.ProcessExitEvent]
	onProcessReady                   event.Emitter[protocol.ProcessReadyEvent]
	onProcessReplay                  event.Emitter[protocol.ProcessReplayEvent]
	onProcessOrphanQuestion          event.Emitter[protocol.OrphanQuestionEvent]
	onDidRequestDetach               event.Emitter[protocol.DetachRequestEvent]
	onDidChangeProperty              event.Emitter[protocol.PropertyChangeEvent]
}

// New returns a supervisor. No host is started until an operation needs one.
func New(starter Starter, opts Options) *Service {
	def := DefaultOptions()
	if opts.Heartbeat == (heartbeat.Config{}) {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.CreateProcessTimeout == 0 {
		opts.CreateProcessTimeout = def.CreateProcessTimeout
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = def.MaxRestarts
	}
	if opts.Clock == nil {
		opts.Clock = heartbeat.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	log := opts.Logger.Named("ptyhost")
	s := &Service{
		starter:          starter,
		opts:             opts,
		log:              log,
		clock:            opts.Clock,
		metrics:          opts.Metrics,
		monitor:          heartbeat.New(opts.Heartbeat, opts.Clock, log),
		resolveVariables: requeststore.New[protocol.ResolveVariablesArgs, []string](log),
	}

	s.disposables.Add(starter.OnWillShutdown(func() {
		s.mu.Lock()
		s.wasQuitRequested = true
		s.mu.Unlock()
	}))
	s.disposables.Add(s.monitor.OnUnresponsive(func() {
		s.metrics.HostUnresponsive.Inc()
		s.metrics.SetResponsive(false)
		s.onPtyHostUnresponsive.Fire(struct{}{})
	}))
	s.disposables.Add(s.monitor.OnResponsive(func() {
		s.metrics.SetResponsive(true)
		s.onPtyHostResponsive.Fire(struct{}{})
	}))
	s.disposables.Add(s.resolveVariables.OnCreateRequest(func(r requeststore.Request[protocol.ResolveVariablesArgs]) {
		s.onPtyHostRequestResolveVariables.Fire(protocol.ResolveVariablesRequest{
			RequestID:    r.RequestID,
			WorkspaceID:  r.Payload.WorkspaceID,
			OriginalText: r.Payload.OriginalText,
		})
	}))
	return s
}

// Event subscriptions. Each returns its unsubscribe function.

func (s *Service) OnPtyHostExit(fn func(code int)) func() { return s.onPtyHostExit.Subscribe(fn) }
func (s *Service) OnPtyHostStart(fn func()) func() {
	return s.onPtyHostStart.Subscribe(func(struct{}) { fn() })
}
func (s *Service) OnPtyHostUnresponsive(fn func()) func() {
	return s.onPtyHostUnresponsive.Subscribe(func(struct{}) { fn() })
}
func (s *Service) OnPtyHostResponsive(fn func()) func() {
	return s.onPtyHostResponsive.Subscribe(func(struct{}) { fn() })
}
func (s *Service) OnPtyHostRequestResolveVariables(fn func(protocol.ResolveVariablesRequest)) func() {
	return s.onPtyHostRequestResolveVariables.Subscribe(fn)
}
func (s *Service) OnProcessData(fn func(protocol.ProcessDataEvent)) func() {
	return s.onProcessData.Subscribe(fn)
}
func (s *Service) OnProcessExit(fn func(protocol.ProcessExitEvent)) func() {
	return s.onProcessExit.Subscribe(fn)
}
func (s *Service) OnProcessReady(fn func(protocol.ProcessReadyEvent)) func() {
	return s.onProcessReady.Subscribe(fn)
}
func (s *Service) OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func() {
	return s.onProcessReplay.Subscribe(fn)
}
func (s *Service) OnProcessOrphanQuestion(fn func(protocol.OrphanQuestionEvent)) func() {
	return s.onProcessOrphanQuestion.Subscribe(fn)
}
func (s *Service) OnDidRequestDetach(fn func(protocol.DetachRequestEvent)) func() {
	return s.onDidRequestDetach.Subscribe(fn)
}
func (s *Service) OnDidChangeProperty(fn func(protocol.PropertyChangeEvent)) func() {
	return s.onDidChangeProperty.Subscribe(fn)
}

// IsResponsive reports the heartbeat state.
func (s *Service) IsResponsive() bool { return s.monitor.IsResponsive() }

// RestartCount reports how many automatic restarts have happened. The
// count is never reset.
func (s *Service) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// IsConnected reports whether a host is currently live.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy != nil
}

// ensureStarted returns the live proxy, starting a host if there is none.
func (s *Service) ensureStarted(ctx context.Context) (*Proxy, error) {
	if p := s.optionalProxy(); p != nil {
		return p, nil
	}

	s.startMu.Lock()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.startMu.Unlock()
		return nil, ErrDisposed
	}
	if s.proxy != nil {
		p := s.proxy
		s.mu.Unlock()
		s.startMu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, hostCtx, err := s.startLocked(ctx)
	s.startMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.pushInitialSettings(ctx, hostCtx, p)
	s.onPtyHostStart.Fire(struct{}{})
	return p, nil
}

// optionalProxy returns the live proxy or nil; it never starts a host.
func (s *Service) optionalProxy() *Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy
}

// startLocked spawns a host and wires it up. The caller holds startMu; after
// releasing it, the caller pushes the initial settings and fires
// onPtyHostStart. The returned context is cancelled when the host is
// disposed.
func (s *Service) startLocked(ctx context.Context) (*Proxy, context.Context, error) {
	s.log.Info("starting pty host")
	conn, err := s.starter.Start(ctx, s.handleHostCall)
	if err != nil {
		return nil, nil, fmt.Errorf("start pty host: %w", err)
	}
	proxy := NewProxy(conn)
	disp := &event.Disposables{}
	hostCtx, cancel := context.WithCancel(context.Background())
	disp.Add(cancel)

	disp.Add(conn.Listen(string(protocol.HostOnHeartbeat), func(json.RawMessage) {
		s.monitor.Beat(false)
	}))
	disp.Add(conn.OnDidProcessExit(func(code int) { s.handleExit(conn, code) }))
	disp.Add(forward(conn, protocol.HostOnProcessData, &s.onProcessData, s.log))
	disp.Add(forward(conn, protocol.HostOnProcessExit, &s.onProcessExit, s.log))
	disp.Add(forward(conn, protocol.HostOnProcessReady, &s.onProcessReady, s.log))
	disp.Add(forward(conn, protocol.HostOnProcessReplay, &s.onProcessReplay, s.log))
	disp.Add(forward(conn, protocol.HostOnProcessOrphanQuestion, &s.onProcessOrphanQuestion, s.log))
	disp.Add(forward(conn, protocol.HostOnDidRequestDetach, &s.onDidRequestDetach, s.log))
	disp.Add(forward(conn, protocol.HostOnDidChangeProperty, &s.onDidChangeProperty, s.log))
	disp.Add(s.monitor.Stop)

	s.mu.Lock()
	s.conn = conn
	s.proxy = proxy
	s.connDisposables = disp
	s.mu.Unlock()

	s.monitor.Beat(true)
	s.metrics.HostStarts.Inc()

	if settings := s.opts.Settings; settings != nil {
		disp.Add(settings.OnDidChange(func(ts config.TerminalSettings) {
			go s.pushSettings(hostCtx, proxy, ts)
		}))
	}
	return proxy, hostCtx, nil
}

// pushInitialSettings sends the current settings to a freshly started host.
// It must run without startMu held: a host that never answers is only
// abandoned when it is disposed, which cancels hostCtx.
func (s *Service) pushInitialSettings(ctx, hostCtx context.Context, proxy *Proxy) {
	settings := s.opts.Settings
	if settings == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(hostCtx, cancel)
	defer stop()
	s.pushSettings(ctx, proxy, settings.Current())
}

// pushSettings sends the settings the host applies itself. Configured auto
// replies replace whatever is installed.
func (s *Service) pushSettings(ctx context.Context, proxy *Proxy, ts config.TerminalSettings) {
	if err := proxy.SetIgnoreProcessNames(ctx, ts.IgnoreProcessNames); err != nil {
		s.log.Warn("failed to push ignoreProcessNames", zap.Error(err))
	}
	if len(ts.AutoReplies) == 0 {
		return
	}
	if err := proxy.UninstallAllAutoReplies(ctx); err != nil {
		s.log.Warn("failed to reset auto replies", zap.Error(err))
		return
	}
	matches := make([]string, 0, len(ts.AutoReplies))
	for m := range ts.AutoReplies {
		matches = append(matches, m)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := proxy.InstallAutoReply(ctx, m, ts.AutoReplies[m]); err != nil {
			s.log.Warn("failed to install auto reply", zap.String("match", m), zap.Error(err))
		}
	}
}

// disposeLocked drops the current host. The caller holds startMu.
func (s *Service) disposeLocked() {
	s.mu.Lock()
	conn, disp := s.conn, s.connDisposables
	s.conn, s.proxy, s.connDisposables = nil, nil, nil
	s.mu.Unlock()

	if disp != nil {
		disp.Dispose()
	}
	if conn != nil {
		conn.Dispose()
	}
}

func (s *Service) handleExit(conn Connection, code int) {
	s.mu.Lock()
	current := s.conn == conn
	s.mu.Unlock()
	if !current {
		return
	}
	s.onPtyHostExit.Fire(code)

	s.startMu.Lock()
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		s.startMu.Unlock()
		return
	}
	quit, disposed := s.wasQuitRequested, s.disposed
	restart := !quit && !disposed && s.restartCount < s.opts.MaxRestarts
	if restart {
		s.restartCount++
	}
	attempt := s.restartCount
	s.mu.Unlock()

	s.disposeLocked()

	switch {
	case quit || disposed:
		s.startMu.Unlock()
		s.log.Info("pty host exited", zap.Int("code", code))
		return
	case !restart:
		s.startMu.Unlock()
		s.log.Error("pty host terminated unexpectedly, giving up",
			zap.Int("code", code), zap.Int("restarts", attempt))
		return
	}

	s.log.Error("pty host terminated unexpectedly",
		zap.Int("code", code), zap.Int("attempt", attempt), zap.Int("maxRestarts", s.opts.MaxRestarts))
	s.metrics.HostRestarts.Inc()
	s.monitor.MarkResponsive()
	s.metrics.SetResponsive(true)
	proxy, hostCtx, err := s.startLocked(context.Background())
	s.startMu.Unlock()
	if err != nil {
		s.log.Error("pty host restart failed", zap.Error(err))
		return
	}
	s.onPtyHostStart.Fire(struct{}{})
	go s.pushInitialSettings(hostCtx, hostCtx, proxy)
}

// handleHostCall serves the calls a host makes to the supervisor.
func (s *Service) handleHostCall(ctx context.Context, command string, arg json.RawMessage) (any, error) {
	switch command {
	case protocol.SupervisorResolveVariables:
		var args protocol.ResolveVariablesArgs
		if err := json.Unmarshal(arg, &args); err != nil {
			return nil, fmt.Errorf("resolveVariables: %w", err)
		}
		return s.resolveVariables.CreateRequest(ctx, args)
	}
	return nil, fmt.Errorf("unknown supervisor command %q", command)
}

// AcceptPtyHostResolvedVariables answers a pending resolve request.
func (s *Service) AcceptPtyHostResolvedVariables(requestID int, resolved []string) {
	s.resolveVariables.AcceptReply(requestID, resolved)
}

// RestartPtyHost replaces the current host with a fresh one. It does not
// count against the automatic restart budget.
func (s *Service) RestartPtyHost(ctx context.Context) error {
	s.startMu.Lock()
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		s.startMu.Unlock()
		return ErrDisposed
	}

	s.log.Info("restarting pty host")
	s.disposeLocked()
	s.monitor.MarkResponsive()
	s.metrics.SetResponsive(true)
	proxy, hostCtx, err := s.startLocked(ctx)
	s.startMu.Unlock()
	if err != nil {
		return err
	}
	s.pushInitialSettings(ctx, hostCtx, proxy)
	s.onPtyHostStart.Fire(struct{}{})
	return nil
}

// Dispose stops the host and releases every subscription. The host exiting
// as a result is not treated as a crash.
func (s *Service) Dispose() {
	s.startMu.Lock()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.startMu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.disposeLocked()
	s.startMu.Unlock()
	s.monitor.Stop()
	s.disposables.Dispose()
}

// CreateProcess creates a process in the host. If the host does not answer
// within CreateProcessTimeout it is flagged unresponsive; the call itself
// keeps waiting for its result.
func (s *Service) CreateProcess(ctx context.Context, args protocol.HostCreateProcessArgs) (int, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return 0, err
	}
	timeout := s.opts.CreateProcessTimeout
	timer := s.clock.AfterFunc(timeout, func() {
		s.log.Error("no pty host response to createProcess", zap.Duration("after", timeout))
		s.monitor.ForceUnresponsive()
	})
	defer timer.Stop()
	return proxy.CreateProcess(ctx, args)
}

// GetLatency measures the supervisor-to-host round trip and prepends it to
// the host's own measurements.
func (s *Service) GetLatency(ctx context.Context) ([]protocol.LatencyMeasurement, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := proxy.GetLatency(ctx)
	if err != nil {
		return nil, err
	}
	hop := protocol.LatencyMeasurement{
		Label:   LatencyLabel,
		Latency: float64(time.Since(start).Microseconds()) / 1000,
	}
	return append([]protocol.LatencyMeasurement{hop}, results...), nil
}

// GetPerformanceMarks returns nothing when no host is running.
func (s *Service) GetPerformanceMarks(ctx context.Context) ([]protocol.PerformanceMark, error) {
	proxy := s.optionalProxy()
	if proxy == nil {
		return []protocol.PerformanceMark{}, nil
	}
	return proxy.GetPerformanceMarks(ctx)
}

// ReduceConnectionGraceTime is a no-op when no host is running.
func (s *Service) ReduceConnectionGraceTime(ctx context.Context) error {
	proxy := s.optionalProxy()
	if proxy == nil {
		return nil
	}
	return proxy.ReduceConnectionGraceTime(ctx)
}

// GetTerminalLayoutInfo returns nil when no host is running.
func (s *Service) GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*protocol.TerminalsLayoutInfo, error) {
	proxy := s.optionalProxy()
	if proxy == nil {
		return nil, nil
	}
	return proxy.GetTerminalLayoutInfo(ctx, workspaceID)
}

// GetDefaultSystemShell asks the host, or answers locally when no host is
// running.
func (s *Service) GetDefaultSystemShell(ctx context.Context) (string, error) {
	proxy := s.optionalProxy()
	if proxy == nil {
		return DefaultSystemShell(), nil
	}
	return proxy.GetDefaultSystemShell(ctx)
}

// DefaultSystemShell is $SHELL, falling back to /bin/sh.
func DefaultSystemShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Pass-through operations. Each starts a host if none is running.

func (s *Service) Start(ctx context.Context, id int) (*protocol.LaunchError, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.Start(ctx, id)
}

func (s *Service) Input(ctx context.Context, id int, data string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.Input(ctx, id, data)
}

func (s *Service) ProcessBinary(ctx context.Context, id int, data string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.ProcessBinary(ctx, id, data)
}

func (s *Service) SendSignal(ctx context.Context, id int, signal string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.SendSignal(ctx, id, signal)
}

func (s *Service) Resize(ctx context.Context, id, cols, rows int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.Resize(ctx, id, cols, rows)
}

func (s *Service) ClearBuffer(ctx context.Context, id int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.ClearBuffer(ctx, id)
}

func (s *Service) Shutdown(ctx context.Context, id int, immediate bool) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.Shutdown(ctx, id, immediate)
}

func (s *Service) ShutdownAll(ctx context.Context) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.ShutdownAll(ctx)
}

func (s *Service) AcknowledgeDataEvent(ctx context.Context, id, charCount int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.AcknowledgeDataEvent(ctx, id, charCount)
}

func (s *Service) SetUnicodeVersion(ctx context.Context, id int, version string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.SetUnicodeVersion(ctx, id, version)
}

func (s *Service) AttachToProcess(ctx context.Context, id int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.AttachToProcess(ctx, id)
}

func (s *Service) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.DetachFromProcess(ctx, id, forcePersist)
}

func (s *Service) ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.ListProcesses(ctx)
}

func (s *Service) OrphanQuestionReply(ctx context.Context, id int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.OrphanQuestionReply(ctx, id)
}

func (s *Service) RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (*protocol.ProcessDetails, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.RequestDetachInstance(ctx, workspaceID, instanceID)
}

func (s *Service) AcceptDetachInstanceReply(ctx context.Context, requestID int, persistentProcessID *int) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.AcceptDetachInstanceReply(ctx, requestID, persistentProcessID)
}

func (s *Service) GetInitialCwd(ctx context.Context, id int) (string, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return "", err
	}
	return proxy.GetInitialCwd(ctx, id)
}

func (s *Service) GetCwd(ctx context.Context, id int) (string, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return "", err
	}
	return proxy.GetCwd(ctx, id)
}

func (s *Service) FreePortKillProcess(ctx context.Context, port string) (protocol.FreePortResult, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return protocol.FreePortResult{}, err
	}
	return proxy.FreePortKillProcess(ctx, port)
}

func (s *Service) GetProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.GetProfiles(ctx, args)
}

func (s *Service) GetEnvironment(ctx context.Context) (map[string]string, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.GetEnvironment(ctx)
}

func (s *Service) GetWslPath(ctx context.Context, original, direction string) (string, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return "", err
	}
	return proxy.GetWslPath(ctx, original, direction)
}

func (s *Service) SetTerminalLayoutInfo(ctx context.Context, args protocol.SetTerminalLayoutInfoArgs) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.SetTerminalLayoutInfo(ctx, args)
}

func (s *Service) UpdateTitle(ctx context.Context, id int, title, titleSource string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.UpdateTitle(ctx, id, title, titleSource)
}

func (s *Service) UpdateIcon(ctx context.Context, args protocol.UpdateIconArgs) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.UpdateIcon(ctx, args)
}

func (s *Service) RefreshProperty(ctx context.Context, id int, property protocol.PropertyType) (json.RawMessage, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.RefreshProperty(ctx, id, property)
}

func (s *Service) UpdateProperty(ctx context.Context, args protocol.UpdatePropertyArgs) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.UpdateProperty(ctx, args)
}

func (s *Service) SerializeTerminalState(ctx context.Context, ids []int) (string, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return "", err
	}
	return proxy.SerializeTerminalState(ctx, ids)
}

func (s *Service) ReviveTerminalProcesses(ctx context.Context, args protocol.ReviveTerminalProcessesArgs) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.ReviveTerminalProcesses(ctx, args)
}

func (s *Service) GetRevivedPtyNewID(ctx context.Context, workspaceID string, oldID int) (*int, error) {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return proxy.GetRevivedPtyNewID(ctx, workspaceID, oldID)
}

func (s *Service) InstallAutoReply(ctx context.Context, match, reply string) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.InstallAutoReply(ctx, match, reply)
}

func (s *Service) UninstallAllAutoReplies(ctx context.Context) error {
	proxy, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	return proxy.UninstallAllAutoReplies(ctx)
}

func forward[T any](ch ipc.Channel, name protocol.HostEvent, dst *event.Emitter[T], log *zap.Logger) func() {
	return ch.Listen(string(name), func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn("dropping malformed host event", zap.String("event", string(name)), zap.Error(err))
			return
		}
		dst.Fire(v)
	})
}
