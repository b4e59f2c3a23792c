package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/ptyhost"
	"github.com/peterje/ptyhost/internal/requeststore"
	"github.com/peterje/ptyhost/internal/variables"
)

// Backend is the supervisor surface the server dispatches to.
// *ptyhost.Service implements it.
type Backend interface {
	OnPtyHostExit(fn func(code int)) func()
	OnPtyHostStart(fn func()) func()
	OnPtyHostUnresponsive(fn func()) func()
	OnPtyHostResponsive(fn func()) func()
	OnPtyHostRequestResolveVariables(fn func(protocol.ResolveVariablesRequest)) func()
	OnProcessData(fn func(protocol.ProcessDataEvent)) func()
	OnProcessExit(fn func(protocol.ProcessExitEvent)) func()
	OnProcessReady(fn func(protocol.ProcessReadyEvent)) func()
	OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func()
	OnProcessOrphanQuestion(fn func(protocol.OrphanQuestionEvent)) func()
	OnDidRequestDetach(fn func(protocol.DetachRequestEvent)) func()
	OnDidChangeProperty(fn func(protocol.PropertyChangeEvent)) func()

	AcceptPtyHostResolvedVariables(requestID int, resolved []string)
	RestartPtyHost(ctx context.Context) error
	CreateProcess(ctx context.Context, args protocol.HostCreateProcessArgs) (int, error)
	GetDefaultSystemShell(ctx context.Context) (string, error)
	RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (*protocol.ProcessDetails, error)
	AcceptDetachInstanceReply(ctx context.Context, requestID int, persistentProcessID *int) error
	AttachToProcess(ctx context.Context, id int) error
	DetachFromProcess(ctx context.Context, id int, forcePersist bool) error
	ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error)
	GetLatency(ctx context.Context) ([]protocol.LatencyMeasurement, error)
	GetPerformanceMarks(ctx context.Context) ([]protocol.PerformanceMark, error)
	ReduceConnectionGraceTime(ctx context.Context) error
	ProcessBinary(ctx context.Context, id int, data string) error
	Start(ctx context.Context, id int) (*protocol.LaunchError, error)
	Input(ctx context.Context, id int, data string) error
	SendSignal(ctx context.Context, id int, signal string) error
	AcknowledgeDataEvent(ctx context.Context, id, charCount int) error
	SetUnicodeVersion(ctx context.Context, id int, version string) error
	Shutdown(ctx context.Context, id int, immediate bool) error
	Resize(ctx context.Context, id, cols, rows int) error
	ClearBuffer(ctx context.Context, id int) error
	GetInitialCwd(ctx context.Context, id int) (string, error)
	GetCwd(ctx context.Context, id int) (string, error)
	OrphanQuestionReply(ctx context.Context, id int) error
	FreePortKillProcess(ctx context.Context, port string) (protocol.FreePortResult, error)
	GetProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error)
	GetEnvironment(ctx context.Context) (map[string]string, error)
	GetWslPath(ctx context.Context, original, direction string) (string, error)
	SetTerminalLayoutInfo(ctx context.Context, args protocol.SetTerminalLayoutInfoArgs) error
	GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*protocol.TerminalsLayoutInfo, error)
	UpdateTitle(ctx context.Context, id int, title, titleSource string) error
	UpdateIcon(ctx context.Context, args protocol.UpdateIconArgs) error
	RefreshProperty(ctx context.Context, id int, property protocol.PropertyType) (json.RawMessage, error)
	UpdateProperty(ctx context.Context, args protocol.UpdatePropertyArgs) error
	ReviveTerminalProcesses(ctx context.Context, args protocol.ReviveTerminalProcessesArgs) error
	GetRevivedPtyNewID(ctx context.Context, workspaceID string, oldID int) (*int, error)
	SerializeTerminalState(ctx context.Context, ids []int) (string, error)
	InstallAutoReply(ctx context.Context, match, reply string) error
	UninstallAllAutoReplies(ctx context.Context) error
}

var _ Backend = (*ptyhost.Service)(nil)

// ServerOptions configures a Server. Zero fields take the defaults.
type ServerOptions struct {
	// Settings supplies profiles when a workbench sends none.
	Settings ptyhost.SettingsSource
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Environ and Home describe the server environment terminals start
	// from. They default to os.Environ and the user's home directory.
	Environ func() []string
	Home    string
}

// detachTimeout bounds the detach calls made for a dropped connection.
const detachTimeout = 5 * time.Second

type remoteCall func(ctx context.Context, raw json.RawMessage) (any, error)

type commandResult = protocol.SendCommandResultArgs

// Server exposes a Backend to workbenches over ipc connections.
type Server struct {
	svc     Backend
	opts    ServerOptions
	log     *zap.Logger
	metrics *metrics.Metrics

	ipc      *ipc.Server
	table    map[protocol.Request]remoteCall
	commands *requeststore.Store[protocol.ExecuteCommandEvent, commandResult]
	disp     event.Disposables

	mu       sync.Mutex
	attached map[*ipc.Conn]map[int]struct{}
}

// NewServer wires svc's events to every workbench connection.
func NewServer(svc Backend, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Home == "" {
		opts.Home = userHome()
	}
	log := opts.Logger.Named("remote-server")
	s := &Server{
		svc:      svc,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		commands: requeststore.New[protocol.ExecuteCommandEvent, commandResult](log),
		attached: make(map[*ipc.Conn]map[int]struct{}),
	}
	s.table = s.handlers()
	s.ipc = ipc.NewServer(s.Handle, log)
	s.disp.Add(s.ipc.OnConnect(s.connected))
	s.disp.Add(s.ipc.OnDisconnect(s.disconnected))
	s.forwardEvents()
	return s
}

// Serve accepts workbench connections from l until it is closed.
func (s *Server) Serve(l net.Listener) error {
	return s.ipc.Serve(l)
}

// ServeConn serves a single workbench stream, such as a tunnel stream.
func (s *Server) ServeConn(rw io.ReadWriteCloser) *ipc.Conn {
	return s.ipc.ServeConn(rw)
}

// Connections is the number of connected workbenches.
func (s *Server) Connections() int {
	return len(s.ipc.Conns())
}

// Close disconnects every workbench and stops forwarding events.
func (s *Server) Close() error {
	err := s.ipc.Close()
	s.disp.Dispose()
	return err
}

// Handle dispatches one request.
func (s *Server) Handle(ctx context.Context, command string, raw json.RawMessage) (any, error) {
	call, ok := s.table[protocol.Request(command)]
	if !ok {
		return nil, fmt.Errorf("unknown remote terminal request %q", command)
	}
	start := time.Now()
	v, err := call(ctx, raw)
	s.metrics.ObserveRequest(command, start, err)
	return v, err
}

// ExecuteCommand asks the connected workbenches to run a command for a
// terminal and waits for the first reply.
func (s *Server) ExecuteCommand(ctx context.Context, persistentProcessID int, commandID string, args any) (json.RawMessage, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode command arguments: %w", err)
		}
		raw = b
	}
	if s.Connections() == 0 {
		return nil, errors.New("no workbench connected")
	}
	res, err := s.commands.CreateRequest(ctx, protocol.ExecuteCommandEvent{
		PersistentProcessID: persistentProcessID,
		CommandID:           commandID,
		CommandArgs:         raw,
	})
	if err != nil {
		return nil, fmt.Errorf("execute command %s: %w", commandID, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("execute command %s: %s", commandID, string(res.Payload))
	}
	return res.Payload, nil
}

func (s *Server) forwardEvents() {
	emit := func(ev protocol.Event) func(any) {
		return func(v any) { s.ipc.Broadcast(string(ev), v) }
	}
	s.disp.Add(s.svc.OnPtyHostExit(func(code int) { emit(protocol.OnPtyHostExitEvent)(code) }))
	s.disp.Add(s.svc.OnPtyHostStart(func() { emit(protocol.OnPtyHostStartEvent)(nil) }))
	s.disp.Add(s.svc.OnPtyHostUnresponsive(func() { emit(protocol.OnPtyHostUnresponsiveEvent)(nil) }))
	s.disp.Add(s.svc.OnPtyHostResponsive(func() { emit(protocol.OnPtyHostResponsiveEvent)(nil) }))
	s.disp.Add(s.svc.OnPtyHostRequestResolveVariables(func(e protocol.ResolveVariablesRequest) {
		emit(protocol.OnPtyHostRequestResolveVariablesEvent)(e)
	}))
	s.disp.Add(s.svc.OnProcessData(func(e protocol.ProcessDataEvent) { emit(protocol.OnProcessDataEvent)(e) }))
	s.disp.Add(s.svc.OnProcessExit(func(e protocol.ProcessExitEvent) {
		s.forget(e.ID)
		emit(protocol.OnProcessExitEvent)(e)
	}))
	s.disp.Add(s.svc.OnProcessReady(func(e protocol.ProcessReadyEvent) { emit(protocol.OnProcessReadyEvent)(e) }))
	s.disp.Add(s.svc.OnProcessReplay(func(e protocol.ProcessReplayEvent) { emit(protocol.OnProcessReplayEvent)(e) }))
	s.disp.Add(s.svc.OnProcessOrphanQuestion(func(e protocol.OrphanQuestionEvent) { emit(protocol.OnProcessOrphanQuestion)(e) }))
	s.disp.Add(s.svc.OnDidRequestDetach(func(e protocol.DetachRequestEvent) { emit(protocol.OnDidRequestDetach)(e) }))
	s.disp.Add(s.svc.OnDidChangeProperty(func(e protocol.PropertyChangeEvent) { emit(protocol.OnDidChangeProperty)(e) }))
	s.disp.Add(s.commands.OnCreateRequest(func(r requeststore.Request[protocol.ExecuteCommandEvent]) {
		ev := r.Payload
		ev.ReqID = r.RequestID
		emit(protocol.OnExecuteCommand)(ev)
	}))
}

func (s *Server) connected(c *ipc.Conn) {
	s.mu.Lock()
	s.attached[c] = make(map[int]struct{})
	s.mu.Unlock()
	s.metrics.WorkbenchConnections.Inc()
	s.log.Info("workbench connected", zap.String("conn", c.ID()))
}

// disconnected detaches everything the connection held so the host starts
// the reconnection grace period for each terminal.
func (s *Server) disconnected(c *ipc.Conn) {
	s.mu.Lock()
	ids := s.attached[c]
	delete(s.attached, c)
	s.mu.Unlock()
	s.metrics.WorkbenchConnections.Dec()
	s.log.Info("workbench disconnected", zap.String("conn", c.ID()), zap.Int("terminals", len(ids)))

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	for id := range ids {
		if s.heldElsewhere(id) {
			continue
		}
		if err := s.svc.DetachFromProcess(ctx, id, false); err != nil {
			s.log.Warn("could not detach terminal of a closed connection", zap.Int("id", id), zap.Error(err))
		}
	}
}

func (s *Server) heldElsewhere(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ids := range s.attached {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

func (s *Server) track(ctx context.Context, id int) {
	c, ok := ipc.ConnFromContext(ctx)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids, ok := s.attached[c]; ok {
		ids[id] = struct{}{}
	}
}

func (s *Server) untrack(ctx context.Context, id int) {
	c, ok := ipc.ConnFromContext(ctx)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached[c], id)
}

func (s *Server) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ids := range s.attached {
		delete(ids, id)
	}
}

// createProcess finishes what the workbench started: it resolves the
// remaining variables against the server environment and builds the final
// launch request.
func (s *Server) createProcess(ctx context.Context, args protocol.CreateProcessArgs) (*protocol.CreateProcessResult, error) {
	base := baseEnv(s.opts.Environ(), args.ResolverEnv)
	vars := variables.Context{
		Resolved: args.ResolvedVariables,
		Env:      base,
		Home:     s.opts.Home,
	}
	if args.ActiveWorkspaceFolder != nil {
		vars.WorkspaceFolder = variables.PathFromURI(args.ActiveWorkspaceFolder.URI)
	}
	if args.ActiveFileResource != "" {
		vars.ActiveFile = variables.PathFromURI(args.ActiveFileResource)
	}

	slc := args.ShellLaunchConfig
	if slc.Executable == "" {
		shell, err := s.svc.GetDefaultSystemShell(ctx)
		if err != nil {
			return nil, fmt.Errorf("default shell: %w", err)
		}
		slc.Executable = shell
	} else {
		slc.Executable = vars.Resolve(slc.Executable)
	}
	slc.Args = vars.ResolveAll(slc.Args)
	slc.Name = vars.Resolve(slc.Name)
	slc.Cwd = resolveCwd(slc, vars, s.opts.Home)

	env := terminalEnv(slc, args.Configuration, vars, base)
	if !slc.StrictEnv {
		applyCollections(env, args.EnvVariableCollections, vars)
	}

	id, err := s.svc.CreateProcess(ctx, protocol.HostCreateProcessArgs{
		ShellLaunchConfig: slc,
		Cwd:               slc.Cwd,
		Cols:              args.Cols,
		Rows:              args.Rows,
		UnicodeVersion:    args.UnicodeVersion,
		Env:               env,
		ExecutableEnv:     base,
		Options:           args.Options,
		ShouldPersist:     args.ShouldPersistTerminal,
		WorkspaceID:       args.WorkspaceID,
		WorkspaceName:     args.WorkspaceName,
	})
	if err != nil {
		return nil, err
	}
	s.track(ctx, id)
	s.log.Debug("created terminal", zap.Int("id", id), zap.String("executable", slc.Executable), zap.String("cwd", slc.Cwd))
	return &protocol.CreateProcessResult{PersistentTerminalID: id, ResolvedShellLaunchConfig: slc}, nil
}

func (s *Server) getProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error) {
	if args.Profiles == nil && s.opts.Settings != nil {
		ts := s.opts.Settings.Current()
		args.Profiles = ts.ProfileConfigs()
		if args.DefaultProfile == "" {
			args.DefaultProfile = ts.DefaultProfile
		}
	}
	return s.svc.GetProfiles(ctx, args)
}
