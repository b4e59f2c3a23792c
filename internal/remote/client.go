// Package remote implements both ends of the remote terminal channel: the
// workbench-side client that enriches and issues requests, and the server
// that dispatches them to the pty host supervisor.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/variables"
)

// Workspace identifies the window a client belongs to.
type Workspace interface {
	ID() string
	Name() string
	Folders() []protocol.WorkspaceFolder
	// ActiveFolder is the folder new terminals start in, or nil.
	ActiveFolder() *protocol.WorkspaceFolder
}

// Editor reports the resource open in the active editor as a URI, or "".
type Editor interface {
	ActiveResource() string
}

// Resolver resolves a single variable expression such as "config:editor.tabSize"
// or "env:HOME" in the scope of a workspace folder.
type Resolver interface {
	ResolveVariable(ctx context.Context, folder *protocol.WorkspaceFolder, expr string) (string, error)
}

// Configuration provides the terminal settings once they are available.
type Configuration interface {
	WhenRemoteConfigurationLoaded(ctx context.Context) error
	TerminalConfiguration() protocol.TerminalConfiguration
}

// EnvironmentCollections lists the environment contributions of every
// extension, in registration order.
type EnvironmentCollections interface {
	Collections() []protocol.EnvVarCollection
}

// AuthorityResolver returns the environment override of the remote
// authority, if any.
type AuthorityResolver interface {
	ExtensionHostEnv(ctx context.Context) (map[string]string, error)
}

// Deps are the collaborators a Client needs. Editor, Collections and
// Authority may be nil.
type Deps struct {
	Workspace   Workspace
	Editor      Editor
	Resolver    Resolver
	Config      Configuration
	Collections EnvironmentCollections
	Authority   AuthorityResolver
	Logger      *zap.Logger
}

// Client is the workbench side of the remote terminal channel.
type Client struct {
	ch   ipc.Channel
	deps Deps
	log  *zap.Logger
}

// NewClient wraps a channel connected to a remote terminal server.
func NewClient(ch ipc.Channel, deps Deps) *Client {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{ch: ch, deps: deps, log: log.Named("remote-client")}
}

// transmittedVariable matches the variables only the workbench can
// resolve. Everything else is resolved by the server.
var transmittedVariable = regexp.MustCompile(`^(config:.+|selectedText|lineNumber)$`)

// allowedResourceSchemes are the active file schemes the server can map
// to a path.
var allowedResourceSchemes = map[string]bool{
	"file":            true,
	"vscode-userdata": true,
	"vscode-remote":   true,
}

// CreateProcess creates a terminal on the server and returns its
// persistent id. The process is spawned by Start.
func (c *Client) CreateProcess(ctx context.Context, slc protocol.ShellLaunchConfig, cols, rows int, unicodeVersion string, options protocol.ProcessOptions, shouldPersist bool) (*protocol.CreateProcessResult, error) {
	if err := c.deps.Config.WhenRemoteConfigurationLoaded(ctx); err != nil {
		return nil, fmt.Errorf("wait for configuration: %w", err)
	}
	cfg := c.deps.Config.TerminalConfiguration()
	folder := c.deps.Workspace.ActiveFolder()

	resolved := c.resolveVariables(ctx, folder, slc, cfg)

	collections := []protocol.EnvVarCollection{}
	if c.deps.Collections != nil {
		collections = append(collections, c.deps.Collections.Collections()...)
	}

	var resolverEnv map[string]string
	if c.deps.Authority != nil {
		env, err := c.deps.Authority.ExtensionHostEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve remote authority: %w", err)
		}
		resolverEnv = env
	}

	args := protocol.CreateProcessArgs{
		Configuration:          cfg,
		ResolvedVariables:      resolved,
		EnvVariableCollections: collections,
		ShellLaunchConfig:      slc,
		WorkspaceID:            c.deps.Workspace.ID(),
		WorkspaceName:          c.deps.Workspace.Name(),
		WorkspaceFolders:       c.deps.Workspace.Folders(),
		ActiveWorkspaceFolder:  folder,
		ActiveFileResource:     c.activeFileResource(),
		ShouldPersistTerminal:  shouldPersist,
		Options:                options,
		Cols:                   cols,
		Rows:                   rows,
		UnicodeVersion:         unicodeVersion,
		ResolverEnv:            resolverEnv,
	}
	var result protocol.CreateProcessResult
	if err := c.call(ctx, protocol.CreateProcess, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// resolveVariables resolves the variables referenced by the launch config
// and terminal env settings. A failure stops resolution but keeps what was
// resolved so far.
func (c *Client) resolveVariables(ctx context.Context, folder *protocol.WorkspaceFolder, slc protocol.ShellLaunchConfig, cfg protocol.TerminalConfiguration) map[string]string {
	texts := []string{slc.Name, slc.Executable, slc.Cwd}
	texts = append(texts, slc.Args...)
	names := variables.Find(texts...)
	names = append(names, variables.FindInMap(slc.Env)...)
	names = append(names, variables.FindInMap(cfg.EnvLinux)...)

	resolved := make(map[string]string)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		value, err := c.deps.Resolver.ResolveVariable(ctx, folder, name)
		if err != nil {
			c.log.Error("could not resolve terminal variables", zap.String("variable", name), zap.Error(err))
			break
		}
		resolved[name] = value
	}
	return filterTransmitted(resolved)
}

func filterTransmitted(resolved map[string]string) map[string]string {
	out := make(map[string]string, len(resolved))
	for name, value := range resolved {
		if transmittedVariable.MatchString(name) {
			out[name] = value
		}
	}
	return out
}

func (c *Client) activeFileResource() string {
	if c.deps.Editor == nil {
		return ""
	}
	res := c.deps.Editor.ActiveResource()
	if res == "" {
		return ""
	}
	u, err := url.Parse(res)
	if err != nil || !allowedResourceSchemes[u.Scheme] {
		return ""
	}
	return res
}

// ServeVariableRequests answers the pty host's requests to resolve
// variables for this workspace until the returned function is called.
func (c *Client) ServeVariableRequests(ctx context.Context) func() {
	return c.OnPtyHostRequestResolveVariables(func(req protocol.ResolveVariablesRequest) {
		if req.WorkspaceID != c.deps.Workspace.ID() {
			return
		}
		// Replying from the listener would block the channel's read loop.
		go func() {
			folder := c.deps.Workspace.ActiveFolder()
			out := make([]string, len(req.OriginalText))
			for i, text := range req.OriginalText {
				out[i] = variables.Replace(text, func(expr string) (string, bool) {
					v, err := c.deps.Resolver.ResolveVariable(ctx, folder, expr)
					if err != nil {
						c.log.Warn("could not resolve variable", zap.String("variable", expr), zap.Error(err))
						return "", false
					}
					return v, true
				})
			}
			if err := c.AcceptPtyHostResolvedVariables(ctx, req.RequestID, out); err != nil {
				c.log.Warn("could not send resolved variables", zap.Int("requestId", req.RequestID), zap.Error(err))
			}
		}()
	})
}

func (c *Client) call(ctx context.Context, req protocol.Request, arg, reply any) error {
	if err := c.ch.Call(ctx, string(req), arg, reply); err != nil {
		return fmt.Errorf("%s: %w", req, err)
	}
	return nil
}

func (c *Client) RestartPtyHost(ctx context.Context) error {
	return c.call(ctx, protocol.RestartPtyHost, nil, nil)
}

func (c *Client) RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (*protocol.ProcessDetails, error) {
	var out *protocol.ProcessDetails
	err := c.call(ctx, protocol.RequestDetachInstance, protocol.RequestDetachInstanceArgs{WorkspaceID: workspaceID, InstanceID: instanceID}, &out)
	return out, err
}

func (c *Client) AcceptDetachInstanceReply(ctx context.Context, requestID int, persistentProcessID *int) error {
	return c.call(ctx, protocol.AcceptDetachInstanceReply, protocol.AcceptDetachInstanceReplyArgs{RequestID: requestID, PersistentProcessID: persistentProcessID}, nil)
}

func (c *Client) AttachToProcess(ctx context.Context, id int) error {
	return c.call(ctx, protocol.AttachToProcess, protocol.IDArgs{ID: id}, nil)
}

func (c *Client) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	return c.call(ctx, protocol.DetachFromProcess, protocol.DetachFromProcessArgs{ID: id, ForcePersist: forcePersist}, nil)
}

func (c *Client) ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error) {
	var out []protocol.ProcessDetails
	err := c.call(ctx, protocol.ListProcesses, nil, &out)
	return out, err
}

func (c *Client) GetLatency(ctx context.Context) ([]protocol.LatencyMeasurement, error) {
	var out []protocol.LatencyMeasurement
	err := c.call(ctx, protocol.GetLatency, nil, &out)
	return out, err
}

func (c *Client) GetPerformanceMarks(ctx context.Context) ([]protocol.PerformanceMark, error) {
	var out []protocol.PerformanceMark
	err := c.call(ctx, protocol.GetPerformanceMarks, nil, &out)
	return out, err
}

func (c *Client) ReduceConnectionGraceTime(ctx context.Context) error {
	return c.call(ctx, protocol.ReduceConnectionGraceTime, nil, nil)
}

func (c *Client) ProcessBinary(ctx context.Context, id int, data string) error {
	return c.call(ctx, protocol.ProcessBinary, protocol.InputArgs{ID: id, Data: data}, nil)
}

// Start spawns a created process. A non-nil LaunchError means it could
// not be started.
func (c *Client) Start(ctx context.Context, id int) (*protocol.LaunchError, error) {
	var out protocol.StartResult
	if err := c.call(ctx, protocol.Start, protocol.IDArgs{ID: id}, &out); err != nil {
		return nil, err
	}
	return out.Error, nil
}

func (c *Client) Input(ctx context.Context, id int, data string) error {
	return c.call(ctx, protocol.Input, protocol.InputArgs{ID: id, Data: data}, nil)
}

func (c *Client) SendSignal(ctx context.Context, id int, signal string) error {
	return c.call(ctx, protocol.SendSignal, protocol.SendSignalArgs{ID: id, Signal: signal}, nil)
}

func (c *Client) AcknowledgeDataEvent(ctx context.Context, id, charCount int) error {
	return c.call(ctx, protocol.AcknowledgeDataEvent, protocol.AcknowledgeDataArgs{ID: id, CharCount: charCount}, nil)
}

func (c *Client) SetUnicodeVersion(ctx context.Context, id int, version string) error {
	return c.call(ctx, protocol.SetUnicodeVersion, protocol.SetUnicodeVersionArgs{ID: id, Version: version}, nil)
}

func (c *Client) Shutdown(ctx context.Context, id int, immediate bool) error {
	return c.call(ctx, protocol.Shutdown, protocol.ShutdownArgs{ID: id, Immediate: immediate}, nil)
}

func (c *Client) Resize(ctx context.Context, id, cols, rows int) error {
	return c.call(ctx, protocol.Resize, protocol.ResizeArgs{ID: id, Cols: cols, Rows: rows}, nil)
}

func (c *Client) ClearBuffer(ctx context.Context, id int) error {
	return c.call(ctx, protocol.ClearBuffer, protocol.IDArgs{ID: id}, nil)
}

func (c *Client) GetInitialCwd(ctx context.Context, id int) (string, error) {
	var out string
	err := c.call(ctx, protocol.GetInitialCwd, protocol.IDArgs{ID: id}, &out)
	return out, err
}

func (c *Client) GetCwd(ctx context.Context, id int) (string, error) {
	var out string
	err := c.call(ctx, protocol.GetCwd, protocol.IDArgs{ID: id}, &out)
	return out, err
}

func (c *Client) OrphanQuestionReply(ctx context.Context, id int) error {
	return c.call(ctx, protocol.OrphanQuestionReply, protocol.IDArgs{ID: id}, nil)
}

// SendCommandResult answers an $onExecuteCommand event.
func (c *Client) SendCommandResult(ctx context.Context, reqID int, isError bool, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode command result: %w", err)
	}
	return c.call(ctx, protocol.SendCommandResult, protocol.SendCommandResultArgs{ReqID: reqID, IsError: isError, Payload: raw}, nil)
}

func (c *Client) FreePortKillProcess(ctx context.Context, port string) (protocol.FreePortResult, error) {
	var out protocol.FreePortResult
	err := c.call(ctx, protocol.FreePortKillProcess, protocol.FreePortArgs{Port: port}, &out)
	return out, err
}

func (c *Client) GetDefaultSystemShell(ctx context.Context) (string, error) {
	var out string
	err := c.call(ctx, protocol.GetDefaultSystemShell, nil, &out)
	return out, err
}

// GetProfiles lists the launchable profiles of this workspace.
func (c *Client) GetProfiles(ctx context.Context, profiles map[string]protocol.TerminalProfileConfig, defaultProfile string, includeDetected bool) ([]protocol.TerminalProfile, error) {
	var out []protocol.TerminalProfile
	err := c.call(ctx, protocol.GetProfiles, protocol.GetProfilesArgs{
		WorkspaceID:             c.deps.Workspace.ID(),
		Profiles:                profiles,
		DefaultProfile:          defaultProfile,
		IncludeDetectedProfiles: includeDetected,
	}, &out)
	return out, err
}

func (c *Client) AcceptPtyHostResolvedVariables(ctx context.Context, requestID int, resolved []string) error {
	return c.call(ctx, protocol.AcceptPtyHostResolvedVars, protocol.AcceptResolvedVariablesArgs{RequestID: requestID, Resolved: resolved}, nil)
}

func (c *Client) GetEnvironment(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.call(ctx, protocol.GetEnvironment, nil, &out)
	return out, err
}

func (c *Client) GetWslPath(ctx context.Context, original, direction string) (string, error) {
	var out string
	err := c.call(ctx, protocol.GetWslPath, protocol.GetWslPathArgs{Original: original, Direction: direction}, &out)
	return out, err
}

// SetTerminalLayoutInfo stores the layout of this workspace.
func (c *Client) SetTerminalLayoutInfo(ctx context.Context, layout protocol.TerminalsLayoutInfoByID) error {
	return c.call(ctx, protocol.SetTerminalLayoutInfo, protocol.SetTerminalLayoutInfoArgs{
		WorkspaceID: c.deps.Workspace.ID(),
		Tabs:        layout.Tabs,
		Background:  layout.Background,
	}, nil)
}

// GetTerminalLayoutInfo returns the stored layout of this workspace
// expanded to live processes, or nil if none was stored.
func (c *Client) GetTerminalLayoutInfo(ctx context.Context) (*protocol.TerminalsLayoutInfo, error) {
	var out *protocol.TerminalsLayoutInfo
	err := c.call(ctx, protocol.GetTerminalLayoutInfo, protocol.GetTerminalLayoutInfoArgs{WorkspaceID: c.deps.Workspace.ID()}, &out)
	return out, err
}

func (c *Client) UpdateTitle(ctx context.Context, id int, title, titleSource string) error {
	return c.call(ctx, protocol.UpdateTitle, protocol.UpdateTitleArgs{ID: id, Title: title, TitleSource: titleSource}, nil)
}

func (c *Client) UpdateIcon(ctx context.Context, args protocol.UpdateIconArgs) error {
	return c.call(ctx, protocol.UpdateIcon, args, nil)
}

// RefreshProperty returns the current value of a property as JSON.
func (c *Client) RefreshProperty(ctx context.Context, id int, property protocol.PropertyType) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, protocol.RefreshProperty, protocol.RefreshPropertyArgs{ID: id, Property: property}, &out)
	return out, err
}

func (c *Client) UpdateProperty(ctx context.Context, id int, property protocol.PropertyType, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode property %s: %w", property, err)
	}
	return c.call(ctx, protocol.UpdateProperty, protocol.UpdatePropertyArgs{ID: id, Property: property, Value: raw}, nil)
}

// ReviveTerminalProcesses recreates serialized terminals in this workspace.
func (c *Client) ReviveTerminalProcesses(ctx context.Context, state []protocol.SerializedProcess, dateTimeFormatLocale string) error {
	return c.call(ctx, protocol.ReviveTerminalProcesses, protocol.ReviveTerminalProcessesArgs{
		WorkspaceID:          c.deps.Workspace.ID(),
		State:                state,
		DateTimeFormatLocale: dateTimeFormatLocale,
	}, nil)
}

func (c *Client) GetRevivedPtyNewID(ctx context.Context, oldID int) (*int, error) {
	var out *int
	err := c.call(ctx, protocol.GetRevivedPtyNewID, protocol.GetRevivedPtyNewIDArgs{WorkspaceID: c.deps.Workspace.ID(), ID: oldID}, &out)
	return out, err
}

func (c *Client) SerializeTerminalState(ctx context.Context, ids []int) (string, error) {
	var out string
	err := c.call(ctx, protocol.SerializeTerminalState, protocol.SerializeTerminalStateArgs{IDs: ids}, &out)
	return out, err
}

func (c *Client) InstallAutoReply(ctx context.Context, match, reply string) error {
	return c.call(ctx, protocol.InstallAutoReply, protocol.InstallAutoReplyArgs{Match: match, Reply: reply}, nil)
}

func (c *Client) UninstallAllAutoReplies(ctx context.Context) error {
	return c.call(ctx, protocol.UninstallAllAutoReplies, nil, nil)
}

func listen[T any](c *Client, ev protocol.Event, fn func(T)) func() {
	return c.ch.Listen(string(ev), func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			c.log.Warn("dropping malformed event", zap.String("event", string(ev)), zap.Error(err))
			return
		}
		fn(v)
	})
}

func listenSignal(c *Client, ev protocol.Event, fn func()) func() {
	return c.ch.Listen(string(ev), func(json.RawMessage) { fn() })
}

func (c *Client) OnPtyHostExit(fn func(code int)) func() {
	return listen(c, protocol.OnPtyHostExitEvent, fn)
}

func (c *Client) OnPtyHostStart(fn func()) func() {
	return listenSignal(c, protocol.OnPtyHostStartEvent, fn)
}

func (c *Client) OnPtyHostUnresponsive(fn func()) func() {
	return listenSignal(c, protocol.OnPtyHostUnresponsiveEvent, fn)
}

func (c *Client) OnPtyHostResponsive(fn func()) func() {
	return listenSignal(c, protocol.OnPtyHostResponsiveEvent, fn)
}

func (c *Client) OnPtyHostRequestResolveVariables(fn func(protocol.ResolveVariablesRequest)) func() {
	return listen(c, protocol.OnPtyHostRequestResolveVariablesEvent, fn)
}

func (c *Client) OnProcessData(fn func(protocol.ProcessDataEvent)) func() {
	return listen(c, protocol.OnProcessDataEvent, fn)
}

func (c *Client) OnProcessExit(fn func(protocol.ProcessExitEvent)) func() {
	return listen(c, protocol.OnProcessExitEvent, fn)
}

func (c *Client) OnProcessReady(fn func(protocol.ProcessReadyEvent)) func() {
	return listen(c, protocol.OnProcessReadyEvent, fn)
}

func (c *Client) OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func() {
	return listen(c, protocol.OnProcessReplayEvent, fn)
}

func (c *Client) OnProcessOrphanQuestion(fn func(protocol.OrphanQuestionEvent)) func() {
	return listen(c, protocol.OnProcessOrphanQuestion, fn)
}

func (c *Client) OnExecuteCommand(fn func(protocol.ExecuteCommandEvent)) func() {
	return listen(c, protocol.OnExecuteCommand, fn)
}

func (c *Client) OnDidRequestDetach(fn func(protocol.DetachRequestEvent)) func() {
	return listen(c, protocol.OnDidRequestDetach, fn)
}

func (c *Client) OnDidChangeProperty(fn func(protocol.PropertyChangeEvent)) func() {
	return listen(c, protocol.OnDidChangeProperty, fn)
}
