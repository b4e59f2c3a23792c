package ptyhost

import (
	"context"
	"encoding/json"

	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
)

// Proxy is the typed surface of a live pty host.
type Proxy struct {
	ch ipc.Channel
}

// NewProxy wraps a channel to a pty host.
func NewProxy(ch ipc.Channel) *Proxy {
	return &Proxy{ch: ch}
}

func (p *Proxy) call(ctx context.Context, m protocol.HostMethod, arg, reply any) error {
	return p.ch.Call(ctx, string(m), arg, reply)
}

func (p *Proxy) CreateProcess(ctx context.Context, args protocol.HostCreateProcessArgs) (int, error) {
	var id int
	err := p.call(ctx, protocol.HostCreateProcess, args, &id)
	return id, err
}

func (p *Proxy) Start(ctx context.Context, id int) (*protocol.LaunchError, error) {
	var res protocol.StartResult
	if err := p.call(ctx, protocol.HostStart, protocol.IDArgs{ID: id}, &res); err != nil {
		return nil, err
	}
	return res.Error, nil
}

func (p *Proxy) Input(ctx context.Context, id int, data string) error {
	return p.call(ctx, protocol.HostInput, protocol.InputArgs{ID: id, Data: data}, nil)
}

func (p *Proxy) ProcessBinary(ctx context.Context, id int, data string) error {
	return p.call(ctx, protocol.HostProcessBinary, protocol.InputArgs{ID: id, Data: data}, nil)
}

func (p *Proxy) SendSignal(ctx context.Context, id int, signal string) error {
	return p.call(ctx, protocol.HostSendSignal, protocol.SendSignalArgs{ID: id, Signal: signal}, nil)
}

func (p *Proxy) Resize(ctx context.Context, id, cols, rows int) error {
	return p.call(ctx, protocol.HostResize, protocol.ResizeArgs{ID: id, Cols: cols, Rows: rows}, nil)
}

func (p *Proxy) ClearBuffer(ctx context.Context, id int) error {
	return p.call(ctx, protocol.HostClearBuffer, protocol.IDArgs{ID: id}, nil)
}

func (p *Proxy) Shutdown(ctx context.Context, id int, immediate bool) error {
	return p.call(ctx, protocol.HostShutdown, protocol.ShutdownArgs{ID: id, Immediate: immediate}, nil)
}

func (p *Proxy) ShutdownAll(ctx context.Context) error {
	return p.call(ctx, protocol.HostShutdownAll, nil, nil)
}

func (p *Proxy) AcknowledgeDataEvent(ctx context.Context, id, charCount int) error {
	return p.call(ctx, protocol.HostAcknowledgeDataEvent, protocol.AcknowledgeDataArgs{ID: id, CharCount: charCount}, nil)
}

func (p *Proxy) SetUnicodeVersion(ctx context.Context, id int, version string) error {
	return p.call(ctx, protocol.HostSetUnicodeVersion, protocol.SetUnicodeVersionArgs{ID: id, Version: version}, nil)
}

func (p *Proxy) AttachToProcess(ctx context.Context, id int) error {
	return p.call(ctx, protocol.HostAttachToProcess, protocol.IDArgs{ID: id}, nil)
}

func (p *Proxy) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	return p.call(ctx, protocol.HostDetachFromProcess, protocol.DetachFromProcessArgs{ID: id, ForcePersist: forcePersist}, nil)
}

func (p *Proxy) ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error) {
	var out []protocol.ProcessDetails
	err := p.call(ctx, protocol.HostListProcesses, nil, &out)
	return out, err
}

func (p *Proxy) GetLatency(ctx context.Context) ([]protocol.LatencyMeasurement, error) {
	var out []protocol.LatencyMeasurement
	err := p.call(ctx, protocol.HostGetLatency, nil, &out)
	return out, err
}

func (p *Proxy) GetPerformanceMarks(ctx context.Context) ([]protocol.PerformanceMark, error) {
	var out []protocol.PerformanceMark
	err := p.call(ctx, protocol.HostGetPerformanceMarks, nil, &out)
	return out, err
}

func (p *Proxy) ReduceConnectionGraceTime(ctx context.Context) error {
	return p.call(ctx, protocol.HostReduceConnectionGraceTime, nil, nil)
}

func (p *Proxy) OrphanQuestionReply(ctx context.Context, id int) error {
	return p.call(ctx, protocol.HostOrphanQuestionReply, protocol.IDArgs{ID: id}, nil)
}

func (p *Proxy) RequestDetachInstance(ctx context.Context, workspaceID string, instanceID int) (*protocol.ProcessDetails, error) {
	var out *protocol.ProcessDetails
	err := p.call(ctx, protocol.HostRequestDetachInstance,
		protocol.RequestDetachInstanceArgs{WorkspaceID: workspaceID, InstanceID: instanceID}, &out)
	return out, err
}

func (p *Proxy) AcceptDetachInstanceReply(ctx context.Context, requestID int, persistentProcessID *int) error {
	return p.call(ctx, protocol.HostAcceptDetachInstanceReply,
		protocol.AcceptDetachInstanceReplyArgs{RequestID: requestID, PersistentProcessID: persistentProcessID}, nil)
}

func (p *Proxy) GetInitialCwd(ctx context.Context, id int) (string, error) {
	var out string
	err := p.call(ctx, protocol.HostGetInitialCwd, protocol.IDArgs{ID: id}, &out)
	return out, err
}

func (p *Proxy) GetCwd(ctx context.Context, id int) (string, error) {
	var out string
	err := p.call(ctx, protocol.HostGetCwd, protocol.IDArgs{ID: id}, &out)
	return out, err
}

func (p *Proxy) FreePortKillProcess(ctx context.Context, port string) (protocol.FreePortResult, error) {
	var out protocol.FreePortResult
	err := p.call(ctx, protocol.HostFreePortKillProcess, protocol.FreePortArgs{Port: port}, &out)
	return out, err
}

func (p *Proxy) GetDefaultSystemShell(ctx context.Context) (string, error) {
	var out string
	err := p.call(ctx, protocol.HostGetDefaultSystemShell, nil, &out)
	return out, err
}

func (p *Proxy) GetProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error) {
	var out []protocol.TerminalProfile
	err := p.call(ctx, protocol.HostGetProfiles, args, &out)
	return out, err
}

func (p *Proxy) GetEnvironment(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := p.call(ctx, protocol.HostGetEnvironment, nil, &out)
	return out, err
}

func (p *Proxy) GetWslPath(ctx context.Context, original, direction string) (string, error) {
	var out string
	err := p.call(ctx, protocol.HostGetWslPath, protocol.GetWslPathArgs{Original: original, Direction: direction}, &out)
	return out, err
}

func (p *Proxy) SetTerminalLayoutInfo(ctx context.Context, args protocol.SetTerminalLayoutInfoArgs) error {
	return p.call(ctx, protocol.HostSetTerminalLayoutInfo, args, nil)
}

func (p *Proxy) GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*protocol.TerminalsLayoutInfo, error) {
	var out *protocol.TerminalsLayoutInfo
	err := p.call(ctx, protocol.HostGetTerminalLayoutInfo, protocol.GetTerminalLayoutInfoArgs{WorkspaceID: workspaceID}, &out)
	return out, err
}

func (p *Proxy) UpdateTitle(ctx context.Context, id int, title, titleSource string) error {
	return p.call(ctx, protocol.HostUpdateTitle, protocol.UpdateTitleArgs{ID: id, Title: title, TitleSource: titleSource}, nil)
}

func (p *Proxy) UpdateIcon(ctx context.Context, args protocol.UpdateIconArgs) error {
	return p.call(ctx, protocol.HostUpdateIcon, args, nil)
}

func (p *Proxy) RefreshProperty(ctx context.Context, id int, property protocol.PropertyType) (json.RawMessage, error) {
	var out json.RawMessage
	err := p.call(ctx, protocol.HostRefreshProperty, protocol.RefreshPropertyArgs{ID: id, Property: property}, &out)
	return out, err
}

func (p *Proxy) UpdateProperty(ctx context.Context, args protocol.UpdatePropertyArgs) error {
	return p.call(ctx, protocol.HostUpdateProperty, args, nil)
}

func (p *Proxy) SerializeTerminalState(ctx context.Context, ids []int) (string, error) {
	var out string
	err := p.call(ctx, protocol.HostSerializeTerminalState, protocol.SerializeTerminalStateArgs{IDs: ids}, &out)
	return out, err
}

func (p *Proxy) ReviveTerminalProcesses(ctx context.Context, args protocol.ReviveTerminalProcessesArgs) error {
	return p.call(ctx, protocol.HostReviveTerminalProcesses, args, nil)
}

// GetRevivedPtyNewID returns nil when oldID was not revived in workspaceID.
func (p *Proxy) GetRevivedPtyNewID(ctx context.Context, workspaceID string, oldID int) (*int, error) {
	var out *int
	err := p.call(ctx, protocol.HostGetRevivedPtyNewID, protocol.GetRevivedPtyNewIDArgs{WorkspaceID: workspaceID, ID: oldID}, &out)
	return out, err
}

func (p *Proxy) InstallAutoReply(ctx context.Context, match, reply string) error {
	return p.call(ctx, protocol.HostInstallAutoReply, protocol.InstallAutoReplyArgs{Match: match, Reply: reply}, nil)
}

func (p *Proxy) UninstallAllAutoReplies(ctx context.Context) error {
	return p.call(ctx, protocol.HostUninstallAllAutoReplies, nil, nil)
}

func (p *Proxy) SetIgnoreProcessNames(ctx context.Context, names []string) error {
	return p.call(ctx, protocol.HostSetIgnoreProcessNames, protocol.SetIgnoreProcessNamesArgs{Names: names}, nil)
}
