package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/peterje/ptyhost/internal/protocol"
)

type hostCall func(ctx context.Context, arg json.RawMessage) (any, error)

func withArgs[A any](fn func(ctx context.Context, a A) (any, error)) hostCall {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		return fn(ctx, a)
	}
}

func noArgs(fn func(ctx context.Context) (any, error)) hostCall {
	return func(ctx context.Context, _ json.RawMessage) (any, error) { return fn(ctx) }
}

func (s *Service) handlers() map[protocol.HostMethod]hostCall {
	return map[protocol.HostMethod]hostCall{
		protocol.HostCreateProcess: withArgs(func(ctx context.Context, a protocol.HostCreateProcessArgs) (any, error) {
			return s.CreateProcess(ctx, a)
		}),
		protocol.HostStart: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			le, err := s.Start(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return protocol.StartResult{Error: le}, nil
		}),
		protocol.HostInput: withArgs(func(ctx context.Context, a protocol.InputArgs) (any, error) {
			return nil, s.Input(ctx, a.ID, a.Data)
		}),
		protocol.HostProcessBinary: withArgs(func(ctx context.Context, a protocol.InputArgs) (any, error) {
			return nil, s.ProcessBinary(ctx, a.ID, a.Data)
		}),
		protocol.HostSendSignal: withArgs(func(ctx context.Context, a protocol.SendSignalArgs) (any, error) {
			return nil, s.SendSignal(ctx, a.ID, a.Signal)
		}),
		protocol.HostResize: withArgs(func(ctx context.Context, a protocol.ResizeArgs) (any, error) {
			return nil, s.Resize(ctx, a.ID, a.Cols, a.Rows)
		}),
		protocol.HostClearBuffer: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return nil, s.ClearBuffer(ctx, a.ID)
		}),
		protocol.HostShutdown: withArgs(func(ctx context.Context, a protocol.ShutdownArgs) (any, error) {
			return nil, s.Shutdown(ctx, a.ID, a.Immediate)
		}),
		protocol.HostShutdownAll: noArgs(func(ctx context.Context) (any, error) {
			return nil, s.ShutdownAll(ctx)
		}),
		protocol.HostAcknowledgeDataEvent: withArgs(func(ctx context.Context, a protocol.AcknowledgeDataArgs) (any, error) {
			return nil, s.AcknowledgeDataEvent(ctx, a.ID, a.CharCount)
		}),
		protocol.HostSetUnicodeVersion: withArgs(func(ctx context.Context, a protocol.SetUnicodeVersionArgs) (any, error) {
			return nil, s.SetUnicodeVersion(ctx, a.ID, a.Version)
		}),
		protocol.HostAttachToProcess: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return nil, s.AttachToProcess(ctx, a.ID)
		}),
		protocol.HostDetachFromProcess: withArgs(func(ctx context.Context, a protocol.DetachFromProcessArgs) (any, error) {
			return nil, s.DetachFromProcess(ctx, a.ID, a.ForcePersist)
		}),
		protocol.HostListProcesses: noArgs(func(ctx context.Context) (any, error) {
			return s.ListProcesses(ctx)
		}),
		protocol.HostGetLatency: noArgs(func(ctx context.Context) (any, error) {
			return s.GetLatency(ctx)
		}),
		protocol.HostGetPerformanceMarks: noArgs(func(ctx context.Context) (any, error) {
			return s.GetPerformanceMarks(ctx)
		}),
		protocol.HostReduceConnectionGraceTime: noArgs(func(ctx context.Context) (any, error) {
			return nil, s.ReduceConnectionGraceTime(ctx)
		}),
		protocol.HostOrphanQuestionReply: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return nil, s.OrphanQuestionReply(ctx, a.ID)
		}),
		protocol.HostRequestDetachInstance: withArgs(func(ctx context.Context, a protocol.RequestDetachInstanceArgs) (any, error) {
			return s.RequestDetachInstance(ctx, a.WorkspaceID, a.InstanceID)
		}),
		protocol.HostAcceptDetachInstanceReply: withArgs(func(ctx context.Context, a protocol.AcceptDetachInstanceReplyArgs) (any, error) {
			return nil, s.AcceptDetachInstanceReply(ctx, a.RequestID, a.PersistentProcessID)
		}),
		protocol.HostGetInitialCwd: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return s.GetInitialCwd(ctx, a.ID)
		}),
		protocol.HostGetCwd: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return s.GetCwd(ctx, a.ID)
		}),
		protocol.HostFreePortKillProcess: withArgs(func(ctx context.Context, a protocol.FreePortArgs) (any, error) {
			return s.FreePortKillProcess(ctx, a.Port)
		}),
		protocol.HostGetDefaultSystemShell: noArgs(func(ctx context.Context) (any, error) {
			return s.GetDefaultSystemShell(ctx)
		}),
		protocol.HostGetProfiles: withArgs(func(ctx context.Context, a protocol.GetProfilesArgs) (any, error) {
			return s.GetProfiles(ctx, a)
		}),
		protocol.HostGetEnvironment: noArgs(func(ctx context.Context) (any, error) {
			return s.GetEnvironment(ctx)
		}),
		protocol.HostGetWslPath: withArgs(func(ctx context.Context, a protocol.GetWslPathArgs) (any, error) {
			return s.GetWslPath(ctx, a.Original, a.Direction)
		}),
		protocol.HostSetTerminalLayoutInfo: withArgs(func(ctx context.Context, a protocol.SetTerminalLayoutInfoArgs) (any, error) {
			return nil, s.SetTerminalLayoutInfo(ctx, a)
		}),
		protocol.HostGetTerminalLayoutInfo: withArgs(func(ctx context.Context, a protocol.GetTerminalLayoutInfoArgs) (any, error) {
			return s.GetTerminalLayoutInfo(ctx, a.WorkspaceID)
		}),
		protocol.HostUpdateTitle: withArgs(func(ctx context.Context, a protocol.UpdateTitleArgs) (any, error) {
			return nil, s.UpdateTitle(ctx, a.ID, a.Title, a.TitleSource)
		}),
		protocol.HostUpdateIcon: withArgs(func(ctx context.Context, a protocol.UpdateIconArgs) (any, error) {
			return nil, s.UpdateIcon(ctx, a)
		}),
		protocol.HostRefreshProperty: withArgs(func(ctx context.Context, a protocol.RefreshPropertyArgs) (any, error) {
			return s.RefreshProperty(ctx, a.ID, a.Property)
		}),
		protocol.HostUpdateProperty: withArgs(func(ctx context.Context, a protocol.UpdatePropertyArgs) (any, error) {
			return nil, s.UpdateProperty(ctx, a)
		}),
		protocol.HostSerializeTerminalState: withArgs(func(ctx context.Context, a protocol.SerializeTerminalStateArgs) (any, error) {
			return s.SerializeTerminalState(ctx, a.IDs)
		}),
		protocol.HostReviveTerminalProcesses: withArgs(func(ctx context.Context, a protocol.ReviveTerminalProcessesArgs) (any, error) {
			return nil, s.ReviveTerminalProcesses(ctx, a)
		}),
		protocol.HostGetRevivedPtyNewID: withArgs(func(ctx context.Context, a protocol.GetRevivedPtyNewIDArgs) (any, error) {
			return s.GetRevivedPtyNewID(ctx, a.WorkspaceID, a.ID)
		}),
		protocol.HostInstallAutoReply: withArgs(func(ctx context.Context, a protocol.InstallAutoReplyArgs) (any, error) {
			return nil, s.InstallAutoReply(ctx, a.Match, a.Reply)
		}),
		protocol.HostUninstallAllAutoReplies: noArgs(func(ctx context.Context) (any, error) {
			return nil, s.UninstallAllAutoReplies(ctx)
		}),
		protocol.HostSetIgnoreProcessNames: withArgs(func(ctx context.Context, a protocol.SetIgnoreProcessNamesArgs) (any, error) {
			return nil, s.SetIgnoreProcessNames(ctx, a.Names)
		}),
	}
}

// Handle serves a supervisor call. It is an ipc.Handler.
func (s *Service) Handle(ctx context.Context, command string, arg json.RawMessage) (any, error) {
	h, ok := s.table[protocol.HostMethod(command)]
	if !ok {
		return nil, fmt.Errorf("unknown pty host method %q", command)
	}
	return h(ctx, arg)
}
