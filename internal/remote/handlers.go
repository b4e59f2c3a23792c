package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/peterje/ptyhost/internal/protocol"
)

func withArgs[A any](fn func(ctx context.Context, a A) (any, error)) remoteCall {
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

func noArgs(fn func(ctx context.Context) (any, error)) remoteCall {
	return func(ctx context.Context, _ json.RawMessage) (any, error) { return fn(ctx) }
}

func (s *Server) handlers() map[protocol.Request]remoteCall {
	svc := s.svc
	return map[protocol.Request]remoteCall{
		protocol.RestartPtyHost: noArgs(func(ctx context.Context) (any, error) {
			return nil, svc.RestartPtyHost(ctx)
		}),
		protocol.CreateProcess: withArgs(func(ctx context.Context, a protocol.CreateProcessArgs) (any, error) {
			return s.createProcess(ctx, a)
		}),
		protocol.RequestDetachInstance: withArgs(func(ctx context.Context, a protocol.RequestDetachInstanceArgs) (any, error) {
			return svc.RequestDetachInstance(ctx, a.WorkspaceID, a.InstanceID)
		}),
		protocol.AcceptDetachInstanceReply: withArgs(func(ctx context.Context, a protocol.AcceptDetachInstanceReplyArgs) (any, error) {
			if a.PersistentProcessID != nil {
				s.forget(*a.PersistentProcessID)
			}
			return nil, svc.AcceptDetachInstanceReply(ctx, a.RequestID, a.PersistentProcessID)
		}),
		protocol.AttachToProcess: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			if err := svc.AttachToProcess(ctx, a.ID); err != nil {
				return nil, err
			}
			s.track(ctx, a.ID)
			return nil, nil
		}),
		protocol.DetachFromProcess: withArgs(func(ctx context.Context, a protocol.DetachFromProcessArgs) (any, error) {
			s.untrack(ctx, a.ID)
			return nil, svc.DetachFromProcess(ctx, a.ID, a.ForcePersist)
		}),
		protocol.ListProcesses: noArgs(func(ctx context.Context) (any, error) {
			return svc.ListProcesses(ctx)
		}),
		protocol.GetLatency: noArgs(func(ctx context.Context) (any, error) {
			return svc.GetLatency(ctx)
		}),
		protocol.GetPerformanceMarks: noArgs(func(ctx context.Context) (any, error) {
			return svc.GetPerformanceMarks(ctx)
		}),
		protocol.ReduceConnectionGraceTime: noArgs(func(ctx context.Context) (any, error) {
			return nil, svc.ReduceConnectionGraceTime(ctx)
		}),
		protocol.ProcessBinary: withArgs(func(ctx context.Context, a protocol.InputArgs) (any, error) {
			return nil, svc.ProcessBinary(ctx, a.ID, a.Data)
		}),
		protocol.Start: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			le, err := svc.Start(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return protocol.StartResult{Error: le}, nil
		}),
		protocol.Input: withArgs(func(ctx context.Context, a protocol.InputArgs) (any, error) {
			return nil, svc.Input(ctx, a.ID, a.Data)
		}),
		protocol.SendSignal: withArgs(func(ctx context.Context, a protocol.SendSignalArgs) (any, error) {
			return nil, svc.SendSignal(ctx, a.ID, a.Signal)
		}),
		protocol.AcknowledgeDataEvent: withArgs(func(ctx context.Context, a protocol.AcknowledgeDataArgs) (any, error) {
			return nil, svc.AcknowledgeDataEvent(ctx, a.ID, a.CharCount)
		}),
		protocol.SetUnicodeVersion: withArgs(func(ctx context.Context, a protocol.SetUnicodeVersionArgs) (any, error) {
			return nil, svc.SetUnicodeVersion(ctx, a.ID, a.Version)
		}),
		protocol.Shutdown: withArgs(func(ctx context.Context, a protocol.ShutdownArgs) (any, error) {
			s.untrack(ctx, a.ID)
			return nil, svc.Shutdown(ctx, a.ID, a.Immediate)
		}),
		protocol.Resize: withArgs(func(ctx context.Context, a protocol.ResizeArgs) (any, error) {
			return nil, svc.Resize(ctx, a.ID, a.Cols, a.Rows)
		}),
		protocol.ClearBuffer: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return nil, svc.ClearBuffer(ctx, a.ID)
		}),
		protocol.GetInitialCwd: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return svc.GetInitialCwd(ctx, a.ID)
		}),
		protocol.GetCwd: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			return svc.GetCwd(ctx, a.ID)
		}),
		protocol.OrphanQuestionReply: withArgs(func(ctx context.Context, a protocol.IDArgs) (any, error) {
			s.track(ctx, a.ID)
			return nil, svc.OrphanQuestionReply(ctx, a.ID)
		}),
		protocol.SendCommandResult: withArgs(func(ctx context.Context, a protocol.SendCommandResultArgs) (any, error) {
			s.commands.AcceptReply(a.ReqID, a)
			return nil, nil
		}),
		protocol.FreePortKillProcess: withArgs(func(ctx context.Context, a protocol.FreePortArgs) (any, error) {
			return svc.FreePortKillProcess(ctx, a.Port)
		}),
		protocol.GetDefaultSystemShell: noArgs(func(ctx context.Context) (any, error) {
			return svc.GetDefaultSystemShell(ctx)
		}),
		protocol.GetProfiles: withArgs(func(ctx context.Context, a protocol.GetProfilesArgs) (any, error) {
			return s.getProfiles(ctx, a)
		}),
		protocol.AcceptPtyHostResolvedVars: withArgs(func(ctx context.Context, a protocol.AcceptResolvedVariablesArgs) (any, error) {
			svc.AcceptPtyHostResolvedVariables(a.RequestID, a.Resolved)
			return nil, nil
		}),
		protocol.GetEnvironment: noArgs(func(ctx context.Context) (any, error) {
			return svc.GetEnvironment(ctx)
		}),
		protocol.GetWslPath: withArgs(func(ctx context.Context, a protocol.GetWslPathArgs) (any, error) {
			return svc.GetWslPath(ctx, a.Original, a.Direction)
		}),
		protocol.SetTerminalLayoutInfo: withArgs(func(ctx context.Context, a protocol.SetTerminalLayoutInfoArgs) (any, error) {
			return nil, svc.SetTerminalLayoutInfo(ctx, a)
		}),
		protocol.UpdateTitle: withArgs(func(ctx context.Context, a protocol.UpdateTitleArgs) (any, error) {
			return nil, svc.UpdateTitle(ctx, a.ID, a.Title, a.TitleSource)
		}),
		protocol.UpdateIcon: withArgs(func(ctx context.Context, a protocol.UpdateIconArgs) (any, error) {
			return nil, svc.UpdateIcon(ctx, a)
		}),
		protocol.RefreshProperty: withArgs(func(ctx context.Context, a protocol.RefreshPropertyArgs) (any, error) {
			return svc.RefreshProperty(ctx, a.ID, a.Property)
		}),
		protocol.UpdateProperty: withArgs(func(ctx context.Context, a protocol.UpdatePropertyArgs) (any, error) {
			return nil, svc.UpdateProperty(ctx, a)
		}),
		protocol.GetTerminalLayoutInfo: withArgs(func(ctx context.Context, a protocol.GetTerminalLayoutInfoArgs) (any, error) {
			return svc.GetTerminalLayoutInfo(ctx, a.WorkspaceID)
		}),
		protocol.ReviveTerminalProcesses: withArgs(func(ctx context.Context, a protocol.ReviveTerminalProcessesArgs) (any, error) {
			return nil, svc.ReviveTerminalProcesses(ctx, a)
		}),
		protocol.GetRevivedPtyNewID: withArgs(func(ctx context.Context, a protocol.GetRevivedPtyNewIDArgs) (any, error) {
			return svc.GetRevivedPtyNewID(ctx, a.WorkspaceID, a.ID)
		}),
		protocol.SerializeTerminalState: withArgs(func(ctx context.Context, a protocol.SerializeTerminalStateArgs) (any, error) {
			return svc.SerializeTerminalState(ctx, a.IDs)
		}),
		protocol.InstallAutoReply: withArgs(func(ctx context.Context, a protocol.InstallAutoReplyArgs) (any, error) {
			return nil, svc.InstallAutoReply(ctx, a.Match, a.Reply)
		}),
		protocol.UninstallAllAutoReplies: noArgs(func(ctx context.Context) (any, error) {
			return nil, svc.UninstallAllAutoReplies(ctx)
		}),
	}
}
