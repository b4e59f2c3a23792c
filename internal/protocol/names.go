// Package protocol defines the remote terminal channel contract: the exact
// request and event identifiers exchanged between a workbench and the
// server, the method names spoken between the supervisor and the pty host,
// and the payload shapes both sides agree on.
package protocol

// Request names a workbench-to-server call.
type Request string

const (
	RestartPtyHost            Request = "$restartPtyHost"
	CreateProcess             Request = "$createProcess"
	RequestDetachInstance     Request = "$requestDetachInstance"
	AcceptDetachInstanceReply Request = "$acceptDetachInstanceReply"
	AttachToProcess           Request = "$attachToProcess"
	DetachFromProcess         Request = "$detachFromProcess"
	ListProcesses             Request = "$listProcesses"
	GetLatency                Request = "$getLatency"
	GetPerformanceMarks       Request = "$getPerformanceMarks"
	ReduceConnectionGraceTime Request = "$reduceConnectionGraceTime"
	ProcessBinary             Request = "$processBinary"
	Start                     Request = "$start"
	Input                     Request = "$input"
	SendSignal                Request = "$sendSignal"
	AcknowledgeDataEvent      Request = "$acknowledgeDataEvent"
	SetUnicodeVersion         Request = "$setUnicodeVersion"
	Shutdown                  Request = "$shutdown"
	Resize                    Request = "$resize"
	ClearBuffer               Request = "$clearBuffer"
	GetInitialCwd             Request = "$getInitialCwd"
	GetCwd                    Request = "$getCwd"
	OrphanQuestionReply       Request = "$orphanQuestionReply"
	SendCommandResult         Request = "$sendCommandResult"
	FreePortKillProcess       Request = "$freePortKillProcess"
	GetDefaultSystemShell     Request = "$getDefaultSystemShell"
	GetProfiles               Request = "$getProfiles"
	AcceptPtyHostResolvedVars Request = "$acceptPtyHostResolvedVariables"
	GetEnvironment            Request = "$getEnvironment"
	GetWslPath                Request = "$getWslPath"
	SetTerminalLayoutInfo     Request = "$setTerminalLayoutInfo"
	UpdateTitle               Request = "$updateTitle"
	UpdateIcon                Request = "$updateIcon"
	RefreshProperty           Request = "$refreshProperty"
	UpdateProperty            Request = "$updateProperty"
	GetTerminalLayoutInfo     Request = "$getTerminalLayoutInfo"
	ReviveTerminalProcesses   Request = "$reviveTerminalProcesses"
	GetRevivedPtyNewID        Request = "$getRevivedPtyNewId"
	SerializeTerminalState    Request = "$serializeTerminalState"
	InstallAutoReply          Request = "$installAutoReply"
	UninstallAllAutoReplies   Request = "$uninstallAllAutoReplies"
)

// Requests lists every workbench request, in wire order.
var Requests = []Request{
	RestartPtyHost, CreateProcess, RequestDetachInstance, AcceptDetachInstanceReply,
	AttachToProcess, DetachFromProcess, ListProcesses, GetLatency, GetPerformanceMarks,
	ReduceConnectionGraceTime, ProcessBinary, Start, Input, SendSignal, AcknowledgeDataEvent,
	SetUnicodeVersion, Shutdown, Resize, ClearBuffer, GetInitialCwd, GetCwd,
	OrphanQuestionReply, SendCommandResult, FreePortKillProcess, GetDefaultSystemShell,
	GetProfiles, AcceptPtyHostResolvedVars, GetEnvironment, GetWslPath, SetTerminalLayoutInfo,
	UpdateTitle, UpdateIcon, RefreshProperty, UpdateProperty, GetTerminalLayoutInfo,
	ReviveTerminalProcesses, GetRevivedPtyNewID, SerializeTerminalState, InstallAutoReply,
	UninstallAllAutoReplies,
}

// Event names a server-to-workbench notification.
type Event string

const (
	OnPtyHostExitEvent                    Event = "$onPtyHostExitEvent"
	OnPtyHostStartEvent                   Event = "$onPtyHostStartEvent"
	OnPtyHostUnresponsiveEvent            Event = "$onPtyHostUnresponsiveEvent"
	OnPtyHostResponsiveEvent              Event = "$onPtyHostResponsiveEvent"
	OnPtyHostRequestResolveVariablesEvent Event = "$onPtyHostRequestResolveVariablesEvent"
	OnProcessDataEvent                    Event = "$onProcessDataEvent"
	OnProcessExitEvent                    Event = "$onProcessExitEvent"
	OnProcessReadyEvent                   Event = "$onProcessReadyEvent"
	OnProcessReplayEvent                  Event = "$onProcessReplayEvent"
	OnProcessOrphanQuestion               Event = "$onProcessOrphanQuestion"
	OnExecuteCommand                      Event = "$onExecuteCommand"
	OnDidRequestDetach                    Event = "$onDidRequestDetach"
	OnDidChangeProperty                   Event = "$onDidChangeProperty"
)

// Events lists every workbench event, in wire order.
var Events = []Event{
	OnPtyHostExitEvent, OnPtyHostStartEvent, OnPtyHostUnresponsiveEvent,
	OnPtyHostResponsiveEvent, OnPtyHostRequestResolveVariablesEvent, OnProcessDataEvent,
	OnProcessExitEvent, OnProcessReadyEvent, OnProcessReplayEvent, OnProcessOrphanQuestion,
	OnExecuteCommand, OnDidRequestDetach, OnDidChangeProperty,
}

// HostMethod names a supervisor-to-host call.
type HostMethod string

const (
	HostCreateProcess             HostMethod = "createProcess"
	HostStart                     HostMethod = "start"
	HostInput                     HostMethod = "input"
	HostProcessBinary             HostMethod = "processBinary"
	HostSendSignal                HostMethod = "sendSignal"
	HostResize                    HostMethod = "resize"
	HostClearBuffer               HostMethod = "clearBuffer"
	HostShutdown                  HostMethod = "shutdown"
	HostShutdownAll               HostMethod = "shutdownAll"
	HostAcknowledgeDataEvent      HostMethod = "acknowledgeDataEvent"
	HostSetUnicodeVersion         HostMethod = "setUnicodeVersion"
	HostAttachToProcess           HostMethod = "attachToProcess"
	HostDetachFromProcess         HostMethod = "detachFromProcess"
	HostListProcesses             HostMethod = "listProcesses"
	HostGetLatency                HostMethod = "getLatency"
	HostGetPerformanceMarks       HostMethod = "getPerformanceMarks"
	HostReduceConnectionGraceTime HostMethod = "reduceConnectionGraceTime"
	HostOrphanQuestionReply       HostMethod = "orphanQuestionReply"
	HostRequestDetachInstance     HostMethod = "requestDetachInstance"
	HostAcceptDetachInstanceReply HostMethod = "acceptDetachInstanceReply"
	HostGetInitialCwd             HostMethod = "getInitialCwd"
	HostGetCwd                    HostMethod = "getCwd"
	HostFreePortKillProcess       HostMethod = "freePortKillProcess"
	HostGetDefaultSystemShell     HostMethod = "getDefaultSystemShell"
	HostGetProfiles               HostMethod = "getProfiles"
	HostGetEnvironment            HostMethod = "getEnvironment"
	HostGetWslPath                HostMethod = "getWslPath"
	HostSetTerminalLayoutInfo     HostMethod = "setTerminalLayoutInfo"
	HostGetTerminalLayoutInfo     HostMethod = "getTerminalLayoutInfo"
	HostUpdateTitle               HostMethod = "updateTitle"
	HostUpdateIcon                HostMethod = "updateIcon"
	HostRefreshProperty           HostMethod = "refreshProperty"
	HostUpdateProperty            HostMethod = "updateProperty"
	HostSerializeTerminalState    HostMethod = "serializeTerminalState"
	HostReviveTerminalProcesses   HostMethod = "reviveTerminalProcesses"
	HostGetRevivedPtyNewID        HostMethod = "getRevivedPtyNewId"
	HostInstallAutoReply          HostMethod = "installAutoReply"
	HostUninstallAllAutoReplies   HostMethod = "uninstallAllAutoReplies"
	HostSetIgnoreProcessNames     HostMethod = "setIgnoreProcessNames"
)

// HostMethods lists every supervisor-to-host call.
var HostMethods = []HostMethod{
	HostCreateProcess, HostStart, HostInput, HostProcessBinary, HostSendSignal, HostResize,
	HostClearBuffer, HostShutdown, HostShutdownAll, HostAcknowledgeDataEvent,
	HostSetUnicodeVersion, HostAttachToProcess, HostDetachFromProcess, HostListProcesses,
	HostGetLatency, HostGetPerformanceMarks, HostReduceConnectionGraceTime,
	HostOrphanQuestionReply, HostRequestDetachInstance, HostAcceptDetachInstanceReply,
	HostGetInitialCwd, HostGetCwd, HostFreePortKillProcess, HostGetDefaultSystemShell,
	HostGetProfiles, HostGetEnvironment, HostGetWslPath, HostSetTerminalLayoutInfo,
	HostGetTerminalLayoutInfo, HostUpdateTitle, HostUpdateIcon, HostRefreshProperty,
	HostUpdateProperty, HostSerializeTerminalState, HostReviveTerminalProcesses,
	HostGetRevivedPtyNewID, HostInstallAutoReply, HostUninstallAllAutoReplies,
	HostSetIgnoreProcessNames,
}

// HostEvent names a host-to-supervisor notification.
type HostEvent string

const (
	HostOnHeartbeat             HostEvent = "onHeartbeat"
	HostOnProcessData           HostEvent = "onProcessData"
	HostOnProcessExit           HostEvent = "onProcessExit"
	HostOnProcessReady          HostEvent = "onProcessReady"
	HostOnProcessReplay         HostEvent = "onProcessReplay"
	HostOnProcessOrphanQuestion HostEvent = "onProcessOrphanQuestion"
	HostOnDidRequestDetach      HostEvent = "onDidRequestDetach"
	HostOnDidChangeProperty     HostEvent = "onDidChangeProperty"
)

// HostEvents lists every host event the supervisor forwards or consumes.
var HostEvents = []HostEvent{
	HostOnHeartbeat, HostOnProcessData, HostOnProcessExit, HostOnProcessReady,
	HostOnProcessReplay, HostOnProcessOrphanQuestion, HostOnDidRequestDetach,
	HostOnDidChangeProperty,
}

// SupervisorResolveVariables is the reverse call the host makes to ask the
// supervisor (and through it a workbench) to resolve variables.
const SupervisorResolveVariables = "resolveVariables"
