package protocol

import (
	"encoding/json"
	"fmt"
)

// ShellLaunchConfig describes what to run in a terminal.
type ShellLaunchConfig struct {
	Name                   string                  `json:"name,omitempty"`
	Executable             string                  `json:"executable,omitempty"`
	Args                   []string                `json:"args,omitempty"`
	Cwd                    string                  `json:"cwd,omitempty"`
	Env                    map[string]string       `json:"env,omitempty"`
	StrictEnv              bool                    `json:"strictEnv,omitempty"`
	Icon                   string                  `json:"icon,omitempty"`
	Color                  string                  `json:"color,omitempty"`
	InitialText            string                  `json:"initialText,omitempty"`
	WaitOnExit             bool                    `json:"waitOnExit,omitempty"`
	HideFromUser           bool                    `json:"hideFromUser,omitempty"`
	IsFeatureTerminal      bool                    `json:"isFeatureTerminal,omitempty"`
	ReconnectionProperties *ReconnectionProperties `json:"reconnectionProperties,omitempty"`
}

// ReconnectionProperties lets an extension reclaim a terminal it owns.
type ReconnectionProperties struct {
	OwnerID string          `json:"ownerId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TerminalConfiguration is the subset of terminal settings the server
// needs to build a process environment.
type TerminalConfiguration struct {
	EnvLinux                       map[string]string `json:"terminal.integrated.env.linux,omitempty"`
	EnvOSX                         map[string]string `json:"terminal.integrated.env.osx,omitempty"`
	EnvWindows                     map[string]string `json:"terminal.integrated.env.windows,omitempty"`
	InheritEnv                     bool              `json:"terminal.integrated.inheritEnv"`
	PersistentSessionScrollback    int               `json:"terminal.integrated.persistentSessionScrollback"`
	PersistentSessionReviveProcess string            `json:"terminal.integrated.persistentSessionReviveProcess,omitempty"`
	ShellIntegrationEnabled        bool              `json:"terminal.integrated.shellIntegration.enabled"`
	DefaultProfileLinux            string            `json:"terminal.integrated.defaultProfile.linux,omitempty"`
}

// ShellIntegrationOptions toggles shell integration injection.
type ShellIntegrationOptions struct {
	Enabled bool   `json:"enabled"`
	Suggest bool   `json:"suggestEnabled"`
	Nonce   string `json:"nonce"`
}

// ProcessOptions are per-process flags forwarded to the host.
type ProcessOptions struct {
	ShellIntegration    ShellIntegrationOptions `json:"shellIntegration"`
	WindowsEnableConpty bool                    `json:"windowsEnableConpty"`
}

// WorkspaceFolder is one root of a workspace.
type WorkspaceFolder struct {
	URI   string `json:"uri"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// MutatorType says how an environment variable mutator is applied.
type MutatorType int

const (
	MutatorReplace MutatorType = 1
	MutatorAppend  MutatorType = 2
	MutatorPrepend MutatorType = 3
)

// MutatorOptions scopes when a mutator applies.
type MutatorOptions struct {
	ApplyAtProcessCreation  bool `json:"applyAtProcessCreation"`
	ApplyAtShellIntegration bool `json:"applyAtShellIntegration"`
}

// EnvironmentVariableMutator is one contributed change to a variable.
type EnvironmentVariableMutator struct {
	Value    string          `json:"value"`
	Type     MutatorType     `json:"type"`
	Variable string          `json:"variable"`
	Options  *MutatorOptions `json:"options,omitempty"`
}

// EnvVarEntry pairs a variable name with its mutator.
type EnvVarEntry struct {
	Variable string
	Mutator  EnvironmentVariableMutator
}

// DescriptionEntry pairs a scope key with a human readable description.
type DescriptionEntry struct {
	Key         string
	Description string
}

// EnvVarCollection is an extension's serialized environment contribution.
// On the wire it is the tuple [extensionId, [[variable, mutator]...], [[key, {description}]...]].
type EnvVarCollection struct {
	ExtensionID  string
	Mutators     []EnvVarEntry
	Descriptions []DescriptionEntry
}

type descriptionValue struct {
	Description string `json:"description"`
}

func (c EnvVarCollection) MarshalJSON() ([]byte, error) {
	mutators := make([][2]any, 0, len(c.Mutators))
	for _, m := range c.Mutators {
		mutators = append(mutators, [2]any{m.Variable, m.Mutator})
	}
	descriptions := make([][2]any, 0, len(c.Descriptions))
	for _, d := range c.Descriptions {
		descriptions = append(descriptions, [2]any{d.Key, descriptionValue{Description: d.Description}})
	}
	return json.Marshal([3]any{c.ExtensionID, mutators, descriptions})
}

func (c *EnvVarCollection) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 2 {
		return fmt.Errorf("env collection: want at least 2 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &c.ExtensionID); err != nil {
		return fmt.Errorf("env collection id: %w", err)
	}

	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(tuple[1], &pairs); err != nil {
		return fmt.Errorf("env collection mutators: %w", err)
	}
	c.Mutators = c.Mutators[:0]
	for _, p := range pairs {
		var e EnvVarEntry
		if err := json.Unmarshal(p[0], &e.Variable); err != nil {
			return err
		}
		if err := json.Unmarshal(p[1], &e.Mutator); err != nil {
			return err
		}
		c.Mutators = append(c.Mutators, e)
	}

	c.Descriptions = c.Descriptions[:0]
	if len(tuple) > 2 {
		var descs [][2]json.RawMessage
		if err := json.Unmarshal(tuple[2], &descs); err != nil {
			return fmt.Errorf("env collection descriptions: %w", err)
		}
		for _, p := range descs {
			var d DescriptionEntry
			var v descriptionValue
			if err := json.Unmarshal(p[0], &d.Key); err != nil {
				return err
			}
			if err := json.Unmarshal(p[1], &v); err != nil {
				return err
			}
			d.Description = v.Description
			c.Descriptions = append(c.Descriptions, d)
		}
	}
	return nil
}

// CreateProcessArgs is the $createProcess payload.
type CreateProcessArgs struct {
	Configuration          TerminalConfiguration `json:"configuration"`
	ResolvedVariables      map[string]string     `json:"resolvedVariables"`
	EnvVariableCollections []EnvVarCollection    `json:"envVariableCollections"`
	ShellLaunchConfig      ShellLaunchConfig     `json:"shellLaunchConfig"`
	WorkspaceID            string                `json:"workspaceId"`
	WorkspaceName          string                `json:"workspaceName"`
	WorkspaceFolders       []WorkspaceFolder     `json:"workspaceFolders"`
	ActiveWorkspaceFolder  *WorkspaceFolder      `json:"activeWorkspaceFolder"`
	ActiveFileResource     string                `json:"activeFileResource,omitempty"`
	ShouldPersistTerminal  bool                  `json:"shouldPersistTerminal"`
	Options                ProcessOptions        `json:"options"`
	Cols                   int                   `json:"cols"`
	Rows                   int                   `json:"rows"`
	UnicodeVersion         string                `json:"unicodeVersion"`
	ResolverEnv            map[string]string     `json:"resolverEnv,omitempty"`
}

// CreateProcessResult is the $createProcess reply.
type CreateProcessResult struct {
	PersistentTerminalID      int               `json:"persistentTerminalId"`
	ResolvedShellLaunchConfig ShellLaunchConfig `json:"resolvedShellLaunchConfig"`
}

// HostCreateProcessArgs is the fully resolved request the supervisor sends
// to the pty host.
type HostCreateProcessArgs struct {
	ShellLaunchConfig ShellLaunchConfig `json:"shellLaunchConfig"`
	Cwd               string            `json:"cwd"`
	Cols              int               `json:"cols"`
	Rows              int               `json:"rows"`
	UnicodeVersion    string            `json:"unicodeVersion"`
	Env               map[string]string `json:"env"`
	ExecutableEnv     map[string]string `json:"executableEnv"`
	Options           ProcessOptions    `json:"options"`
	ShouldPersist     bool              `json:"shouldPersist"`
	WorkspaceID       string            `json:"workspaceId"`
	WorkspaceName     string            `json:"workspaceName"`
}

// LaunchError is returned by start when the process could not be spawned.
type LaunchError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func (e *LaunchError) Error() string { return e.Message }

// ProcessDetails describes a live persistent process.
type ProcessDetails struct {
	ID                             int                     `json:"id"`
	Pid                            int                     `json:"pid"`
	Title                          string                  `json:"title"`
	TitleSource                    string                  `json:"titleSource"`
	Cwd                            string                  `json:"cwd"`
	WorkspaceID                    string                  `json:"workspaceId"`
	WorkspaceName                  string                  `json:"workspaceName"`
	IsOrphan                       bool                    `json:"isOrphan"`
	Icon                           string                  `json:"icon,omitempty"`
	Color                          string                  `json:"color,omitempty"`
	FixedDimensions                *Dimensions             `json:"fixedDimensions,omitempty"`
	EnvironmentVariableCollections []EnvVarCollection      `json:"environmentVariableCollections,omitempty"`
	ReconnectionProperties         *ReconnectionProperties `json:"reconnectionProperties,omitempty"`
	WaitOnExit                     bool                    `json:"waitOnExit,omitempty"`
	HideFromUser                   bool                    `json:"hideFromUser,omitempty"`
	IsFeatureTerminal              bool                    `json:"isFeatureTerminal,omitempty"`
	Type                           string                  `json:"type,omitempty"`
	HasChildProcesses              bool                    `json:"hasChildProcesses"`
	ShellIntegrationNonce          string                  `json:"shellIntegrationNonce"`
}

// Dimensions is a terminal size.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ProcessDataEvent carries terminal output.
type ProcessDataEvent struct {
	ID    int    `json:"id"`
	Event string `json:"event"`
}

// ProcessExitEvent reports a process exit; Event is the exit code if known.
type ProcessExitEvent struct {
	ID    int  `json:"id"`
	Event *int `json:"event"`
}

// ProcessReady is sent once a process has spawned.
type ProcessReady struct {
	Pid int    `json:"pid"`
	Cwd string `json:"cwd"`
}

// ProcessReadyEvent wraps ProcessReady with the process id.
type ProcessReadyEvent struct {
	ID    int          `json:"id"`
	Event ProcessReady `json:"event"`
}

// ReplayEntry is a chunk of recorded output at a given size.
type ReplayEntry struct {
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Data string `json:"data"`
}

// ReplayEvent is what a reattaching client receives to restore its buffer.
type ReplayEvent struct {
	Events []ReplayEntry `json:"events"`
}

// ProcessReplayEvent wraps ReplayEvent with the process id.
type ProcessReplayEvent struct {
	ID    int         `json:"id"`
	Event ReplayEvent `json:"event"`
}

// OrphanQuestionEvent asks any attached client to claim the process.
type OrphanQuestionEvent struct {
	ID int `json:"id"`
}

// DetachRequestEvent asks the window owning InstanceID to give up the
// terminal so another window can attach it.
type DetachRequestEvent struct {
	RequestID   int    `json:"requestId"`
	WorkspaceID string `json:"workspaceId"`
	InstanceID  int    `json:"instanceId"`
}

// PropertyType names a process property.
type PropertyType string

const (
	PropertyCwd                              PropertyType = "cwd"
	PropertyInitialCwd                       PropertyType = "initialCwd"
	PropertyFixedDimensions                  PropertyType = "fixedDimensions"
	PropertyTitle                            PropertyType = "title"
	PropertyShellType                        PropertyType = "shellType"
	PropertyHasChildProcesses                PropertyType = "hasChildProcesses"
	PropertyResolvedShellLaunchConfig        PropertyType = "resolvedShellLaunchConfig"
	PropertyOverrideDimensions               PropertyType = "overrideDimensions"
	PropertyFailedShellIntegrationActivation PropertyType = "failedShellIntegrationActivation"
	PropertyUsedShellIntegrationInjection    PropertyType = "usedShellIntegrationInjection"
)

// ProcessProperty is a typed property value.
type ProcessProperty struct {
	Type  PropertyType    `json:"type"`
	Value json.RawMessage `json:"value"`
}

// NewProperty encodes v as the value of a property of the given type.
func NewProperty(t PropertyType, v any) ProcessProperty {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return ProcessProperty{Type: t, Value: raw}
}

// PropertyChangeEvent reports a property change on a process.
type PropertyChangeEvent struct {
	ID       int             `json:"id"`
	Property ProcessProperty `json:"property"`
}

// ResolveVariablesRequest asks a workbench to resolve variables on behalf
// of the pty host.
type ResolveVariablesRequest struct {
	RequestID    int      `json:"requestId"`
	WorkspaceID  string   `json:"workspaceId"`
	OriginalText []string `json:"originalText"`
}

// ResolveVariablesArgs is the host's reverse call payload.
type ResolveVariablesArgs struct {
	WorkspaceID  string   `json:"workspaceId"`
	OriginalText []string `json:"originalText"`
}

// ExecuteCommandEvent asks a workbench to run a command and reply with
// $sendCommandResult.
type ExecuteCommandEvent struct {
	ReqID               int             `json:"reqId"`
	PersistentProcessID int             `json:"persistentProcessId"`
	CommandID           string          `json:"commandId"`
	CommandArgs         json.RawMessage `json:"commandArgs,omitempty"`
}

// SendCommandResultArgs answers an ExecuteCommandEvent.
type SendCommandResultArgs struct {
	ReqID   int             `json:"reqId"`
	IsError bool            `json:"isError"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LatencyMeasurement is one hop's round trip time in milliseconds.
type LatencyMeasurement struct {
	Label   string  `json:"label"`
	Latency float64 `json:"latency"`
}

// PerformanceMark is a named timestamp in milliseconds since the epoch.
type PerformanceMark struct {
	Name      string  `json:"name"`
	StartTime float64 `json:"startTime"`
}

// TerminalProfileConfig is a configured profile, possibly containing
// variables that need resolving.
type TerminalProfileConfig struct {
	Path []string          `json:"path"`
	Args []string          `json:"args,omitempty"`
	Icon string            `json:"icon,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// TerminalProfile is a resolved, launchable profile.
type TerminalProfile struct {
	ProfileName    string            `json:"profileName"`
	Path           string            `json:"path"`
	Args           []string          `json:"args,omitempty"`
	IsDefault      bool              `json:"isDefault"`
	IsAutoDetected bool              `json:"isAutoDetected,omitempty"`
	Icon           string            `json:"icon,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// FreePortResult reports which process was killed to free a port.
type FreePortResult struct {
	Port      string `json:"port"`
	ProcessID string `json:"processId"`
}

// RawTerminalInstanceLayout references a process by id inside a tab.
type RawTerminalInstanceLayout struct {
	RelativeSize float64 `json:"relativeSize"`
	Terminal     int     `json:"terminal"`
}

// RawTerminalTabLayout is a tab as stored.
type RawTerminalTabLayout struct {
	IsActive                  bool                        `json:"isActive"`
	ActivePersistentProcessID *int                        `json:"activePersistentProcessId,omitempty"`
	Terminals                 []RawTerminalInstanceLayout `json:"terminals"`
}

// TerminalsLayoutInfoByID is the layout a workbench submits.
type TerminalsLayoutInfoByID struct {
	Tabs       []RawTerminalTabLayout `json:"tabs"`
	Background []int                  `json:"background,omitempty"`
}

// TerminalInstanceLayout is a tab member expanded to its process.
type TerminalInstanceLayout struct {
	RelativeSize float64         `json:"relativeSize"`
	Terminal     *ProcessDetails `json:"terminal"`
}

// TerminalTabLayout is a tab expanded to live processes.
type TerminalTabLayout struct {
	IsActive                  bool                     `json:"isActive"`
	ActivePersistentProcessID *int                     `json:"activePersistentProcessId,omitempty"`
	Terminals                 []TerminalInstanceLayout `json:"terminals"`
}

// TerminalsLayoutInfo is the layout returned to a workbench.
type TerminalsLayoutInfo struct {
	Tabs       []TerminalTabLayout `json:"tabs"`
	Background []*ProcessDetails   `json:"background,omitempty"`
}

// ProcessLaunchConfig is what is needed to relaunch a process.
type ProcessLaunchConfig struct {
	Env           map[string]string `json:"env"`
	ExecutableEnv map[string]string `json:"executableEnv"`
	Options       ProcessOptions    `json:"options"`
}

// SerializedProcess is one terminal captured for revival.
type SerializedProcess struct {
	ID                  int                 `json:"id"`
	ShellLaunchConfig   ShellLaunchConfig   `json:"shellLaunchConfig"`
	ProcessDetails      ProcessDetails      `json:"processDetails"`
	ProcessLaunchConfig ProcessLaunchConfig `json:"processLaunchConfig"`
	UnicodeVersion      string              `json:"unicodeVersion"`
	ReplayEvent         ReplayEvent         `json:"replayEvent"`
	Timestamp           int64               `json:"timestamp"`
}

// SerializedTerminalState is the versioned envelope produced by
// serializeTerminalState.
type SerializedTerminalState struct {
	Version int                 `json:"version"`
	State   []SerializedProcess `json:"state"`
}

// SerializedStateVersion is the only envelope version understood.
const SerializedStateVersion = 1
