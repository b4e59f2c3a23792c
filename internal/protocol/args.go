package protocol

import "encoding/json"

// Call arguments shared by the workbench-to-server and supervisor-to-host
// hops. Every argument is a named-field object.

type IDArgs struct {
	ID int `json:"id"`
}

type InputArgs struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

type SendSignalArgs struct {
	ID     int    `json:"id"`
	Signal string `json:"signal"`
}

type ResizeArgs struct {
	ID   int `json:"id"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type AcknowledgeDataArgs struct {
	ID        int `json:"id"`
	CharCount int `json:"charCount"`
}

type SetUnicodeVersionArgs struct {
	ID      int    `json:"id"`
	Version string `json:"version"`
}

type ShutdownArgs struct {
	ID        int  `json:"id"`
	Immediate bool `json:"immediate"`
}

type DetachFromProcessArgs struct {
	ID           int  `json:"id"`
	ForcePersist bool `json:"forcePersist"`
}

type RequestDetachInstanceArgs struct {
	WorkspaceID string `json:"workspaceId"`
	InstanceID  int    `json:"instanceId"`
}

type AcceptDetachInstanceReplyArgs struct {
	RequestID           int  `json:"requestId"`
	PersistentProcessID *int `json:"persistentProcessId"`
}

type AcceptResolvedVariablesArgs struct {
	RequestID int      `json:"requestId"`
	Resolved  []string `json:"resolved"`
}

type FreePortArgs struct {
	Port string `json:"port"`
}

type GetProfilesArgs struct {
	WorkspaceID             string                           `json:"workspaceId"`
	Profiles                map[string]TerminalProfileConfig `json:"profiles"`
	DefaultProfile          string                           `json:"defaultProfile"`
	IncludeDetectedProfiles bool                             `json:"includeDetectedProfiles"`
}

type GetWslPathArgs struct {
	Original  string `json:"original"`
	Direction string `json:"direction"`
}

type SetTerminalLayoutInfoArgs struct {
	WorkspaceID string                 `json:"workspaceId"`
	Tabs        []RawTerminalTabLayout `json:"tabs"`
	Background  []int                  `json:"background,omitempty"`
}

type GetTerminalLayoutInfoArgs struct {
	WorkspaceID string `json:"workspaceId"`
}

type UpdateTitleArgs struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	TitleSource string `json:"titleSource"`
}

type UpdateIconArgs struct {
	ID            int    `json:"id"`
	UserInitiated bool   `json:"userInitiated"`
	Icon          string `json:"icon"`
	Color         string `json:"color,omitempty"`
}

type RefreshPropertyArgs struct {
	ID       int          `json:"id"`
	Property PropertyType `json:"property"`
}

type UpdatePropertyArgs struct {
	ID       int             `json:"id"`
	Property PropertyType    `json:"property"`
	Value    json.RawMessage `json:"value"`
}

type SerializeTerminalStateArgs struct {
	IDs []int `json:"ids"`
}

type ReviveTerminalProcessesArgs struct {
	WorkspaceID          string              `json:"workspaceId"`
	State                []SerializedProcess `json:"state"`
	DateTimeFormatLocale string              `json:"dateTimeFormatLocale"`
}

type GetRevivedPtyNewIDArgs struct {
	WorkspaceID string `json:"workspaceId"`
	ID          int    `json:"id"`
}

type InstallAutoReplyArgs struct {
	Match string `json:"match"`
	Reply string `json:"reply"`
}

type SetIgnoreProcessNamesArgs struct {
	Names []string `json:"names"`
}

// StartResult is the reply to start; Error is nil on success.
type StartResult struct {
	Error *LaunchError `json:"error,omitempty"`
}
