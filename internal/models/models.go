package models

import "encoding/json"

type CheckStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Required  bool   `json:"required"`
	Path      string `json:"path,omitempty"`
}

type PtyHostStatus struct {
	Connected  bool `json:"connected"`
	Responsive bool `json:"responsive"`
	Restarts   int  `json:"restarts"`
}

type HealthResponse struct {
	Status      string        `json:"status"`
	PtyHost     PtyHostStatus `json:"ptyHost"`
	Workbenches int           `json:"workbenches"`
	Checks      []CheckStatus `json:"checks"`
}

type CommandRequest struct {
	CommandID string          `json:"commandId"`
	Args      json.RawMessage `json:"args,omitempty"`
}

type CommandResponse struct {
	Result json.RawMessage `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
