package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/models"
	"github.com/peterje/ptyhost/internal/protocol"
)

// Processes is the slice of the pty host supervisor the HTTP API exposes.
type Processes interface {
	ListProcesses(ctx context.Context) ([]protocol.ProcessDetails, error)
	Shutdown(ctx context.Context, id int, immediate bool) error
	RestartPtyHost(ctx context.Context) error
}

// CommandRunner runs a workbench command on behalf of a terminal.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, persistentProcessID int, commandID string, args any) (json.RawMessage, error)
}

type ProcessesHandler struct {
	procs    Processes
	commands CommandRunner
	log      *zap.Logger
}

func NewProcessesHandler(procs Processes, commands CommandRunner, log *zap.Logger) *ProcessesHandler {
	return &ProcessesHandler{procs: procs, commands: commands, log: log.Named("api")}
}

// HandleList returns the detached terminals the host is keeping alive.
func (h *ProcessesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	procs, err := h.procs.ListProcesses(r.Context())
	if err != nil {
		h.log.Error("list processes failed", zap.Error(err))
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if procs == nil {
		procs = []protocol.ProcessDetails{}
	}
	WriteJSON(w, http.StatusOK, procs)
}

func (h *ProcessesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	immediate := r.URL.Query().Get("immediate") == "true"
	if err := h.procs.Shutdown(r.Context(), id, immediate); err != nil {
		h.log.Error("shutdown failed", zap.Int("id", id), zap.Error(err))
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProcessesHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body models.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.CommandID == "" {
		WriteError(w, http.StatusBadRequest, "commandId is required")
		return
	}

	var args any
	if len(body.Args) > 0 {
		args = body.Args
	}
	res, err := h.commands.ExecuteCommand(r.Context(), id, body.CommandID, args)
	if err != nil {
		h.log.Warn("command failed", zap.Int("id", id), zap.String("command", body.CommandID), zap.Error(err))
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, models.CommandResponse{Result: res})
}

func (h *ProcessesHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.procs.RestartPtyHost(r.Context()); err != nil {
		h.log.Error("restart failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
