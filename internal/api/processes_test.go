package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/models"
	"github.com/peterje/ptyhost/internal/protocol"
)

type fakeProcesses struct {
	procs     []protocol.ProcessDetails
	listErr   error
	shutdown  []int
	immediate bool
	restarts  int
}

func (f *fakeProcesses) ListProcesses(context.Context) ([]protocol.ProcessDetails, error) {
	return f.procs, f.listErr
}

func (f *fakeProcesses) Shutdown(_ context.Context, id int, immediate bool) error {
	f.shutdown = append(f.shutdown, id)
	f.immediate = immediate
	return nil
}

func (f *fakeProcesses) RestartPtyHost(context.Context) error {
	f.restarts++
	return nil
}

type fakeRunner struct {
	pid     int
	command string
	args    any
	result  json.RawMessage
	err     error
}

func (f *fakeRunner) ExecuteCommand(_ context.Context, pid int, commandID string, args any) (json.RawMessage, error) {
	f.pid, f.command, f.args = pid, commandID, args
	return f.result, f.err
}

func newTestMux(procs *fakeProcesses, runner *fakeRunner) *http.ServeMux {
	h := NewProcessesHandler(procs, runner, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes", h.HandleList)
	mux.HandleFunc("DELETE /api/processes/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/processes/{id}/command", h.HandleCommand)
	mux.HandleFunc("POST /api/ptyhost/restart", h.HandleRestart)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestListProcesses(t *testing.T) {
	procs := &fakeProcesses{}
	mux := newTestMux(procs, &fakeRunner{})

	rec := serve(mux, http.MethodGet, "/api/processes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	procs.procs = []protocol.ProcessDetails{{ID: 3, Pid: 4100, Title: "zsh"}}
	rec = serve(mux, http.MethodGet, "/api/processes", "")
	var got []protocol.ProcessDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 4100, got[0].Pid)

	procs.listErr = errors.New("host gone")
	rec = serve(mux, http.MethodGet, "/api/processes", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"host gone"}`, rec.Body.String())
}

func TestDeleteProcess(t *testing.T) {
	procs := &fakeProcesses{}
	mux := newTestMux(procs, &fakeRunner{})

	rec := serve(mux, http.MethodDelete, "/api/processes/7?immediate=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{7}, procs.shutdown)
	assert.True(t, procs.immediate)

	rec = serve(mux, http.MethodDelete, "/api/processes/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessCommand(t *testing.T) {
	runner := &fakeRunner{result: json.RawMessage(`"done"`)}
	mux := newTestMux(&fakeProcesses{}, runner)

	rec := serve(mux, http.MethodPost, "/api/processes/5/command", `{"commandId":"workbench.action.terminal.clear","args":[1]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runner.pid)
	assert.Equal(t, "workbench.action.terminal.clear", runner.command)
	assert.Equal(t, json.RawMessage(`[1]`), runner.args)

	var resp models.CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, `"done"`, string(resp.Result))

	rec = serve(mux, http.MethodPost, "/api/processes/5/command", `{"commandId":"noop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, runner.args)

	rec = serve(mux, http.MethodPost, "/api/processes/5/command", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runner.err = errors.New("no workbench connected")
	rec = serve(mux, http.MethodPost, "/api/processes/5/command", `{"commandId":"noop"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRestartPtyHost(t *testing.T) {
	procs := &fakeProcesses{}
	rec := serve(newTestMux(procs, &fakeRunner{}), http.MethodPost, "/api/ptyhost/restart", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, procs.restarts)
}
