package host

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/protocol"
)

func TestHandlerCoversEveryHostMethod(t *testing.T) {
	h := newHarness(t)
	for _, m := range protocol.HostMethods {
		_, ok := h.svc.table[m]
		assert.True(t, ok, "no handler for %s", m)
	}
	assert.Len(t, h.svc.table, len(protocol.HostMethods))
}

func TestHandleDecodesArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw, err := json.Marshal(h.args(true))
	require.NoError(t, err)
	v, err := h.svc.Handle(ctx, string(protocol.HostCreateProcess), raw)
	require.NoError(t, err)
	id, ok := v.(int)
	require.True(t, ok)

	v, err = h.svc.Handle(ctx, string(protocol.HostStart), json.RawMessage(`{"id":`+strconv.Itoa(id)+`}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.StartResult{}, v)

	v, err = h.svc.Handle(ctx, string(protocol.HostListProcesses), nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = h.svc.Handle(ctx, string(protocol.HostInput), json.RawMessage(`{"id":"nope"}`))
	assert.ErrorContains(t, err, "decode arguments")

	_, err = h.svc.Handle(ctx, "bogus", nil)
	assert.ErrorContains(t, err, `unknown pty host method "bogus"`)
}

func TestHandleStartReportsLaunchError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	args := h.args(false)
	args.Cwd = "/definitely/not/here"
	id, err := h.svc.CreateProcess(ctx, args)
	require.NoError(t, err)

	v, err := h.svc.Handle(ctx, string(protocol.HostStart), json.RawMessage(`{"id":`+strconv.Itoa(id)+`}`))
	require.NoError(t, err)
	res, ok := v.(protocol.StartResult)
	require.True(t, ok)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "/definitely/not/here")
}

func TestFreePortKillProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.runner.output["lsof"] = []byte("4242\n4243\n")
	res, err := h.svc.FreePortKillProcess(ctx, "8080")
	require.NoError(t, err)
	assert.Equal(t, protocol.FreePortResult{Port: "8080", ProcessID: "4242"}, res)
	assert.Equal(t, []int{4242}, h.runner.killed)

	_, err = h.svc.FreePortKillProcess(ctx, "80; rm -rf /")
	assert.ErrorContains(t, err, "invalid port")

	h.runner.output["lsof"] = []byte("\n")
	_, err = h.svc.FreePortKillProcess(ctx, "9090")
	assert.ErrorContains(t, err, "could not kill process with port 9090")

	delete(h.runner.output, "lsof")
	_, err = h.svc.FreePortKillProcess(ctx, "9090")
	assert.Error(t, err)
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
}

func TestGetProfiles(t *testing.T) {
	dir := t.TempDir()
	bash := filepath.Join(dir, "bash")
	zsh := filepath.Join(dir, "zsh")
	fish := filepath.Join(dir, "fish")
	writeExecutable(t, bash)
	writeExecutable(t, zsh)
	writeExecutable(t, fish)

	shells := filepath.Join(dir, "shells")
	require.NoError(t, os.WriteFile(shells, []byte(strings.Join([]string{
		"# /etc/shells",
		bash,
		zsh,
		fish,
		filepath.Join(dir, "missing"),
	}, "\n")), 0o644))
	prev := ShellsFile
	ShellsFile = shells
	t.Cleanup(func() { ShellsFile = prev })

	var resolved []string
	h := newHarness(t, func(o *Options) {
		o.Resolve = func(ctx context.Context, workspaceID string, texts []string) ([]string, error) {
			resolved = append(resolved, texts...)
			out := make([]string, len(texts))
			for i, s := range texts {
				out[i] = strings.ReplaceAll(s, "${env:TOOLS}", dir)
			}
			return out, nil
		}
	})

	profiles, err := h.svc.GetProfiles(context.Background(), protocol.GetProfilesArgs{
		WorkspaceID: "ws",
		Profiles: map[string]protocol.TerminalProfileConfig{
			"dev":    {Path: []string{"/nope/zsh", "${env:TOOLS}/zsh"}, Args: []string{"-l"}},
			"broken": {Path: []string{"/nope/sh"}},
		},
		DefaultProfile:          "bash",
		IncludeDetectedProfiles: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nope/zsh", "${env:TOOLS}/zsh"}, resolved)

	require.Len(t, profiles, 3)
	assert.Equal(t, protocol.TerminalProfile{ProfileName: "dev", Path: zsh, Args: []string{"-l"}}, profiles[0])
	assert.Equal(t, protocol.TerminalProfile{ProfileName: "bash", Path: bash, IsDefault: true, IsAutoDetected: true}, profiles[1])
	assert.Equal(t, "fish", profiles[2].ProfileName, "zsh is already provided by a configured profile")
}

func TestGetProfilesEmpty(t *testing.T) {
	prev := ShellsFile
	ShellsFile = filepath.Join(t.TempDir(), "none")
	t.Cleanup(func() { ShellsFile = prev })

	h := newHarness(t)
	profiles, err := h.svc.GetProfiles(context.Background(), protocol.GetProfilesArgs{IncludeDetectedProfiles: true})
	require.NoError(t, err)
	assert.NotNil(t, profiles)
	assert.Empty(t, profiles)
}

func TestCleanStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "host.sock")
	pid := sock + ".pid"

	require.NoError(t, cleanStaleSocket(sock, pid, zap.NewNop()), "nothing to clean")

	require.NoError(t, os.WriteFile(sock, nil, 0o600))
	require.NoError(t, os.WriteFile(pid, []byte("5000000"), 0o600))
	require.NoError(t, cleanStaleSocket(sock, pid, zap.NewNop()))
	assert.NoFileExists(t, sock)
	assert.NoFileExists(t, pid)

	require.NoError(t, os.WriteFile(sock, nil, 0o600))
	require.NoError(t, os.WriteFile(pid, []byte(strconv.Itoa(os.Getpid())), 0o600))
	err := cleanStaleSocket(sock, pid, zap.NewNop())
	assert.ErrorContains(t, err, "already running")
	assert.FileExists(t, sock)
}
