package remote

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/variables"
)

type detachCall struct {
	id           int
	forcePersist bool
}

// fakeBackend records what the server asks of the supervisor. Methods a
// test does not exercise fall through to the nil embedded interface.
type fakeBackend struct {
	Backend

	mu       sync.Mutex
	nextID   int
	created  []protocol.HostCreateProcessArgs
	attached []int
	detached []detachCall
	profiles []protocol.GetProfilesArgs

	onExit            event.Emitter[int]
	onStart           event.Emitter[struct{}]
	onUnresponsive    event.Emitter[struct{}]
	onResponsive      event.Emitter[struct{}]
	onResolve         event.Emitter[protocol.ResolveVariablesRequest]
	onData            event.Emitter[protocol.ProcessDataEvent]
	onProcessExit     event.Emitter[protocol.ProcessExitEvent]
	onReady           event.Emitter[protocol.ProcessReadyEvent]
	onReplay          event.Emitter[protocol.ProcessReplayEvent]
	onOrphanQuestion  event.Emitter[protocol.OrphanQuestionEvent]
	onRequestDetach   event.Emitter[protocol.DetachRequestEvent]
	onPropertyChanged event.Emitter[protocol.PropertyChangeEvent]
}

func signal(em *event.Emitter[struct{}], fn func()) func() {
	return em.Subscribe(func(struct{}) { fn() })
}

func (b *fakeBackend) OnPtyHostExit(fn func(code int)) func() { return b.onExit.Subscribe(fn) }
func (b *fakeBackend) OnPtyHostStart(fn func()) func()        { return signal(&b.onStart, fn) }
func (b *fakeBackend) OnPtyHostUnresponsive(fn func()) func() { return signal(&b.onUnresponsive, fn) }
func (b *fakeBackend) OnPtyHostResponsive(fn func()) func()   { return signal(&b.onResponsive, fn) }
func (b *fakeBackend) OnPtyHostRequestResolveVariables(fn func(protocol.ResolveVariablesRequest)) func() {
	return b.onResolve.Subscribe(fn)
}
func (b *fakeBackend) OnProcessData(fn func(protocol.ProcessDataEvent)) func() {
	return b.onData.Subscribe(fn)
}
func (b *fakeBackend) OnProcessExit(fn func(protocol.ProcessExitEvent)) func() {
	return b.onProcessExit.Subscribe(fn)
}
func (b *fakeBackend) OnProcessReady(fn func(protocol.ProcessReadyEvent)) func() {
	return b.onReady.Subscribe(fn)
}
func (b *fakeBackend) OnProcessReplay(fn func(protocol.ProcessReplayEvent)) func() {
	return b.onReplay.Subscribe(fn)
}
func (b *fakeBackend) OnProcessOrphanQuestion(fn func(protocol.OrphanQuestionEvent)) func() {
	return b.onOrphanQuestion.Subscribe(fn)
}
func (b *fakeBackend) OnDidRequestDetach(fn func(protocol.DetachRequestEvent)) func() {
	return b.onRequestDetach.Subscribe(fn)
}
func (b *fakeBackend) OnDidChangeProperty(fn func(protocol.PropertyChangeEvent)) func() {
	return b.onPropertyChanged.Subscribe(fn)
}

func (b *fakeBackend) GetDefaultSystemShell(context.Context) (string, error) { return "/bin/zsh", nil }

func (b *fakeBackend) CreateProcess(ctx context.Context, args protocol.HostCreateProcessArgs) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.created = append(b.created, args)
	return b.nextID, nil
}

func (b *fakeBackend) AttachToProcess(ctx context.Context, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = append(b.attached, id)
	return nil
}

func (b *fakeBackend) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = append(b.detached, detachCall{id: id, forcePersist: forcePersist})
	return nil
}

func (b *fakeBackend) GetProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles = append(b.profiles, args)
	return []protocol.TerminalProfile{}, nil
}

func (b *fakeBackend) detachedIDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []int
	for _, d := range b.detached {
		ids = append(ids, d.id)
	}
	sort.Ints(ids)
	return ids
}

func (b *fakeBackend) lastCreated() protocol.HostCreateProcessArgs {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created[len(b.created)-1]
}

func newTestServer(t *testing.T, mutate ...func(*ServerOptions)) (*Server, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	opts := ServerOptions{
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.NewNop(),
		Environ: func() []string { return []string{"PATH=/usr/bin", "HOME=/home/me", "SECRET=1"} },
		Home:    "/home/me",
	}
	for _, m := range mutate {
		m(&opts)
	}
	s := NewServer(b, opts)
	t.Cleanup(func() { s.Close() })
	return s, b
}

// connect opens a workbench connection and returns a client plus the
// server side of the connection.
func connect(t *testing.T, s *Server) (*Client, *ipc.Conn, *ipc.Conn) {
	t.Helper()
	a, b := net.Pipe()
	serverSide := s.ServeConn(a)
	clientSide := ipc.NewConn(b, nil, nil)
	t.Cleanup(func() { clientSide.Close() })
	client := NewClient(clientSide, Deps{
		Workspace: fakeWorkspace{id: "ws-1", folders: []protocol.WorkspaceFolder{{URI: "file:///src/app"}}},
		Config:    fakeConfig{},
		Resolver:  &fakeResolver{},
	})
	return client, clientSide, serverSide
}

func TestServerHandlesEveryRequest(t *testing.T) {
	s, _ := newTestServer(t)
	for _, r := range protocol.Requests {
		_, ok := s.table[r]
		assert.True(t, ok, "no handler for %s", r)
	}
	assert.Len(t, s.table, len(protocol.Requests))

	_, err := s.Handle(context.Background(), "$bogus", nil)
	assert.ErrorContains(t, err, `unknown remote terminal request "$bogus"`)
	_, err = s.Handle(context.Background(), string(protocol.Input), json.RawMessage(`[1]`))
	assert.ErrorContains(t, err, "decode arguments")
}

func TestCreateProcessBuildsLaunchRequest(t *testing.T) {
	s, b := newTestServer(t)

	res, err := s.createProcess(context.Background(), protocol.CreateProcessArgs{
		Configuration: protocol.TerminalConfiguration{
			EnvLinux: map[string]string{"BAR": "b", "EDITOR_TAB": "${config:editor.tabSize}"},
		},
		ResolvedVariables: map[string]string{"config:editor.tabSize": "4"},
		EnvVariableCollections: []protocol.EnvVarCollection{
			{ExtensionID: "ext.one", Mutators: []protocol.EnvVarEntry{
				{Variable: "PATH", Mutator: protocol.EnvironmentVariableMutator{Value: ":/ext1", Type: protocol.MutatorAppend, Variable: "PATH"}},
			}},
			{ExtensionID: "ext.two", Mutators: []protocol.EnvVarEntry{
				{Variable: "PATH", Mutator: protocol.EnvironmentVariableMutator{Value: "/ext2:", Type: protocol.MutatorPrepend, Variable: "PATH"}},
			}},
		},
		ShellLaunchConfig: protocol.ShellLaunchConfig{
			Args: []string{"${env:HOME}/init.sh", "${config:editor.tabSize}"},
			Cwd:  "sub",
			Env:  map[string]string{"ROOT": "${workspaceFolder}"},
		},
		WorkspaceID:           "ws-1",
		WorkspaceName:         "Project",
		ActiveWorkspaceFolder: &protocol.WorkspaceFolder{URI: "file:///src/app"},
		ShouldPersistTerminal: true,
		Cols:                  100,
		Rows:                  30,
		ResolverEnv:           map[string]string{"REMOTE": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PersistentTerminalID)
	assert.Equal(t, "/bin/zsh", res.ResolvedShellLaunchConfig.Executable)

	got := b.lastCreated()
	assert.Equal(t, "/bin/zsh", got.ShellLaunchConfig.Executable)
	assert.Equal(t, []string{"/home/me/init.sh", "4"}, got.ShellLaunchConfig.Args)
	assert.Equal(t, "/src/app/sub", got.Cwd)
	assert.Equal(t, 100, got.Cols)
	assert.True(t, got.ShouldPersist)
	assert.Equal(t, "ws-1", got.WorkspaceID)

	assert.Equal(t, "/ext2:/usr/bin:/ext1", got.Env["PATH"], "newest contribution applies first")
	assert.Equal(t, "b", got.Env["BAR"])
	assert.Equal(t, "4", got.Env["EDITOR_TAB"])
	assert.Equal(t, "/src/app", got.Env["ROOT"])
	assert.Equal(t, "/home/me", got.Env["HOME"])
	assert.Equal(t, "truecolor", got.Env["COLORTERM"])
	assert.NotContains(t, got.Env, "SECRET", "inheritEnv is off")
	assert.NotContains(t, got.Env, "REMOTE")

	assert.Equal(t, "1", got.ExecutableEnv["SECRET"])
	assert.Equal(t, "1", got.ExecutableEnv["REMOTE"])
}

func TestCreateProcessInheritsAndStrictEnv(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()
	mutators := []protocol.EnvVarCollection{{ExtensionID: "ext", Mutators: []protocol.EnvVarEntry{
		{Variable: "PATH", Mutator: protocol.EnvironmentVariableMutator{Value: "/x:", Type: protocol.MutatorPrepend}},
	}}}

	_, err := s.createProcess(ctx, protocol.CreateProcessArgs{
		Configuration:          protocol.TerminalConfiguration{InheritEnv: true},
		EnvVariableCollections: mutators,
		ShellLaunchConfig:      protocol.ShellLaunchConfig{Executable: "/bin/bash"},
	})
	require.NoError(t, err)
	got := b.lastCreated()
	assert.Equal(t, "1", got.Env["SECRET"])
	assert.Equal(t, "/x:/usr/bin", got.Env["PATH"])
	assert.Equal(t, "/home/me", got.Cwd, "no workspace folder falls back to home")

	_, err = s.createProcess(ctx, protocol.CreateProcessArgs{
		Configuration:          protocol.TerminalConfiguration{InheritEnv: true, EnvLinux: map[string]string{"BAR": "b"}},
		EnvVariableCollections: mutators,
		ShellLaunchConfig: protocol.ShellLaunchConfig{
			Executable: "/bin/bash",
			Env:        map[string]string{"ONLY": "${userHome}"},
			StrictEnv:  true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ONLY": "/home/me"}, b.lastCreated().Env)
}

func TestMergeCollections(t *testing.T) {
	env := map[string]string{"X": "0", "Y": "y"}
	applyCollections(env, []protocol.EnvVarCollection{
		{ExtensionID: "a", Mutators: []protocol.EnvVarEntry{
			{Variable: "X", Mutator: protocol.EnvironmentVariableMutator{Value: "1", Type: protocol.MutatorReplace}},
			{Variable: "Y", Mutator: protocol.EnvironmentVariableMutator{
				Value:   "-late", Type: protocol.MutatorAppend,
				Options: &protocol.MutatorOptions{ApplyAtShellIntegration: true},
			}},
		}},
		{ExtensionID: "b", Mutators: []protocol.EnvVarEntry{
			{Variable: "X", Mutator: protocol.EnvironmentVariableMutator{Value: "2", Type: protocol.MutatorAppend}},
			{Variable: "Z", Mutator: protocol.EnvironmentVariableMutator{Value: "${userHome}", Type: protocol.MutatorAppend}},
		}},
	}, variablesFor("/home/me"))

	assert.Equal(t, map[string]string{"X": "1", "Y": "y", "Z": "/home/me"}, env)
}

func TestResolveCwd(t *testing.T) {
	tests := []struct {
		name   string
		cwd    string
		folder string
		want   string
	}{
		{"empty uses folder", "", "/src/app", "/src/app"},
		{"empty without folder uses home", "", "", "/home/me"},
		{"relative joins folder", "pkg/../cmd", "/src/app", "/src/app/cmd"},
		{"absolute", "/tmp", "/src/app", "/tmp"},
		{"file uri", "file:///var/log", "/src/app", "/var/log"},
		{"tilde", "~/code", "/src/app", "/home/me/code"},
		{"variable", "${userHome}/x", "", "/home/me/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := variablesFor("/home/me")
			vars.WorkspaceFolder = tt.folder
			assert.Equal(t, tt.want, resolveCwd(protocol.ShellLaunchConfig{Cwd: tt.cwd}, vars, "/home/me"))
		})
	}
}

func TestGetProfilesDefaultsToSettings(t *testing.T) {
	settings := config.NewStaticSettings(config.TerminalSettings{
		DefaultProfile: "dev",
		Profiles:       map[string]config.Profile{"dev": {Path: []string{"/bin/zsh"}, Args: []string{"-l"}}},
	})
	s, b := newTestServer(t, func(o *ServerOptions) { o.Settings = settings })

	_, err := s.Handle(context.Background(), string(protocol.GetProfiles), json.RawMessage(`{"workspaceId":"ws-1","includeDetectedProfiles":true}`))
	require.NoError(t, err)
	require.Len(t, b.profiles, 1)
	assert.Equal(t, "dev", b.profiles[0].DefaultProfile)
	assert.Equal(t, []string{"-l"}, b.profiles[0].Profiles["dev"].Args)

	_, err = s.Handle(context.Background(), string(protocol.GetProfiles), json.RawMessage(`{"profiles":{}}`))
	require.NoError(t, err)
	assert.Empty(t, b.profiles[1].Profiles, "explicit profiles win")
}

func TestDisconnectDetachesHeldTerminals(t *testing.T) {
	m := metrics.NewNop()
	s, b := newTestServer(t, func(o *ServerOptions) { o.Metrics = m })
	ctx := context.Background()

	client, clientSide, _ := connect(t, s)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkbenchConnections))

	created, err := client.CreateProcess(ctx, protocol.ShellLaunchConfig{Executable: "/bin/sh"}, 80, 24, "11", protocol.ProcessOptions{}, true)
	require.NoError(t, err)
	require.NoError(t, client.AttachToProcess(ctx, 40))
	require.NoError(t, client.AttachToProcess(ctx, 41))
	require.NoError(t, client.DetachFromProcess(ctx, 41, false))
	require.NoError(t, client.AttachToProcess(ctx, 42))

	b.onProcessExit.Fire(protocol.ProcessExitEvent{ID: 42})
	detachedBefore := len(b.detachedIDs())

	clientSide.Close()
	require.Eventually(t, func() bool { return len(b.detachedIDs()) == detachedBefore+2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{created.PersistentTerminalID, 40, 41}, b.detachedIDs())
	b.mu.Lock()
	for _, d := range b.detached {
		assert.False(t, d.forcePersist)
	}
	b.mu.Unlock()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkbenchConnections))
}

func TestDisconnectKeepsTerminalsHeldByAnotherConnection(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()

	first, firstSide, _ := connect(t, s)
	second, _, _ := connect(t, s)
	require.NoError(t, first.AttachToProcess(ctx, 7))
	require.NoError(t, second.AttachToProcess(ctx, 7))
	require.NoError(t, first.AttachToProcess(ctx, 8))

	firstSide.Close()
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.detachedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{8}, b.detachedIDs())
}

func TestEventsReachWorkbenches(t *testing.T) {
	s, b := newTestServer(t)
	client, _, serverSide := connect(t, s)

	got := make(chan protocol.ProcessDataEvent, 1)
	exits := make(chan int, 1)
	client.OnProcessData(func(e protocol.ProcessDataEvent) { got <- e })
	client.OnPtyHostExit(func(code int) { exits <- code })
	require.Eventually(t, func() bool {
		return serverSide.PeerListens(string(protocol.OnProcessDataEvent)) &&
			serverSide.PeerListens(string(protocol.OnPtyHostExitEvent))
	}, time.Second, 5*time.Millisecond)

	b.onData.Fire(protocol.ProcessDataEvent{ID: 3, Event: "hi"})
	b.onExit.Fire(137)

	select {
	case e := <-got:
		assert.Equal(t, protocol.ProcessDataEvent{ID: 3, Event: "hi"}, e)
	case <-time.After(time.Second):
		t.Fatal("data event not forwarded")
	}
	select {
	case code := <-exits:
		assert.Equal(t, 137, code)
	case <-time.After(time.Second):
		t.Fatal("exit event not forwarded")
	}
}

func TestExecuteCommandRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.ExecuteCommand(ctx, 1, "noop", nil)
	assert.ErrorContains(t, err, "no workbench connected")

	client, _, serverSide := connect(t, s)
	client.OnExecuteCommand(func(e protocol.ExecuteCommandEvent) {
		if e.CommandID == "silent" {
			return
		}
		go func() {
			if e.CommandID == "fail" {
				client.SendCommandResult(ctx, e.ReqID, true, "nope")
				return
			}
			var args []int
			json.Unmarshal(e.CommandArgs, &args)
			client.SendCommandResult(ctx, e.ReqID, false, map[string]any{"id": e.PersistentProcessID, "args": args})
		}()
	})
	require.Eventually(t, func() bool {
		return serverSide.PeerListens(string(protocol.OnExecuteCommand))
	}, time.Second, 5*time.Millisecond)

	out, err := s.ExecuteCommand(ctx, 9, "workbench.action.terminal.focus", []int{1, 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"args":[1,2]}`, string(out))

	_, err = s.ExecuteCommand(ctx, 9, "fail", nil)
	assert.ErrorContains(t, err, `execute command fail: "nope"`)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.ExecuteCommand(short, 9, "silent", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.commands.Pending())
}

func variablesFor(home string) variables.Context {
	return variables.Context{Home: home, Env: map[string]string{"HOME": home}}
}
