package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/protocol"
)

type recordedCall struct {
	command string
	arg     json.RawMessage
}

// fakeChannel records calls and lets tests fire events at the client.
type fakeChannel struct {
	mu        sync.Mutex
	calls     []recordedCall
	replies   map[string]any
	listeners map[string]*event.Emitter[json.RawMessage]
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		replies:   make(map[string]any),
		listeners: make(map[string]*event.Emitter[json.RawMessage]),
	}
}

func (c *fakeChannel) Call(ctx context.Context, command string, arg, reply any) error {
	raw, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{command: command, arg: raw})
	v, ok := c.replies[command]
	c.mu.Unlock()
	if !ok || reply == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, reply)
}

func (c *fakeChannel) Listen(name string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	em, ok := c.listeners[name]
	if !ok {
		em = &event.Emitter[json.RawMessage]{}
		c.listeners[name] = em
	}
	c.mu.Unlock()
	return em.Subscribe(fn)
}

func (c *fakeChannel) emit(name protocol.Event, v any) {
	raw, _ := json.Marshal(v)
	c.mu.Lock()
	em := c.listeners[string(name)]
	c.mu.Unlock()
	if em != nil {
		em.Fire(raw)
	}
}

func (c *fakeChannel) callsTo(req protocol.Request) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, call := range c.calls {
		if call.command == string(req) {
			out = append(out, call.arg)
		}
	}
	return out
}

type fakeWorkspace struct {
	id      string
	folders []protocol.WorkspaceFolder
}

func (w fakeWorkspace) ID() string                          { return w.id }
func (w fakeWorkspace) Name() string                        { return "Project" }
func (w fakeWorkspace) Folders() []protocol.WorkspaceFolder { return w.folders }
func (w fakeWorkspace) ActiveFolder() *protocol.WorkspaceFolder {
	if len(w.folders) == 0 {
		return nil
	}
	return &w.folders[0]
}

type fakeEditor string

func (e fakeEditor) ActiveResource() string { return string(e) }

// fakeResolver answers from values and fails on any expression in fail.
type fakeResolver struct {
	mu     sync.Mutex
	values map[string]string
	fail   map[string]bool
	asked  []string
}

func (r *fakeResolver) ResolveVariable(ctx context.Context, folder *protocol.WorkspaceFolder, expr string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, expr)
	if r.fail[expr] {
		return "", errors.New("cannot resolve " + expr)
	}
	v, ok := r.values[expr]
	if !ok {
		return "", errors.New("unknown variable " + expr)
	}
	return v, nil
}

type fakeConfig struct {
	cfg protocol.TerminalConfiguration
}

func (c fakeConfig) WhenRemoteConfigurationLoaded(ctx context.Context) error { return ctx.Err() }
func (c fakeConfig) TerminalConfiguration() protocol.TerminalConfiguration  { return c.cfg }

type fakeCollections []protocol.EnvVarCollection

func (c fakeCollections) Collections() []protocol.EnvVarCollection { return c }

type fakeAuthority map[string]string

func (a fakeAuthority) ExtensionHostEnv(context.Context) (map[string]string, error) { return a, nil }

func newTestClient(t *testing.T, deps Deps) (*Client, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	if deps.Workspace == nil {
		deps.Workspace = fakeWorkspace{id: "ws-1", folders: []protocol.WorkspaceFolder{{URI: "file:///src/app", Name: "app"}}}
	}
	if deps.Config == nil {
		deps.Config = fakeConfig{}
	}
	if deps.Resolver == nil {
		deps.Resolver = &fakeResolver{}
	}
	return NewClient(ch, deps), ch
}

func decodeCreate(t *testing.T, ch *fakeChannel) protocol.CreateProcessArgs {
	t.Helper()
	calls := ch.callsTo(protocol.CreateProcess)
	require.Len(t, calls, 1, "createProcess is sent exactly once")
	var args protocol.CreateProcessArgs
	require.NoError(t, json.Unmarshal(calls[0], &args))
	return args
}

func TestCreateProcessTransmitsOnlyWorkbenchVariables(t *testing.T) {
	resolver := &fakeResolver{values: map[string]string{
		"config:foo":      "bar",
		"selectedText":    "hello",
		"lineNumber":      "12",
		"someOtherVar":    "x",
		"workspaceFolder": "/src/app",
	}}
	client, ch := newTestClient(t, Deps{
		Resolver:    resolver,
		Config:      fakeConfig{cfg: protocol.TerminalConfiguration{EnvLinux: map[string]string{"LINE": "${lineNumber}"}}},
		Editor:      fakeEditor("file:///src/app/main.go"),
		Collections: fakeCollections{{ExtensionID: "ext.git"}},
		Authority:   fakeAuthority{"REMOTE": "1"},
	})
	ch.replies[string(protocol.CreateProcess)] = protocol.CreateProcessResult{PersistentTerminalID: 7}

	res, err := client.CreateProcess(context.Background(), protocol.ShellLaunchConfig{
		Executable: "${config:foo}",
		Args:       []string{"${selectedText}", "${someOtherVar}"},
		Cwd:        "${workspaceFolder}",
	}, 120, 40, "11", protocol.ProcessOptions{}, true)
	require.NoError(t, err)
	assert.Equal(t, 7, res.PersistentTerminalID)

	args := decodeCreate(t, ch)
	assert.Equal(t, map[string]string{
		"config:foo":   "bar",
		"selectedText": "hello",
		"lineNumber":   "12",
	}, args.ResolvedVariables)
	assert.Equal(t, "ws-1", args.WorkspaceID)
	assert.Equal(t, "Project", args.WorkspaceName)
	require.NotNil(t, args.ActiveWorkspaceFolder)
	assert.Equal(t, "file:///src/app", args.ActiveWorkspaceFolder.URI)
	assert.Equal(t, "file:///src/app/main.go", args.ActiveFileResource)
	require.Len(t, args.EnvVariableCollections, 1)
	assert.Equal(t, "ext.git", args.EnvVariableCollections[0].ExtensionID)
	assert.Equal(t, map[string]string{"REMOTE": "1"}, args.ResolverEnv)
	assert.True(t, args.ShouldPersistTerminal)
	assert.Equal(t, 120, args.Cols)
	assert.Equal(t, 40, args.Rows)
	assert.Equal(t, "${config:foo}", args.ShellLaunchConfig.Executable, "the launch config is sent unresolved")
}

func TestCreateProcessKeepsVariablesResolvedBeforeFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	resolver := &fakeResolver{
		values: map[string]string{"config:a": "1", "config:c": "3"},
		fail:   map[string]bool{"config:b": true},
	}
	client, ch := newTestClient(t, Deps{Resolver: resolver, Logger: zap.New(core)})

	_, err := client.CreateProcess(context.Background(), protocol.ShellLaunchConfig{
		Args: []string{"${config:a}", "${config:b}", "${config:c}"},
	}, 80, 24, "11", protocol.ProcessOptions{}, false)
	require.NoError(t, err)

	args := decodeCreate(t, ch)
	assert.Equal(t, map[string]string{"config:a": "1"}, args.ResolvedVariables)
	assert.Equal(t, []string{"config:a", "config:b"}, resolver.asked, "resolution stops at the first failure")
	assert.Equal(t, 1, logs.FilterMessage("could not resolve terminal variables").Len())
}

func TestCreateProcessWithFailingFirstVariable(t *testing.T) {
	resolver := &fakeResolver{fail: map[string]bool{"config:a": true}}
	client, ch := newTestClient(t, Deps{Resolver: resolver})

	_, err := client.CreateProcess(context.Background(), protocol.ShellLaunchConfig{Name: "${config:a}"}, 80, 24, "11", protocol.ProcessOptions{}, false)
	require.NoError(t, err)
	args := decodeCreate(t, ch)
	assert.NotNil(t, args.ResolvedVariables)
	assert.Empty(t, args.ResolvedVariables)
}

func TestCreateProcessActiveFileSchemes(t *testing.T) {
	tests := []struct {
		resource string
		want     string
	}{
		{"file:///home/me/a.txt", "file:///home/me/a.txt"},
		{"vscode-userdata:/User/settings.json", "vscode-userdata:/User/settings.json"},
		{"vscode-remote://ssh-remote+box/src/a.go", "vscode-remote://ssh-remote+box/src/a.go"},
		{"http://example.com/a.txt", ""},
		{"untitled:Untitled-1", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			client, ch := newTestClient(t, Deps{Editor: fakeEditor(tt.resource)})
			_, err := client.CreateProcess(context.Background(), protocol.ShellLaunchConfig{}, 80, 24, "11", protocol.ProcessOptions{}, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decodeCreate(t, ch).ActiveFileResource)
		})
	}
}

func TestCreateProcessWaitsForConfiguration(t *testing.T) {
	client, ch := newTestClient(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.CreateProcess(ctx, protocol.ShellLaunchConfig{}, 80, 24, "11", protocol.ProcessOptions{}, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.callsTo(protocol.CreateProcess))
}

func TestLayoutCallsCarryWorkspaceID(t *testing.T) {
	client, ch := newTestClient(t, Deps{})
	ctx := context.Background()

	require.NoError(t, client.SetTerminalLayoutInfo(ctx, protocol.TerminalsLayoutInfoByID{
		Tabs: []protocol.RawTerminalTabLayout{{IsActive: true, Terminals: []protocol.RawTerminalInstanceLayout{{RelativeSize: 1, Terminal: 3}}}},
	}))
	var set protocol.SetTerminalLayoutInfoArgs
	require.NoError(t, json.Unmarshal(ch.callsTo(protocol.SetTerminalLayoutInfo)[0], &set))
	assert.Equal(t, "ws-1", set.WorkspaceID)
	assert.Equal(t, 3, set.Tabs[0].Terminals[0].Terminal)

	layout, err := client.GetTerminalLayoutInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, layout)
	assert.JSONEq(t, `{"workspaceId":"ws-1"}`, string(ch.callsTo(protocol.GetTerminalLayoutInfo)[0]))

	_, err = client.GetRevivedPtyNewID(ctx, 4)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workspaceId":"ws-1","id":4}`, string(ch.callsTo(protocol.GetRevivedPtyNewID)[0]))
}

func TestStartReturnsLaunchError(t *testing.T) {
	client, ch := newTestClient(t, Deps{})
	ch.replies[string(protocol.Start)] = protocol.StartResult{Error: &protocol.LaunchError{Message: "no such file"}}

	le, err := client.Start(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, le)
	assert.Equal(t, "no such file", le.Message)

	ch.replies[string(protocol.Start)] = errors.New("boom")
	_, err = client.Start(context.Background(), 1)
	assert.ErrorContains(t, err, "$start: boom")
}

func TestServeVariableRequests(t *testing.T) {
	resolver := &fakeResolver{values: map[string]string{"env:TOOLS": "/opt/tools"}}
	client, ch := newTestClient(t, Deps{Resolver: resolver})
	stop := client.ServeVariableRequests(context.Background())
	defer stop()

	ch.emit(protocol.OnPtyHostRequestResolveVariablesEvent, protocol.ResolveVariablesRequest{
		RequestID: 1, WorkspaceID: "other", OriginalText: []string{"${env:TOOLS}"},
	})
	ch.emit(protocol.OnPtyHostRequestResolveVariablesEvent, protocol.ResolveVariablesRequest{
		RequestID: 2, WorkspaceID: "ws-1", OriginalText: []string{"${env:TOOLS}/zsh", "${unknown}", "plain"},
	})

	require.Eventually(t, func() bool {
		return len(ch.callsTo(protocol.AcceptPtyHostResolvedVars)) == 1
	}, time.Second, 5*time.Millisecond)
	var got protocol.AcceptResolvedVariablesArgs
	require.NoError(t, json.Unmarshal(ch.callsTo(protocol.AcceptPtyHostResolvedVars)[0], &got))
	assert.Equal(t, 2, got.RequestID)
	assert.Equal(t, []string{"/opt/tools/zsh", "${unknown}", "plain"}, got.Resolved)
}

func TestEventsAreDecoded(t *testing.T) {
	client, ch := newTestClient(t, Deps{})

	var data []protocol.ProcessDataEvent
	var exits []int
	var started int
	unsub := client.OnProcessData(func(e protocol.ProcessDataEvent) { data = append(data, e) })
	client.OnPtyHostExit(func(code int) { exits = append(exits, code) })
	client.OnPtyHostStart(func() { started++ })

	ch.emit(protocol.OnProcessDataEvent, protocol.ProcessDataEvent{ID: 1, Event: "ls\r\n"})
	ch.emit(protocol.OnProcessDataEvent, "not an object")
	ch.emit(protocol.OnPtyHostExitEvent, 9)
	ch.emit(protocol.OnPtyHostStartEvent, nil)
	unsub()
	ch.emit(protocol.OnProcessDataEvent, protocol.ProcessDataEvent{ID: 1, Event: "dropped"})

	assert.Equal(t, []protocol.ProcessDataEvent{{ID: 1, Event: "ls\r\n"}}, data)
	assert.Equal(t, []int{9}, exits)
	assert.Equal(t, 1, started)
}

func TestSendCommandResult(t *testing.T) {
	client, ch := newTestClient(t, Deps{})
	require.NoError(t, client.SendCommandResult(context.Background(), 5, false, map[string]int{"n": 1}))
	assert.JSONEq(t, `{"reqId":5,"isError":false,"payload":{"n":1}}`, string(ch.callsTo(protocol.SendCommandResult)[0]))
}
