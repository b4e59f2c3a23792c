// Package workbench provides the collaborators a headless workbench (the
// ptyhost CLI) hands to remote.Client: a workspace rooted at a directory,
// a variable resolver and the terminal configuration.
package workbench

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/remote"
	"github.com/peterje/ptyhost/internal/variables"
)

// Workspace is a single-folder workspace. Its id is derived from the folder
// so every CLI invocation in the same directory sees the same terminals.
type Workspace struct {
	id     string
	folder protocol.WorkspaceFolder
}

var _ remote.Workspace = (*Workspace)(nil)

func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	uri := (&url.URL{Scheme: "file", Path: abs}).String()
	return &Workspace{
		id:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String(),
		folder: protocol.WorkspaceFolder{URI: uri, Name: filepath.Base(abs)},
	}, nil
}

func (w *Workspace) ID() string                          { return w.id }
func (w *Workspace) Name() string                        { return w.folder.Name }
func (w *Workspace) Folders() []protocol.WorkspaceFolder { return []protocol.WorkspaceFolder{w.folder} }

func (w *Workspace) ActiveFolder() *protocol.WorkspaceFolder {
	f := w.folder
	return &f
}

// Editor is the active editor of a headless workbench: at most a file.
type Editor struct {
	Path string
}

func (e Editor) ActiveResource() string {
	if e.Path == "" {
		return ""
	}
	abs, err := filepath.Abs(e.Path)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: "file", Path: abs}).String()
}

// Config serves the terminal configuration from the settings file. It is
// loaded before the client is built so it is always available.
type Config struct {
	Settings *config.Settings
}

func (c Config) WhenRemoteConfigurationLoaded(ctx context.Context) error {
	return ctx.Err()
}

func (c Config) TerminalConfiguration() protocol.TerminalConfiguration {
	return c.Settings.Current().TerminalConfiguration()
}

// Resolver resolves the variables a workbench owns. There is no editor
// selection, so selectedText and lineNumber resolve to "".
type Resolver struct {
	Settings *config.Settings
	Environ  func() []string
}

var _ remote.Resolver = Resolver{}

func (r Resolver) ResolveVariable(_ context.Context, folder *protocol.WorkspaceFolder, expr string) (string, error) {
	name, arg, _ := strings.Cut(expr, ":")
	switch name {
	case "selectedText", "lineNumber":
		return "", nil
	case "env":
		return r.env(arg), nil
	case "workspaceFolder":
		if folder == nil {
			return "", fmt.Errorf("variable %s needs an open folder", expr)
		}
		return variables.PathFromURI(folder.URI), nil
	case "config":
		if v, ok := r.setting(arg); ok {
			return v, nil
		}
		return "", fmt.Errorf("unknown setting %q", arg)
	}
	return "", fmt.Errorf("cannot resolve variable %q", expr)
}

func (r Resolver) env(name string) string {
	environ := os.Environ
	if r.Environ != nil {
		environ = r.Environ
	}
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			return v
		}
	}
	return ""
}

// setting maps the terminal.integrated.* keys the settings file carries.
func (r Resolver) setting(key string) (string, bool) {
	if r.Settings == nil {
		return "", false
	}
	ts := r.Settings.Current()
	const prefix = "terminal.integrated."
	switch strings.TrimPrefix(key, prefix) {
	case "inheritEnv":
		return fmt.Sprint(ts.InheritEnv), true
	case "shellIntegration.enabled":
		return fmt.Sprint(ts.ShellIntegration), true
	case "persistentSessionScrollback":
		return fmt.Sprint(ts.PersistentSessionScrollback), true
	case "persistentSessionReviveProcess":
		return ts.PersistentSessionReviveProcess, true
	case "defaultProfile.linux":
		return ts.DefaultProfile, true
	}
	if name, ok := strings.CutPrefix(key, prefix+"env.linux."); ok {
		v, ok := ts.Env[name]
		return v, ok
	}
	return "", false
}
