package remote

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/variables"
)

// minimalEnv is what a terminal keeps from the server environment when
// inheritEnv is off.
var minimalEnv = []string{"HOME", "USER", "LOGNAME", "PATH", "SHELL", "TMPDIR", "LANG", "DISPLAY", "XAUTHORITY"}

// baseEnv is the server environment overlaid with the remote authority's
// overrides. It is what the executable is resolved against.
func baseEnv(environ []string, resolverEnv map[string]string) map[string]string {
	env := make(map[string]string, len(environ)+len(resolverEnv))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range resolverEnv {
		env[k] = v
	}
	return env
}

// terminalEnv builds the environment of a new terminal. Layers apply in
// order: inherited or minimal server env, the platform env setting, the
// launch config env. A strict launch config gets only its own env.
func terminalEnv(slc protocol.ShellLaunchConfig, cfg protocol.TerminalConfiguration, vars variables.Context, base map[string]string) map[string]string {
	env := make(map[string]string)
	if slc.StrictEnv {
		for k, v := range slc.Env {
			env[k] = vars.Resolve(v)
		}
		return env
	}

	if cfg.InheritEnv {
		for k, v := range base {
			env[k] = v
		}
	} else {
		for _, k := range minimalEnv {
			if v, ok := base[k]; ok {
				env[k] = v
			}
		}
	}
	for k, v := range cfg.EnvLinux {
		env[k] = vars.Resolve(v)
	}
	for k, v := range slc.Env {
		env[k] = vars.Resolve(v)
	}

	env["COLORTERM"] = "truecolor"
	env["TERM_PROGRAM"] = "ptyhost"
	if _, ok := env["LANG"]; !ok {
		env["LANG"] = "en_US.UTF-8"
	}
	return env
}

type mergedMutator struct {
	extensionID string
	mutator     protocol.EnvironmentVariableMutator
}

// mergeCollections combines extension contributions per variable, newest
// contribution first. Once a collection replaces a variable, later
// collections cannot touch it.
func mergeCollections(collections []protocol.EnvVarCollection) (map[string][]mergedMutator, []string) {
	merged := make(map[string][]mergedMutator)
	var order []string
	for _, c := range collections {
		for _, e := range c.Mutators {
			list, seen := merged[e.Variable]
			if !seen {
				order = append(order, e.Variable)
			}
			if replaced(list) {
				continue
			}
			merged[e.Variable] = append([]mergedMutator{{extensionID: c.ExtensionID, mutator: e.Mutator}}, list...)
		}
	}
	return merged, order
}

func replaced(list []mergedMutator) bool {
	for _, m := range list {
		if m.mutator.Type == protocol.MutatorReplace {
			return true
		}
	}
	return false
}

// applyCollections applies the merged mutators that take effect at
// process creation.
func applyCollections(env map[string]string, collections []protocol.EnvVarCollection, vars variables.Context) {
	merged, order := mergeCollections(collections)
	for _, variable := range order {
		for _, m := range merged[variable] {
			if m.mutator.Options != nil && !m.mutator.Options.ApplyAtProcessCreation {
				continue
			}
			value := vars.Resolve(m.mutator.Value)
			switch m.mutator.Type {
			case protocol.MutatorReplace:
				env[variable] = value
			case protocol.MutatorAppend:
				env[variable] = env[variable] + value
			case protocol.MutatorPrepend:
				env[variable] = value + env[variable]
			}
		}
	}
}

// resolveCwd picks the starting directory: the launch config cwd (relative
// paths are taken from the workspace root), else the active workspace
// folder, else home.
func resolveCwd(slc protocol.ShellLaunchConfig, vars variables.Context, home string) string {
	root := vars.WorkspaceFolder
	if root == "" {
		root = home
	}
	if slc.Cwd == "" {
		return root
	}
	cwd := vars.Resolve(variables.PathFromURI(slc.Cwd))
	if strings.HasPrefix(cwd, "~/") || cwd == "~" {
		cwd = filepath.Join(home, strings.TrimPrefix(cwd, "~"))
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(root, cwd)
	}
	return filepath.Clean(cwd)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}
