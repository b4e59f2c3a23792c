// Package variables finds and substitutes ${name} and ${name:arg}
// expressions in terminal launch settings.
package variables

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var expressionRe = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Find returns the expressions referenced by the given strings, without the
// surrounding ${}, in first-seen order and without duplicates.
func Find(texts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, text := range texts {
		for _, m := range expressionRe.FindAllStringSubmatch(text, -1) {
			expr := m[1]
			if !seen[expr] {
				seen[expr] = true
				out = append(out, expr)
			}
		}
	}
	return out
}

// FindInMap returns the expressions referenced by the values of m. Keys are
// visited in sorted order so the result is stable.
func FindInMap(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, m[k])
	}
	return Find(values...)
}

// Split breaks an expression into its name and optional argument:
// "env:HOME" gives ("env", "HOME"), "userHome" gives ("userHome", "").
func Split(expr string) (name, arg string) {
	name, arg, _ = strings.Cut(expr, ":")
	return name, arg
}

// Replace substitutes every expression in text for which lookup reports a
// value. Unknown expressions are left untouched.
func Replace(text string, lookup func(expr string) (string, bool)) string {
	if !strings.Contains(text, "${") {
		return text
	}
	return expressionRe.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]
		if v, ok := lookup(expr); ok {
			return v
		}
		return match
	})
}

// Context holds what the server knows for resolving expressions itself.
type Context struct {
	// Resolved carries values already resolved by the workbench.
	Resolved map[string]string

	Env             map[string]string
	Home            string
	WorkspaceFolder string
	ActiveFile      string
}

// Lookup resolves expr, preferring values in Resolved.
func (c Context) Lookup(expr string) (string, bool) {
	if v, ok := c.Resolved[expr]; ok {
		return v, true
	}
	name, arg := Split(expr)
	switch name {
	case "env":
		if arg == "" {
			return "", false
		}
		// An unset variable resolves to the empty string.
		return c.Env[arg], true
	case "userHome":
		return c.Home, c.Home != ""
	case "pathSeparator", "/":
		return string(filepath.Separator), true
	case "workspaceFolder":
		return c.WorkspaceFolder, c.WorkspaceFolder != ""
	case "workspaceFolderBasename":
		if c.WorkspaceFolder == "" {
			return "", false
		}
		return filepath.Base(c.WorkspaceFolder), true
	case "file":
		return c.ActiveFile, c.ActiveFile != ""
	case "fileBasename":
		if c.ActiveFile == "" {
			return "", false
		}
		return filepath.Base(c.ActiveFile), true
	case "fileDirname":
		if c.ActiveFile == "" {
			return "", false
		}
		return filepath.Dir(c.ActiveFile), true
	}
	return "", false
}

// Resolve substitutes text using c.Lookup.
func (c Context) Resolve(text string) string {
	return Replace(text, c.Lookup)
}

// ResolveAll substitutes every element of texts.
func (c Context) ResolveAll(texts []string) []string {
	if texts == nil {
		return nil
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = c.Resolve(t)
	}
	return out
}

// EnvFromOS converts os.Environ into a map.
func EnvFromOS() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// PathFromURI returns the filesystem path of a file or vscode-remote URI,
// or the input unchanged if it is not a URI.
func PathFromURI(uri string) string {
	if uri == "" || !strings.Contains(uri, "://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Path
}
