package host

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/protocol"
)

// ShellsFile lists the login shells installed on the system.
var ShellsFile = "/etc/shells"

// DetectShells returns the existing shells listed in ShellsFile, one per
// basename, in file order.
func DetectShells() []string {
	f, err := os.Open(ShellsFile)
	if err != nil {
		return nil
	}
	defer f.Close()

	seen := make(map[string]bool)
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := filepath.Base(line)
		if seen[name] || !isExecutable(line) {
			continue
		}
		seen[name] = true
		out = append(out, line)
	}
	return out
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Mode()&0o111 != 0
}

// GetProfiles resolves the configured profiles and, when asked, adds the
// shells detected on the system. Variables in profile paths are resolved
// through the workbench.
func (s *Service) GetProfiles(ctx context.Context, args protocol.GetProfilesArgs) ([]protocol.TerminalProfile, error) {
	names := make([]string, 0, len(args.Profiles))
	for name := range args.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []protocol.TerminalProfile
	seenPaths := make(map[string]bool)
	for _, name := range names {
		cfg := args.Profiles[name]
		paths := s.resolveProfilePaths(ctx, args.WorkspaceID, cfg.Path)
		path := firstExisting(paths)
		if path == "" {
			s.log.Debug("no usable path for profile", zap.String("profile", name), zap.Strings("paths", paths))
			continue
		}
		seenPaths[path] = true
		out = append(out, protocol.TerminalProfile{
			ProfileName: name,
			Path:        path,
			Args:        cfg.Args,
			IsDefault:   name == args.DefaultProfile,
			Icon:        cfg.Icon,
			Env:         cfg.Env,
		})
	}

	if args.IncludeDetectedProfiles {
		taken := make(map[string]bool, len(out))
		for _, p := range out {
			taken[p.ProfileName] = true
		}
		for _, shell := range DetectShells() {
			name := filepath.Base(shell)
			if seenPaths[shell] || taken[name] {
				continue
			}
			out = append(out, protocol.TerminalProfile{
				ProfileName:    name,
				Path:           shell,
				IsDefault:      name == args.DefaultProfile,
				IsAutoDetected: true,
			})
		}
	}
	if out == nil {
		out = []protocol.TerminalProfile{}
	}
	return out, nil
}

func (s *Service) resolveProfilePaths(ctx context.Context, workspaceID string, paths []string) []string {
	needs := false
	for _, p := range paths {
		if strings.Contains(p, "${") {
			needs = true
			break
		}
	}
	if !needs || s.opts.Resolve == nil {
		return paths
	}
	resolved, err := s.opts.Resolve(ctx, workspaceID, paths)
	if err != nil || len(resolved) != len(paths) {
		s.log.Warn("could not resolve profile paths", zap.Error(err))
		return paths
	}
	return resolved
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			if isExecutable(p) {
				return p
			}
			continue
		}
		if found, err := lookPath(p); err == nil {
			return found
		}
	}
	return ""
}
