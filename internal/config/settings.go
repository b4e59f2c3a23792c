package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/event"
	"github.com/peterje/ptyhost/internal/protocol"
)

// Profile is a configured terminal profile.
type Profile struct {
	Path []string          `toml:"path"`
	Args []string          `toml:"args"`
	Icon string            `toml:"icon"`
	Env  map[string]string `toml:"env"`
}

// TerminalSettings mirrors the terminal.integrated.* settings the server
// and pty host care about.
type TerminalSettings struct {
	IgnoreProcessNames             []string           `toml:"ignore_process_names"`
	PersistentSessionScrollback    int                `toml:"persistent_session_scrollback"`
	PersistentSessionReviveProcess string             `toml:"persistent_session_revive_process"`
	ShellIntegration               bool               `toml:"shell_integration"`
	InheritEnv                     bool               `toml:"inherit_env"`
	Env                            map[string]string  `toml:"env"`
	DefaultProfile                 string             `toml:"default_profile"`
	Profiles                       map[string]Profile `toml:"profiles"`
	AutoReplies                    map[string]string  `toml:"auto_replies"`
}

type settingsFile struct {
	Terminal TerminalSettings `toml:"terminal"`
}

// DefaultTerminalSettings returns the stock settings.
func DefaultTerminalSettings() TerminalSettings {
	return TerminalSettings{
		IgnoreProcessNames:             []string{"starship", "oh-my-posh", "bash", "zsh"},
		PersistentSessionScrollback:    100,
		PersistentSessionReviveProcess: "onExit",
		ShellIntegration:               true,
		InheritEnv:                     true,
	}
}

// TerminalConfiguration converts the settings to the wire shape sent with
// $createProcess.
func (s TerminalSettings) TerminalConfiguration() protocol.TerminalConfiguration {
	return protocol.TerminalConfiguration{
		EnvLinux:                       s.Env,
		InheritEnv:                     s.InheritEnv,
		PersistentSessionScrollback:    s.PersistentSessionScrollback,
		PersistentSessionReviveProcess: s.PersistentSessionReviveProcess,
		ShellIntegrationEnabled:        s.ShellIntegration,
		DefaultProfileLinux:            s.DefaultProfile,
	}
}

// ProfileConfigs converts the configured profiles to their wire shape.
func (s TerminalSettings) ProfileConfigs() map[string]protocol.TerminalProfileConfig {
	out := make(map[string]protocol.TerminalProfileConfig, len(s.Profiles))
	for name, p := range s.Profiles {
		out[name] = protocol.TerminalProfileConfig{Path: p.Path, Args: p.Args, Icon: p.Icon, Env: p.Env}
	}
	return out
}

// Settings is the live, reloadable view of the settings file.
type Settings struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	current TerminalSettings

	onDidChange event.Emitter[TerminalSettings]
}

// LoadSettings reads path. A missing file yields the defaults.
func LoadSettings(path string, log *zap.Logger) (*Settings, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Settings{path: path, log: log}
	cur, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	s.current = cur
	return s, nil
}

// NewStaticSettings returns settings that are not backed by a file.
func NewStaticSettings(ts TerminalSettings) *Settings {
	return &Settings{log: zap.NewNop(), current: ts}
}

func readSettings(path string) (TerminalSettings, error) {
	file := settingsFile{Terminal: DefaultTerminalSettings()}
	if path == "" {
		return file.Terminal, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return file.Terminal, nil
	}
	if err != nil {
		return TerminalSettings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return TerminalSettings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return file.Terminal, nil
}

// Current returns a snapshot of the settings.
func (s *Settings) Current() TerminalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnDidChange subscribes to settings changes.
func (s *Settings) OnDidChange(fn func(TerminalSettings)) func() {
	return s.onDidChange.Subscribe(fn)
}

// Reload re-reads the file and notifies listeners. On a parse error the
// previous settings stay in effect.
func (s *Settings) Reload() error {
	next, err := readSettings(s.path)
	if err != nil {
		s.log.Warn("settings reload failed", zap.String("path", s.path), zap.Error(err))
		return err
	}
	s.Set(next)
	s.log.Info("settings reloaded", zap.String("path", s.path))
	return nil
}

// Set replaces the settings and notifies listeners.
func (s *Settings) Set(ts TerminalSettings) {
	s.mu.Lock()
	s.current = ts
	s.mu.Unlock()
	s.onDidChange.Fire(ts)
}

// Save writes the current settings back to the file.
func (s *Settings) Save() error {
	if s.path == "" {
		return errors.New("settings: no file")
	}
	data, err := toml.Marshal(settingsFile{Terminal: s.Current()})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}
