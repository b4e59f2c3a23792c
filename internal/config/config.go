// Package config loads process configuration from the environment and
// terminal settings from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g.
// PTYHOST_SERVER_ADDR or PTYHOST_SUPERVISOR_MAX_RESTARTS.
const Prefix = "PTYHOST"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Host       HostConfig
	Supervisor SupervisorConfig
	Logging    LogConfig
}

// ServerConfig holds the workbench-facing listeners and storage paths.
type ServerConfig struct {
	Addr         string `envconfig:"ADDR" default:"127.0.0.1:8810"`
	Socket       string `envconfig:"SOCKET"`
	DataDir      string `envconfig:"DATA_DIR"`
	SettingsFile string `envconfig:"SETTINGS"`

	// Token, when set, must accompany every request except health and
	// metrics.
	Token   string `envconfig:"TOKEN"`
	TLS     bool   `envconfig:"TLS" default:"false"`
	TLSCert string `envconfig:"TLS_CERT"`
	TLSKey  string `envconfig:"TLS_KEY"`
}

// HostConfig holds pty host behavior.
type HostConfig struct {
	Socket                string        `envconfig:"SOCKET"`
	GraceTime             time.Duration `envconfig:"GRACE_TIME" default:"60s"`
	ShortGraceTime        time.Duration `envconfig:"SHORT_GRACE_TIME" default:"6s"`
	OrphanQuestionTimeout time.Duration `envconfig:"ORPHAN_QUESTION_TIMEOUT" default:"4s"`
}

// SupervisorConfig holds heartbeat and restart policy.
type SupervisorConfig struct {
	BeatInterval           time.Duration `envconfig:"BEAT_INTERVAL" default:"5s"`
	FirstWaitMultiplier    float64       `envconfig:"FIRST_WAIT_MULTIPLIER" default:"1.2"`
	SecondWaitMultiplier   float64       `envconfig:"SECOND_WAIT_MULTIPLIER" default:"1"`
	ConnectingBeatInterval time.Duration `envconfig:"CONNECTING_BEAT_INTERVAL" default:"20s"`
	CreateProcessTimeout   time.Duration `envconfig:"CREATE_PROCESS_TIMEOUT" default:"5s"`
	MaxRestarts            int           `envconfig:"MAX_RESTARTS" default:"5"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Load loads configuration from environment variables and fills in the
// paths that default to the data directory.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8810",
		},
		Host: HostConfig{
			GraceTime:             60 * time.Second,
			ShortGraceTime:        6 * time.Second,
			OrphanQuestionTimeout: 4 * time.Second,
		},
		Supervisor: SupervisorConfig{
			BeatInterval:           5 * time.Second,
			FirstWaitMultiplier:    1.2,
			SecondWaitMultiplier:   1,
			ConnectingBeatInterval: 20 * time.Second,
			CreateProcessTimeout:   5 * time.Second,
			MaxRestarts:            5,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
	cfg.resolvePaths()
	return cfg
}

func (c *Config) resolvePaths() error {
	if c.Server.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		c.Server.DataDir = filepath.Join(home, ".ptyhost")
	}
	if c.Server.Socket == "" {
		c.Server.Socket = filepath.Join(c.Server.DataDir, "server.sock")
	}
	if c.Server.SettingsFile == "" {
		c.Server.SettingsFile = filepath.Join(c.Server.DataDir, "settings.toml")
	}
	if c.Host.Socket == "" {
		c.Host.Socket = filepath.Join(c.Server.DataDir, "host.sock")
	}
	return nil
}

// PIDPath is where the pty host records its pid next to its socket.
func (c HostConfig) PIDPath() string {
	return c.Socket + ".pid"
}

// TLSDir caches the generated self-signed certificate.
func (c ServerConfig) TLSDir() string {
	return filepath.Join(c.DataDir, "tls")
}

// DatabasePath is the sqlite file holding terminal layouts.
func (c ServerConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "layouts.db")
}
