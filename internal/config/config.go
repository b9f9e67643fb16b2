// Package config loads CommandPipe settings from the environment, an optional
// .env file, and an optional YAML command file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CommandPipe state data
	DefaultStateDir = "/var/lib/commandpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "commandpipe.db"
	// DefaultAPIAddr is the default listen address of the trigger API
	DefaultAPIAddr = ":8080"
)

// Environment variable names.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvStateDir        = "COMMANDPIPE_STATE_DIR"
	EnvRedisURL        = "REDIS_URL"
	EnvAPIAddr         = "API_ADDR"
	EnvAllowRemoteCall = "COMMANDPIPE_ALLOW_REMOTE_CALL"
	EnvLogLevel        = "COMMANDPIPE_LOG_LEVEL"
	EnvConfigFile      = "COMMANDPIPE_CONFIG"
	EnvBlockTimeout    = "COMMANDPIPE_BLOCK_TIMEOUT"
	EnvDebug           = "COMMANDPIPE_DEBUG"
)

// CommandConfig overrides the policy settings of one command.
type CommandConfig struct {
	Interval time.Duration `yaml:"interval"`
	// MaxTimes caps Repeat commands; Forever makes them unbounded.
	MaxTimes int           `yaml:"max_times"`
	Forever  bool          `yaml:"forever"`
	Duration time.Duration `yaml:"duration"`
	Timeout  time.Duration `yaml:"timeout"`

	Queue       string `yaml:"queue"`
	NoSquash    bool   `yaml:"no_squash"`
	BatchSize   int    `yaml:"batch_size"`
	MaxRunTime  int    `yaml:"max_run_time"`
	Immediately bool   `yaml:"immediately"`
}

// Times returns the Repeat iteration limit, unset when the file does not
// override it.
func (c CommandConfig) Times() command.Limit {
	switch {
	case c.Forever:
		return command.Unbounded()
	case c.MaxTimes > 0:
		return command.Bounded(c.MaxTimes)
	default:
		return command.Limit{}
	}
}

// RunLimit returns the Wait consumer task cap, unset when zero.
func (c CommandConfig) RunLimit() command.Limit {
	if c.MaxRunTime > 0 {
		return command.Bounded(c.MaxRunTime)
	}
	return command.Limit{}
}

// File is the YAML command file.
type File struct {
	AllowRemoteCall []string                 `yaml:"allow_remote_call"`
	Commands        map[string]CommandConfig `yaml:"commands"`
}

// Config holds the resolved runtime configuration.
type Config struct {
	DatabaseURL     string
	StateDir        string
	RedisURL        string
	APIAddr         string
	AllowRemoteCall []string
	LogLevel        slog.Level
	BlockTimeout    time.Duration
	ConfigFile      string
	Commands        map[string]CommandConfig
}

// Command returns the overrides for name, or a zero CommandConfig.
func (c *Config) Command(name string) CommandConfig {
	return c.Commands[name]
}

// DSN returns the database DSN, falling back to an SQLite file in StateDir.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// RemoteCallAllowed reports whether name may be invoked through the API.
func (c *Config) RemoteCallAllowed(name string) bool {
	return slices.Contains(c.AllowRemoteCall, name)
}

// Load reads the .env file if present, the environment, and the YAML command
// file at path (or $COMMANDPIPE_CONFIG when path is empty).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv(EnvDatabaseURL),
		StateDir:        os.Getenv(EnvStateDir),
		RedisURL:        os.Getenv(EnvRedisURL),
		APIAddr:         os.Getenv(EnvAPIAddr),
		AllowRemoteCall: util.ParseListEnv(EnvAllowRemoteCall),
		LogLevel:        ParseLevel(os.Getenv(EnvLogLevel)),
		BlockTimeout:    util.ParseDurationEnv(EnvBlockTimeout, command.DefaultBlockTimeout),
		Commands:        make(map[string]CommandConfig),
	}
	if util.ParseBoolEnv(EnvDebug, false) {
		cfg.LogLevel = slog.LevelDebug
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("config.Load: no state dir set, using default", "state_dir", cfg.StateDir)
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
		for name, cc := range file.Commands {
			cfg.Commands[name] = cc
		}
		for _, name := range file.AllowRemoteCall {
			if !slices.Contains(cfg.AllowRemoteCall, name) {
				cfg.AllowRemoteCall = append(cfg.AllowRemoteCall, name)
			}
		}
		slog.Debug("config.Load: applied command file", "path", path, "commands", len(file.Commands))
	}
	return cfg, nil
}

// LoadFile parses a YAML command file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &f, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
