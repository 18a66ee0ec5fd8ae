// Package config holds the process configuration, the dynamically loadable
// config fragments, and the shared bot state (global lock, admin set).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/quartermaster/internal/otel"
)

// AudienceProduction and AudienceDevelopment are the built-in deployment
// surfaces. Each owns its own command/task namespace and destination chat.
const (
	AudienceProduction  = "production"
	AudienceDevelopment = "development"
)

// AudienceConfig describes one deployment surface.
type AudienceConfig struct {
	// ChatID is the destination chat the audience's command surface is
	// published to.
	ChatID int64 `yaml:"chat_id"`

	// CommandsDir and TasksDir hold one definition file per command/task.
	// Relative paths are resolved against HomeDir.
	CommandsDir string `yaml:"commands_dir"`
	TasksDir    string `yaml:"tasks_dir"`
}

// WatchConfig controls how definition directories are observed.
type WatchConfig struct {
	// Mode is "notify" (fsnotify) or "poll" (mtime scanning, for
	// filesystems without native change notification).
	Mode string `yaml:"mode"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	DebounceMillis      int `yaml:"debounce_ms"`
}

// TelegramConfig holds the chat-platform credentials.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Timezone is the fixed civil timezone all time-of-day schedules are
	// evaluated in. Machine-local time is never used.
	Timezone string `yaml:"timezone"`

	// TickSeconds is the task runner scan period.
	TickSeconds int `yaml:"tick_seconds"`

	// Admins are user ids allowed to use the lock/unlock commands.
	Admins []string `yaml:"admins"`

	// UnlockCommand is the one command the gate dispatches while locked.
	UnlockCommand string `yaml:"unlock_command"`

	Audiences map[string]AudienceConfig `yaml:"audiences"`

	// FragmentsDir holds dynamically loadable config fragments
	// (fragment name = filename minus extension).
	FragmentsDir string `yaml:"fragments_dir"`

	// DatabasePath is the sqlite database file. Relative paths are
	// resolved against HomeDir.
	DatabasePath string `yaml:"database_path"`

	Watch    WatchConfig    `yaml:"watch"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     otel.Config    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		Timezone:      "UTC",
		TickSeconds:   int(time.Minute.Seconds()),
		UnlockCommand: "unlock",
		Audiences: map[string]AudienceConfig{
			AudienceProduction: {
				CommandsDir: "commands/production",
				TasksDir:    "tasks/production",
			},
			AudienceDevelopment: {
				CommandsDir: "commands/development",
				TasksDir:    "tasks/development",
			},
		},
		FragmentsDir: "config.d",
		DatabasePath: "quartermaster.db",
		Watch: WatchConfig{
			Mode:                "notify",
			PollIntervalSeconds: 2,
			DebounceMillis:      150,
		},
	}
}

// HomeDir returns the bot home directory, honoring QUARTERMASTER_HOME.
func HomeDir() string {
	if override := os.Getenv("QUARTERMASTER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quartermaster")
}

// Load reads <home>/config.yaml, applies defaults and env overrides, and
// resolves all relative paths against the home directory.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create quartermaster home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUARTERMASTER_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("QUARTERMASTER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUARTERMASTER_TZ"); v != "" {
		cfg.Timezone = v
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = int(time.Minute.Seconds())
	}
	if cfg.UnlockCommand == "" {
		cfg.UnlockCommand = "unlock"
	}
	if cfg.Audiences == nil {
		cfg.Audiences = defaultConfig().Audiences
	}
	if cfg.FragmentsDir == "" {
		cfg.FragmentsDir = "config.d"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "quartermaster.db"
	}
	switch cfg.Watch.Mode {
	case "notify", "poll":
	default:
		cfg.Watch.Mode = "notify"
	}
	if cfg.Watch.PollIntervalSeconds <= 0 {
		cfg.Watch.PollIntervalSeconds = 2
	}
	if cfg.Watch.DebounceMillis <= 0 {
		cfg.Watch.DebounceMillis = 150
	}

	cfg.FragmentsDir = resolvePath(cfg.HomeDir, cfg.FragmentsDir)
	cfg.DatabasePath = resolvePath(cfg.HomeDir, cfg.DatabasePath)
	for name, aud := range cfg.Audiences {
		aud.CommandsDir = resolvePath(cfg.HomeDir, aud.CommandsDir)
		aud.TasksDir = resolvePath(cfg.HomeDir, aud.TasksDir)
		cfg.Audiences[name] = aud
	}
}

func validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	for name := range cfg.Audiences {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("audience with empty name")
		}
	}
	return nil
}

func resolvePath(homeDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(homeDir, p)
}

// Location returns the configured civil timezone. Config is validated at
// load time, so failure here means the struct was built by hand; fall back
// to UTC rather than guessing machine-local time.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AudienceNames returns the configured audience names, sorted for
// deterministic iteration.
func (c Config) AudienceNames() []string {
	names := make([]string, 0, len(c.Audiences))
	for name := range c.Audiences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick returns the task runner scan period.
func (c Config) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Debounce returns the watcher debounce window.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMillis) * time.Millisecond
}

// PollInterval returns the polling watcher scan period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalSeconds) * time.Second
}
