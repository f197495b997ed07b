package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/natefinch/atomic"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override, e.g. RESIDENT_LOG_LEVEL.
const EnvPrefix = "RESIDENT"

const appName = "resident"

// Duration is a time.Duration that reads and writes as "30s" in TOML and
// in the environment.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// SessionConfig holds server lifetime settings.
type SessionConfig struct {
	// IdleTimeout is applied to servers started explicitly. Zero keeps
	// the server alive forever.
	IdleTimeout Duration `toml:"idle_timeout" split_words:"true"`
	// AttachIdleTimeout is applied to servers spawned implicitly by attach.
	AttachIdleTimeout  Duration `toml:"attach_idle_timeout" split_words:"true"`
	CheckpointInterval Duration `toml:"checkpoint_interval" split_words:"true"`
	// LivenessTimeout is how long a client may stay silent on the
	// control channel before it is considered gone.
	LivenessTimeout Duration `toml:"liveness_timeout" split_words:"true"`
	PingInterval    Duration `toml:"ping_interval" split_words:"true"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	RuntimeDir string `toml:"runtime_dir" split_words:"true"`
	StateDir   string `toml:"state_dir" split_words:"true"`
}

// TerminalConfig holds embedded terminal settings.
type TerminalConfig struct {
	Shell           string `toml:"shell" split_words:"true"`
	ScrollbackBytes int    `toml:"scrollback_bytes" split_words:"true"`
	SpillEnabled    bool   `toml:"spill_enabled" split_words:"true"`
	MaxFPS          int    `toml:"max_fps" split_words:"true"`
}

// DebugConfig holds profiling settings of the server.
type DebugConfig struct {
	// PprofAddr is a TCP address or an absolute unix socket path.
	PprofAddr   string `toml:"pprof_addr" split_words:"true"`
	CPUProfile  string `toml:"cpu_profile" split_words:"true"`
	HeapProfile string `toml:"heap_profile" split_words:"true"`
}

// Config represents application configuration
type Config struct {
	Session  SessionConfig  `toml:"session"`
	Paths    PathsConfig    `toml:"paths"`
	Terminal TerminalConfig `toml:"terminal"`
	Debug    DebugConfig    `toml:"debug"`
	LogLevel string         `toml:"log_level" split_words:"true"` // debug, info, warn, error, none
	LogPath  string         `toml:"log_path" split_words:"true"`
}

func defaultConfigDir() string {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName)
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", appName)
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// defaultRuntimeDir is kept short because unix socket paths are limited
// to roughly 100 bytes.
func defaultRuntimeDir() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appName, os.Getuid()))
}

func defaultShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Session: SessionConfig{
			IdleTimeout:        0,
			AttachIdleTimeout:  Duration(30 * time.Minute),
			CheckpointInterval: Duration(30 * time.Second),
			LivenessTimeout:    Duration(90 * time.Second),
			PingInterval:       Duration(30 * time.Second),
		},
		Paths: PathsConfig{
			RuntimeDir: defaultRuntimeDir(),
			StateDir:   stateDir,
		},
		Terminal: TerminalConfig{
			Shell:           defaultShell(),
			ScrollbackBytes: 1024 * 1024,
			SpillEnabled:    true,
			MaxFPS:          60,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, appName+".log"),
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (a missing file is not an error), then RESIDENT_* environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		// Unmarshal into default config (overrides only provided fields)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("terminal.scrollback_bytes must be positive, got %d", c.Terminal.ScrollbackBytes)
	}
	if c.Terminal.MaxFPS <= 0 {
		return fmt.Errorf("terminal.max_fps must be positive, got %d", c.Terminal.MaxFPS)
	}
	if c.Session.IdleTimeout < 0 || c.Session.AttachIdleTimeout < 0 {
		return fmt.Errorf("idle timeouts must not be negative")
	}
	if c.Session.LivenessTimeout.D() <= c.Session.PingInterval.D() {
		return fmt.Errorf("session.liveness_timeout (%s) must exceed session.ping_interval (%s)",
			c.Session.LivenessTimeout.D(), c.Session.PingInterval.D())
	}
	if c.Session.CheckpointInterval <= 0 {
		return fmt.Errorf("session.checkpoint_interval must be positive")
	}
	if c.Paths.RuntimeDir == "" || c.Paths.StateDir == "" {
		return fmt.Errorf("paths.runtime_dir and paths.state_dir must be set")
	}
	return nil
}

// Save saves configuration to file atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// GetConfigPath returns the default config file path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.toml")
}

// CheckpointDir is where session checkpoints live.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.Paths.StateDir, "checkpoints")
}

// SpillPath is the scrollback backing store of one session.
func (c *Config) SpillPath(key string) string {
	return filepath.Join(c.Paths.StateDir, "scrollback", key+".db")
}
