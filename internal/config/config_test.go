package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Session.CheckpointInterval.D())
	assert.Equal(t, 90*time.Second, cfg.Session.LivenessTimeout.D())
	assert.Zero(t, cfg.Session.IdleTimeout)
	assert.Equal(t, 1024*1024, cfg.Terminal.ScrollbackBytes)
	assert.True(t, cfg.Terminal.SpillEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Session, cfg.Session)
}

func TestLoadOverridesOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
log_level = "debug"

[session]
idle_timeout = "15m"

[terminal]
max_fps = 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTimeout.D())
	assert.Equal(t, 30, cfg.Terminal.MaxFPS)
	// untouched fields keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Session.CheckpointInterval.D())
	assert.Equal(t, 1024*1024, cfg.Terminal.ScrollbackBytes)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[session]\nidle_timeout = \"15m\"\n"), 0o644))

	runtimeDir := t.TempDir()
	t.Setenv("RESIDENT_SESSION_IDLE_TIMEOUT", "2h")
	t.Setenv("RESIDENT_PATHS_RUNTIME_DIR", runtimeDir)
	t.Setenv("RESIDENT_TERMINAL_SPILL_ENABLED", "false")
	t.Setenv("RESIDENT_LOG_LEVEL", "warn")
	// unprefixed names are never consulted
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Session.IdleTimeout.D())
	assert.Equal(t, runtimeDir, cfg.Paths.RuntimeDir)
	assert.False(t, cfg.Terminal.SpillEnabled)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "log_level = "},
		{"bad duration", "[session]\nidle_timeout = \"soon\"\n"},
		{"zero fps", "[terminal]\nmax_fps = 0\n"},
		{"liveness below ping", "[session]\nliveness_timeout = \"10s\"\nping_interval = \"20s\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Session.IdleTimeout = Duration(45 * time.Minute)
	cfg.Terminal.Shell = "/bin/zsh"
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "45m0s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Session, loaded.Session)
	assert.Equal(t, "/bin/zsh", loaded.Terminal.Shell)
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.StateDir = "/state"
	assert.Equal(t, "/state/checkpoints", cfg.CheckpointDir())
	assert.Equal(t, "/state/scrollback/home_user_proj.db", cfg.SpillPath("home_user_proj"))
}
