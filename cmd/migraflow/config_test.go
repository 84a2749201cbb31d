package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGRAFLOW_HOME", home)

	cfg := loadConfig()
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4100", cfg.BaseURL)
	assert.Equal(t, filepath.Join(home, "migraflow.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, "connections.yaml"), cfg.ConnectionsFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.True(t, cfg.Scheduler)
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGRAFLOW_HOME", home)
	settings := `{"listen_addr": ":9000", "pool_size": 3, "scheduler": false, "smtp": {"host": "mail.local", "from": "ops@example.com"}}`
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(settings), 0o600))

	cfg := loadConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, "mail.local", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port, "unset nested fields keep defaults")
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGRAFLOW_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(`{"log_level": "warn", "pool_size": 3}`), 0o600))

	t.Setenv("MIGRAFLOW_LOG_LEVEL", "debug")
	t.Setenv("MIGRAFLOW_POOL_SIZE", "7")
	t.Setenv("MIGRAFLOW_BASE_URL", "https://flows.example.com")
	t.Setenv("MIGRAFLOW_SMTP_PORT", "2525")
	t.Setenv("MIGRAFLOW_SCHEDULER", "0")
	t.Setenv("MIGRAFLOW_SHELL_ALLOWED_DIRS", "/srv/a"+string(os.PathListSeparator)+"/srv/b")

	cfg := loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, "https://flows.example.com", cfg.BaseURL)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.ShellDirs)
}

func TestLoadConfig_BadValuesIgnored(t *testing.T) {
	t.Setenv("MIGRAFLOW_HOME", t.TempDir())
	t.Setenv("MIGRAFLOW_POOL_SIZE", "many")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestLoadConfig_MalformedSettingsIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGRAFLOW_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(`{not json`), 0o600))

	cfg := loadConfig()
	assert.Equal(t, ":4100", cfg.ListenAddr)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.ConnectionsChanged)
	assert.Empty(t, d.RestartNeeded)

	next := old
	next.LogLevel = "DEBUG"
	next.ConnectionsFile = "/etc/migraflow/connections.yaml"
	next.ListenAddr = ":9999"
	next.PoolSize = 2
	next.VaultPassphrase = "rotated"

	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.ConnectionsChanged)
	assert.Equal(t, []string{"listen_addr", "pool_size", "vault_passphrase"}, d.RestartNeeded)
}

func TestDiffConfigs_LevelCaseInsensitive(t *testing.T) {
	old := defaultConfig()
	next := old
	next.LogLevel = "INFO"
	assert.False(t, diffConfigs(old, next).LogLevelChanged)
}

func TestPidPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGRAFLOW_HOME", home)
	assert.Equal(t, filepath.Join(home, "migraflow.pid"), pidPath())
}
