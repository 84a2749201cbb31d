package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all migraflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string   `json:"listen_addr"`
	BaseURL         string   `json:"base_url"`
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	LogJSON         bool     `json:"log_json"`
	PoolSize        int      `json:"pool_size"`
	VaultPassphrase string   `json:"vault_passphrase"`
	ConnectionsFile string   `json:"connections_file"`
	MigrationsDir   string   `json:"migrations_dir"`
	ShellDirs       []string `json:"shell_allowed_dirs"`
	Scheduler       bool     `json:"scheduler"`

	SMTP      SMTPSettings `json:"smtp"`
	SlackURL  string       `json:"slack_webhook_url"`
	PagerDuty string       `json:"pagerduty_routing_key"`
}

// SMTPSettings configures outbound mail. An empty host disables email.
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4100",
		DBPath:          filepath.Join(migraflowDir(), "migraflow.db"),
		LogLevel:        "info",
		PoolSize:        10,
		ConnectionsFile: filepath.Join(migraflowDir(), "connections.yaml"),
		MigrationsDir:   "migrations",
		Scheduler:       true,
		SMTP:            SMTPSettings{Port: 587},
	}
}

func migraflowDir() string {
	if v := os.Getenv("MIGRAFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".migraflow"
	}
	return filepath.Join(home, ".migraflow")
}

func settingsPath() string {
	return filepath.Join(migraflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	setString(&cfg.ListenAddr, "MIGRAFLOW_LISTEN_ADDR")
	setString(&cfg.BaseURL, "MIGRAFLOW_BASE_URL")
	setString(&cfg.DBPath, "MIGRAFLOW_DB_PATH")
	setString(&cfg.LogLevel, "MIGRAFLOW_LOG_LEVEL")
	setBool(&cfg.LogJSON, "MIGRAFLOW_LOG_JSON")
	setInt(&cfg.PoolSize, "MIGRAFLOW_POOL_SIZE")
	setString(&cfg.VaultPassphrase, "MIGRAFLOW_VAULT_PASSPHRASE")
	setString(&cfg.ConnectionsFile, "MIGRAFLOW_CONNECTIONS_FILE")
	setString(&cfg.MigrationsDir, "MIGRAFLOW_MIGRATIONS_DIR")
	setBool(&cfg.Scheduler, "MIGRAFLOW_SCHEDULER")
	setString(&cfg.SMTP.Host, "MIGRAFLOW_SMTP_HOST")
	setInt(&cfg.SMTP.Port, "MIGRAFLOW_SMTP_PORT")
	setString(&cfg.SMTP.Username, "MIGRAFLOW_SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "MIGRAFLOW_SMTP_PASSWORD")
	setString(&cfg.SMTP.From, "MIGRAFLOW_SMTP_FROM")
	setString(&cfg.SlackURL, "MIGRAFLOW_SLACK_WEBHOOK_URL")
	setString(&cfg.PagerDuty, "MIGRAFLOW_PAGERDUTY_ROUTING_KEY")
	if v := os.Getenv("MIGRAFLOW_SHELL_ALLOWED_DIRS"); v != "" {
		cfg.ShellDirs = filepath.SplitList(v)
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged    bool
	ConnectionsChanged bool
	RestartNeeded      []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	if old.ConnectionsFile != new.ConnectionsFile {
		d.ConnectionsChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.VaultPassphrase != new.VaultPassphrase {
		d.RestartNeeded = append(d.RestartNeeded, "vault_passphrase")
	}
	return d
}

func pidPath() string {
	return filepath.Join(migraflowDir(), "migraflow.pid")
}
