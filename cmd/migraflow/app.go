package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/migraflow/internal/actions"
	"github.com/rendis/migraflow/internal/dbconn"
	"github.com/rendis/migraflow/internal/definition"
	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/executors"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/logging"
	"github.com/rendis/migraflow/internal/migrations"
	"github.com/rendis/migraflow/internal/notify"
	"github.com/rendis/migraflow/internal/secrets"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/internal/streaming"
)

// app is one fully wired engine with the resources it owns.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	store      *store.LibSQLStore
	conns      *dbconn.Manager
	migrations *migrations.Runner
	hub        *streaming.MemoryHub
	actions    *actions.Registry
	engine     *engine.Engine
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner)), level
}

// newApp opens the store and wires every engine collaborator.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, level: level, logger: logger, store: s, hub: streaming.NewMemoryHub()}
	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	conns, err := loadConnections(a.cfg.ConnectionsFile)
	if err != nil {
		return err
	}
	a.conns = dbconn.NewManager(conns, a.logger.With("component", "dbconn"))
	a.migrations = migrations.NewRunner(a.conns, a.logger.With("component", "migrations"))

	reg := actions.NewRegistry()
	err = actions.RegisterBuiltins(reg, actions.Deps{
		DB:            a.conns,
		Migrations:    a.migrations,
		MigrationsDir: a.cfg.MigrationsDir,
		JQ:            expressions.NewGoJQEngine(),
		HTTP:          actions.HTTPConfig{Client: &http.Client{Timeout: 60 * time.Second}},
		Shell:         actions.ShellConfig{AllowedDirs: a.cfg.ShellDirs},
	})
	if err != nil {
		return fmt.Errorf("register actions: %w", err)
	}
	a.actions = reg
	a.logger.Debug("registered actions", "count", reg.Count())

	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("expression engines: %w", err)
	}
	parser, err := definition.NewParser(reg)
	if err != nil {
		return err
	}

	var vault secrets.Vault
	if a.cfg.VaultPassphrase != "" {
		v, err := secrets.NewAESVault(a.store, secrets.VaultConfig{Passphrase: a.cfg.VaultPassphrase})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		vault = v
	} else {
		a.logger.Warn("vault passphrase not set, secret variables are disabled")
	}

	a.engine, err = engine.New(engine.Options{
		Store:  a.store,
		Parser: parser,
		Executors: executors.NewDefaultRegistry(executors.Deps{
			Actions:   reg,
			Engines:   engines,
			Approvals: a.store,
			Notifier:  a.dispatcher(),
			Logger:    a.logger,
		}),
		Vault:  vault,
		Hub:    a.hub,
		Logger: a.logger,
		Config: engine.Config{PoolSize: a.cfg.PoolSize},
	})
	return err
}

func (a *app) dispatcher() *notify.Dispatcher {
	hs := notify.NewWebhookSender()
	d := &notify.Dispatcher{
		Webhook:   hs,
		Slack:     notify.NewSlackSender(hs, a.cfg.SlackURL),
		PagerDuty: notify.NewPagerDutySender(hs, "", a.cfg.PagerDuty),
		Team:      notify.NewTeamPublisher(a.hub),
		Logger:    a.logger.With("component", "notify"),
	}
	if a.cfg.SMTP.Host != "" {
		d.Email = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
		})
	}
	return d
}

// reload applies a new configuration to a running app. Fields that need a
// restart are only reported.
func (a *app) reload(next Config) {
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", "level", next.LogLevel)
	}
	conns, err := loadConnections(next.ConnectionsFile)
	if err != nil {
		a.logger.Error("reload connections failed", "error", err)
	} else {
		for _, c := range conns {
			a.conns.Add(c)
		}
		a.logger.Info("connections reloaded", "count", len(conns), "file_changed", d.ConnectionsChanged)
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
	}
	next.ListenAddr, next.BaseURL, next.DBPath = a.cfg.ListenAddr, a.cfg.BaseURL, a.cfg.DBPath
	next.PoolSize, next.VaultPassphrase = a.cfg.PoolSize, a.cfg.VaultPassphrase
	a.cfg = next
}

// close waits for in-flight runs before releasing connections and the store.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			a.logger.Warn("close connections", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// loadConnections reads the connections file. A missing file means none.
func loadConnections(path string) ([]dbconn.Connection, error) {
	if path == "" {
		return nil, nil
	}
	conns, err := dbconn.LoadConnections(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return conns, err
}
