package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/migraflow/
var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "migraflow",
		Usage:   "Database migration workflow engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the workflow database",
				Sources: cli.EnvVars("MIGRAFLOW_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("MIGRAFLOW_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "connections",
				Usage:   "YAML file listing database connections",
				Sources: cli.EnvVars("MIGRAFLOW_CONNECTIONS_FILE"),
			},
			&cli.StringFlag{
				Name:    "migrations-dir",
				Usage:   "Default directory of migration scripts",
				Sources: cli.EnvVars("MIGRAFLOW_MIGRATIONS_DIR"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			importCommand(),
			publishCommand(),
			workflowsCommand(),
			runCommand(),
			testCommand(),
			statusCommand(),
			historyCommand(),
			cancelCommand(),
			resumeCommand(),
			approveCommand(),
			rejectCommand(),
			migrateCommand(),
			connectionsCommand(),
			actionsCommand(),
			diagramCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// configFrom loads the layered config and applies the root flags on top.
func configFrom(command *cli.Command) Config {
	cfg := loadConfig()
	if command.IsSet("db") {
		cfg.DBPath = command.String("db")
	}
	if command.IsSet("log-level") {
		cfg.LogLevel = command.String("log-level")
	}
	if command.IsSet("connections") {
		cfg.ConnectionsFile = command.String("connections")
	}
	if command.IsSet("migrations-dir") {
		cfg.MigrationsDir = command.String("migrations-dir")
	}
	return cfg
}

// withApp wires an app for the duration of fn.
func withApp(ctx context.Context, command *cli.Command, fn func(a *app) error) error {
	a, err := newApp(ctx, configFrom(command))
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
