package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	connFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "connection", Usage: "Target database connection", Required: true}
	}
	dirFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "dir", Usage: "Migrations directory (default: the configured migrations dir)"}
	}
	stepsFlag := func(value int) cli.Flag {
		return &cli.IntFlag{Name: "steps", Usage: "Migrations to apply or revert; 0 means all pending", Value: value}
	}
	dir := func(a *app, command *cli.Command) string {
		if d := command.String("dir"); d != "" {
			return d
		}
		return a.cfg.MigrationsDir
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Inspect and apply migration scripts against a connection",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List applied and pending migrations",
				Flags: []cli.Flag{connFlag(), dirFlag()},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						plan, err := a.migrations.Discover(ctx, command.String("connection"), dir(a, command))
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, plan)
					})
				},
			},
			{
				Name:  "plan",
				Usage: "Show the statements pending migrations would run",
				Flags: []cli.Flag{connFlag(), dirFlag(), stepsFlag(0)},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						previews, err := a.migrations.DryRun(ctx, command.String("connection"), dir(a, command), command.Int("steps"))
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, previews)
					})
				},
			},
			{
				Name:  "up",
				Usage: "Apply pending migrations",
				Flags: []cli.Flag{connFlag(), dirFlag(), stepsFlag(0)},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						report, err := a.migrations.Execute(ctx, command.String("connection"), dir(a, command), command.Int("steps"))
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, report)
					})
				},
			},
			{
				Name:  "down",
				Usage: "Revert applied migrations, newest first",
				Flags: []cli.Flag{connFlag(), dirFlag(), stepsFlag(1)},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						report, err := a.migrations.Rollback(ctx, command.String("connection"), dir(a, command), command.Int("steps"))
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, report)
					})
				},
			},
		},
	}
}

func connectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "connections",
		Usage: "List configured database connections, or ping one",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List configured connections",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						return printJSON(os.Stdout, a.conns.Connections())
					})
				},
			},
			{
				Name:      "test",
				Usage:     "Ping a connection",
				ArgsUsage: "<connection-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					id, err := requireArg(command, "connection-id")
					if err != nil {
						return err
					}
					return withApp(ctx, command, func(a *app) error {
						res, err := a.conns.TestConnection(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(os.Stdout, res)
					})
				},
			},
		},
	}
}
