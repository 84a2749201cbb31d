package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rendis/migraflow/internal/definition"
	"github.com/rendis/migraflow/internal/engine"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "user",
		Usage:   "ID of the acting user",
		Value:   os.Getenv("USER"),
		Sources: cli.EnvVars("MIGRAFLOW_USER"),
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "format",
		Usage: "Definition format (json or yaml); detected from the file extension when empty",
	}
}

func varFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "var",
			Usage: "Workflow variable as key=value; values are parsed as JSON when possible",
		},
		&cli.StringFlag{
			Name:  "vars-file",
			Usage: "JSON file with workflow variables",
		},
		&cli.StringFlag{
			Name:  "connection",
			Usage: "Default database connection for action nodes",
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Parse and validate a workflow definition file",
		ArgsUsage: "<file>",
		Flags:     []cli.Flag{formatFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			content, format, err := readDefinition(command)
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				def, warnings, err := a.engine.Validate(content, format)
				for _, w := range warnings {
					fmt.Printf("warning: %s\n", formatIssue(w))
				}
				if err != nil {
					printIssues(err)
					return fmt.Errorf("definition is invalid")
				}
				fmt.Printf("%s is valid: %d nodes, %d edges\n", def.Name, len(def.Nodes), len(def.Edges))
				return nil
			})
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Store a definition as a new workflow, or as a new version of an existing one",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			formatFlag(),
			userFlag(),
			&cli.StringFlag{Name: "team", Usage: "Owning team"},
			&cli.StringFlag{Name: "workflow", Usage: "Append a version to this workflow instead of creating one"},
			&cli.BoolFlag{Name: "publish", Usage: "Publish the new workflow"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			content, format, err := readDefinition(command)
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				if id := command.String("workflow"); id != "" {
					d, err := a.engine.UpdateDefinition(ctx, id, content, format)
					if err != nil {
						printIssues(err)
						return err
					}
					return printJSON(os.Stdout, d)
				}
				wf, err := a.engine.CreateWorkflow(ctx, engine.CreateWorkflowRequest{
					Content:   content,
					Format:    format,
					TeamID:    command.String("team"),
					CreatedBy: command.String("user"),
					Publish:   command.Bool("publish"),
				})
				if err != nil {
					printIssues(err)
					return err
				}
				return printJSON(os.Stdout, wf)
			})
		},
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish or unpublish a workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "off", Usage: "Unpublish instead"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "workflow-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				published := !command.Bool("off")
				if err := a.engine.SetPublished(ctx, id, published); err != nil {
					return err
				}
				fmt.Printf("workflow %s published=%t\n", id, published)
				return nil
			})
		},
	}
}

func workflowsCommand() *cli.Command {
	return &cli.Command{
		Name:  "workflows",
		Usage: "List workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "team", Usage: "Only this team's workflows"},
			&cli.BoolFlag{Name: "published", Usage: "Only published workflows"},
			&cli.IntFlag{Name: "limit", Usage: "Page size", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Workflows to skip"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withApp(ctx, command, func(a *app) error {
				filter := store.WorkflowFilter{
					TeamID: command.String("team"),
					Limit:  command.Int("limit"),
					Offset: command.Int("offset"),
				}
				if command.Bool("published") {
					published := true
					filter.Published = &published
				}
				list, err := a.engine.Workflows(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, list)
			})
		},
	}
}

func actionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "actions",
		Usage: "List the actions an action node can call",
		Action: func(ctx context.Context, command *cli.Command) error {
			return withApp(ctx, command, func(a *app) error {
				return printJSON(os.Stdout, a.actions.List())
			})
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a published workflow and wait until it stops",
		ArgsUsage: "<workflow-id>",
		Flags: append([]cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "email", Usage: "Email of the acting user"},
			&cli.StringFlag{Name: "team", Usage: "Team owning the run"},
		}, varFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "workflow-id")
			if err != nil {
				return err
			}
			vars, err := parseVars(command.StringSlice("var"), command.String("vars-file"))
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				user := command.String("user")
				h, err := a.engine.Execute(ctx, id, engine.ExecuteRequest{
					User:         schema.User{ID: user, Email: command.String("email")},
					Variables:    vars,
					ConnectionID: command.String("connection"),
					TeamID:       command.String("team"),
				}, user)
				if err != nil {
					return err
				}
				a.engine.Wait()
				return printStatus(ctx, a, h.ExecutionID)
			})
		},
	}
}

func testCommand() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "Preview the first nodes of a workflow without persisting anything",
		ArgsUsage: "<workflow-id>",
		Flags:     append([]cli.Flag{userFlag()}, varFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "workflow-id")
			if err != nil {
				return err
			}
			vars, err := parseVars(command.StringSlice("var"), command.String("vars-file"))
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				report, err := a.engine.Test(ctx, id, engine.TestRequest{
					Variables:    vars,
					ConnectionID: command.String("connection"),
				}, schema.User{ID: command.String("user")})
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, report)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show an execution with its node results",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				return printStatus(ctx, a, id)
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List a workflow's executions, newest first",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Page size", Value: 20},
			&cli.IntFlag{Name: "offset", Usage: "Executions to skip"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "workflow-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				page, err := a.engine.History(ctx, id, command.Int("limit"), command.Int("offset"))
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, page)
			})
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a paused execution",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				if err := a.engine.Cancel(ctx, id); err != nil {
					return err
				}
				return printStatus(ctx, a, id)
			})
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a paused execution and wait until it stops",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireArg(command, "execution-id")
			if err != nil {
				return err
			}
			return withApp(ctx, command, func(a *app) error {
				if _, err := a.engine.Resume(ctx, id); err != nil {
					return err
				}
				a.engine.Wait()
				return printStatus(ctx, a, id)
			})
		},
	}
}

func approveCommand() *cli.Command {
	return approvalCommand("approve", "Approve a pending approval gate", func(e *engine.Engine) respondFunc { return e.Approve })
}

func rejectCommand() *cli.Command {
	return approvalCommand("reject", "Reject a pending approval gate", func(e *engine.Engine) respondFunc { return e.Reject })
}

type respondFunc func(ctx context.Context, executionID, nodeID, userID, comment string) (*engine.ApprovalDecision, error)

func approvalCommand(name, usage string, pick func(*engine.Engine) respondFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<execution-id> <node-id>",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "comment", Usage: "Reason recorded with the response"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 2 {
				return fmt.Errorf("usage: migraflow %s <execution-id> <node-id>", name)
			}
			execID, nodeID := command.Args().Get(0), command.Args().Get(1)
			return withApp(ctx, command, func(a *app) error {
				dec, err := pick(a.engine)(ctx, execID, nodeID, command.String("user"), command.String("comment"))
				if err != nil {
					return err
				}
				if dec.Resumed {
					a.engine.Wait()
				}
				return printJSON(os.Stdout, dec)
			})
		},
	}
}

// --- helpers ---

func requireArg(command *cli.Command, name string) (string, error) {
	v := command.Args().First()
	if v == "" {
		return "", fmt.Errorf("missing <%s> argument", name)
	}
	return v, nil
}

// readDefinition reads the file named by the first argument and resolves
// its format from --format or the file extension.
func readDefinition(command *cli.Command) ([]byte, schema.DefinitionFormat, error) {
	path, err := requireArg(command, "file")
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read definition: %w", err)
	}
	name := command.String("format")
	if name == "" && (strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
		name = "yaml"
	}
	format, err := definition.ParseFormat(name)
	if err != nil {
		return nil, "", err
	}
	return content, format, nil
}

// parseVars merges a JSON vars file with key=value pairs. Pair values are
// decoded as JSON when they parse, and kept as strings otherwise.
func parseVars(pairs []string, file string) (map[string]any, error) {
	vars := map[string]any{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read vars file: %w", err)
		}
		if err := json.Unmarshal(raw, &vars); err != nil {
			return nil, fmt.Errorf("parse vars file: %w", err)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		vars[key] = v
	}
	return vars, nil
}

func printStatus(ctx context.Context, a *app, executionID string) error {
	d, err := a.engine.Status(ctx, executionID)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIssues(err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return
	}
	for _, issue := range fe.Issues {
		fmt.Fprintf(os.Stderr, "  %s\n", formatIssue(issue))
	}
}

func formatIssue(i schema.ValidationIssue) string {
	if i.Path != "" {
		return fmt.Sprintf("%s: %s", i.Path, i.Message)
	}
	return i.Message
}
