package actions

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/migraflow/internal/dbconn"
	"github.com/rendis/migraflow/internal/migrations"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// DatabaseQueryAction implements "database_query".
type DatabaseQueryAction struct {
	db dbconn.Service
}

// NewDatabaseQueryAction creates a database_query action.
func NewDatabaseQueryAction(db dbconn.Service) *DatabaseQueryAction {
	return &DatabaseQueryAction{db: db}
}

func (a *DatabaseQueryAction) Name() string { return schema.ActionDatabaseQuery }

func (a *DatabaseQueryAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a SQL statement on the selected connection.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"connectionId":{"type":"string"},"query":{"type":"string"},"args":{"type":"array"}},"required":["query"]}`),
	}
}

func (a *DatabaseQueryAction) Validate(data *schema.ActionData) error {
	if strings.TrimSpace(data.Query) == "" {
		return invalidf("database_query requires a query")
	}
	return nil
}

func (a *DatabaseQueryAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Data); err != nil {
		return nil, err
	}
	res, err := a.db.ExecuteQuery(ctx, input.ConnectionID, input.Data.Query, input.Data.Args...)
	if err != nil {
		return nil, asActionError("query failed", err)
	}
	return &ActionOutput{Data: map[string]any{
		"columns":      res.Columns,
		"rows":         res.Rows,
		"rowCount":     len(res.Rows),
		"rowsAffected": res.RowsAffected,
	}}, nil
}

// DatabaseMigrationAction implements "database_migration": an inline SQL
// script applied in a single transaction.
type DatabaseMigrationAction struct {
	db dbconn.Service
}

// NewDatabaseMigrationAction creates a database_migration action.
func NewDatabaseMigrationAction(db dbconn.Service) *DatabaseMigrationAction {
	return &DatabaseMigrationAction{db: db}
}

func (a *DatabaseMigrationAction) Name() string { return schema.ActionDatabaseMigration }

func (a *DatabaseMigrationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Apply an inline SQL script in one transaction, or list its statements when dryRun is set.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"connectionId":{"type":"string"},"query":{"type":"string"},"dryRun":{"type":"boolean"}},"required":["query"]}`),
	}
}

func (a *DatabaseMigrationAction) Validate(data *schema.ActionData) error {
	if len(store.SplitStatements(data.Query)) == 0 {
		return invalidf("database_migration requires a query with at least one statement")
	}
	return nil
}

func (a *DatabaseMigrationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Data); err != nil {
		return nil, err
	}
	stmts := store.SplitStatements(input.Data.Query)
	if input.Data.DryRun {
		return &ActionOutput{Data: map[string]any{"dryRun": true, "statements": stmts}}, nil
	}
	if err := a.db.ExecTx(ctx, input.ConnectionID, stmts); err != nil {
		return nil, asActionError("migration failed", err)
	}
	return &ActionOutput{Data: map[string]any{"applied": len(stmts), "statements": stmts}}, nil
}

// MigrationAction implements the file-based migration discriminators:
// discover_migrations, dry_run, execute_migrations and rollback.
type MigrationAction struct {
	name    string
	runner  *migrations.Runner
	baseDir string
}

// MigrationActions returns the four file-based migration actions. Relative
// migrationsPath values are resolved against baseDir.
func MigrationActions(runner *migrations.Runner, baseDir string) []Action {
	names := []string{
		schema.ActionDiscoverMigrations,
		schema.ActionDryRun,
		schema.ActionExecuteMigrations,
		schema.ActionRollback,
	}
	out := make([]Action, len(names))
	for i, n := range names {
		out[i] = &MigrationAction{name: n, runner: runner, baseDir: baseDir}
	}
	return out
}

func (a *MigrationAction) Name() string { return a.name }

func (a *MigrationAction) Schema() ActionSchema {
	desc := map[string]string{
		schema.ActionDiscoverMigrations: "List applied and pending migrations.",
		schema.ActionDryRun:             "Show the statements pending migrations would run.",
		schema.ActionExecuteMigrations:  "Apply pending migrations, optionally limited by steps or target version.",
		schema.ActionRollback:           "Revert the most recently applied migrations.",
	}[a.name]
	return ActionSchema{
		Description: desc,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"connectionId":{"type":"string"},"migrationsPath":{"type":"string"},"steps":{"type":"integer","minimum":0},"target":{"type":"string"}},"required":["migrationsPath"]}`),
	}
}

func (a *MigrationAction) Validate(data *schema.ActionData) error {
	if strings.TrimSpace(data.MigrationsPath) == "" {
		return invalidf("%s requires a migrationsPath", a.name)
	}
	if data.Target != "" {
		if _, err := strconv.ParseUint(data.Target, 10, 64); err != nil {
			return invalidf("target %q is not a migration version", data.Target)
		}
	}
	return nil
}

func (a *MigrationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data := input.Data
	if err := a.Validate(data); err != nil {
		return nil, err
	}
	dir := data.MigrationsPath
	if !filepath.IsAbs(dir) && a.baseDir != "" {
		dir = filepath.Join(a.baseDir, dir)
	}
	conn := input.ConnectionID

	switch a.name {
	case schema.ActionDiscoverMigrations:
		plan, err := a.runner.Discover(ctx, conn, dir)
		if err != nil {
			return nil, asActionError("discover migrations", err)
		}
		return &ActionOutput{Data: map[string]any{
			"applied":      plan.Applied,
			"pending":      plan.Pending,
			"pendingCount": len(plan.Pending),
		}}, nil

	case schema.ActionDryRun:
		steps, err := a.steps(ctx, conn, dir, data)
		if err != nil {
			return nil, err
		}
		if steps < 0 {
			return &ActionOutput{Data: map[string]any{"migrations": []migrations.StatementPreview{}, "count": 0}}, nil
		}
		previews, err := a.runner.DryRun(ctx, conn, dir, steps)
		if err != nil {
			return nil, asActionError("dry run", err)
		}
		return &ActionOutput{Data: map[string]any{"migrations": previews, "count": len(previews)}}, nil

	case schema.ActionExecuteMigrations:
		steps, err := a.steps(ctx, conn, dir, data)
		if err != nil {
			return nil, err
		}
		if steps < 0 {
			return &ActionOutput{Data: &migrations.RunReport{Direction: "up", Versions: []string{}}}, nil
		}
		report, err := a.runner.Execute(ctx, conn, dir, steps)
		if err != nil {
			return nil, asActionError("execute migrations", err).WithDetails(map[string]any{"report": report})
		}
		return &ActionOutput{Data: report}, nil

	default:
		report, err := a.runner.Rollback(ctx, conn, dir, data.Steps)
		if err != nil {
			return nil, asActionError("rollback", err).WithDetails(map[string]any{"report": report})
		}
		return &ActionOutput{Data: report}, nil
	}
}

// steps converts a target version into a pending-migration count. -1 means
// nothing is pending up to the target.
func (a *MigrationAction) steps(ctx context.Context, conn, dir string, data *schema.ActionData) (int, error) {
	if data.Target == "" {
		return data.Steps, nil
	}
	plan, err := a.runner.Discover(ctx, conn, dir)
	if err != nil {
		return 0, asActionError("discover migrations", err)
	}
	target, _ := strconv.ParseUint(data.Target, 10, 64)
	n := 0
	for _, m := range plan.Pending {
		v, _ := strconv.ParseUint(m.Version, 10, 64)
		if v > target {
			break
		}
		n++
	}
	if n == 0 {
		return -1, nil
	}
	if data.Steps > 0 && data.Steps < n {
		n = data.Steps
	}
	return n, nil
}

// asActionError keeps FlowErrors as they are and wraps anything else as a
// node failure.
func asActionError(op string, err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return failf("%s: %v", op, err).WithCause(err)
}

var (
	_ Action = (*DatabaseQueryAction)(nil)
	_ Action = (*DatabaseMigrationAction)(nil)
	_ Action = (*MigrationAction)(nil)
)
