package actions

import (
	"github.com/rendis/migraflow/internal/dbconn"
	"github.com/rendis/migraflow/internal/expressions"
	"github.com/rendis/migraflow/internal/migrations"
	"github.com/rendis/migraflow/pkg/schema"
)

// Deps are the collaborators built-in actions need.
type Deps struct {
	DB            dbconn.Service
	Migrations    *migrations.Runner
	MigrationsDir string
	JQ            *expressions.GoJQEngine
	HTTP          HTTPConfig
	Shell         ShellConfig
}

// RegisterBuiltins registers every built-in action in the given registry.
// Database actions are skipped when deps.DB is nil.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all := make([]Action, 0, 12)

	if deps.DB != nil {
		runner := deps.Migrations
		if runner == nil {
			runner = migrations.NewRunner(deps.DB, nil)
		}
		all = append(all, MigrationActions(runner, deps.MigrationsDir)...)
		all = append(all,
			NewDatabaseQueryAction(deps.DB),
			NewDatabaseMigrationAction(deps.DB),
		)
	}

	all = append(all,
		NewHTTPRequestAction(deps.HTTP),
		NewShellCommandAction(deps.Shell),
		NewTransformDataAction(deps.JQ),
		&SetVariableAction{},
	)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return reg.Alias(schema.ActionCustomAPICall, schema.ActionHTTPRequest)
}
