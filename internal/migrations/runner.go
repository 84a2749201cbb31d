// Package migrations discovers versioned SQL files on disk and applies or
// reverts them against a customer database connection.
package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rendis/migraflow/internal/dbconn"
	"github.com/rendis/migraflow/internal/store"
	"github.com/rendis/migraflow/pkg/schema"
)

// TrackingTable records applied versions in the target database.
const TrackingTable = "migraflow_schema_migrations"

// File names: <version>_<name>.up.sql, <version>_<name>.down.sql, or
// <version>_<name>.sql for up-only scripts.
var filePattern = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_\-]+?)(\.up|\.down)?\.sql$`)

// Migration is one versioned script pair.
type Migration struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	Up      string `json:"-"`
	Down    string `json:"-"`
	Applied bool   `json:"applied"`
}

// Plan is the applied/pending split of a migrations directory.
type Plan struct {
	Path    string      `json:"path"`
	Applied []Migration `json:"applied"`
	Pending []Migration `json:"pending"`
}

// StatementPreview lists what a dry run would execute for one migration.
type StatementPreview struct {
	Version    string   `json:"version"`
	Name       string   `json:"name"`
	Statements []string `json:"statements"`
}

// RunReport summarises an execute or rollback run.
type RunReport struct {
	Direction  string   `json:"direction"`
	Versions   []string `json:"versions"`
	Count      int      `json:"count"`
	DurationMs int64    `json:"durationMs"`
}

// Runner applies migrations through a dbconn.Service.
type Runner struct {
	db     dbconn.Service
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(db dbconn.Service, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, logger: logger}
}

// Load reads the migration files of dir, ordered by numeric version.
func Load(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "migrations path %q not found", dir)
		}
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		version := strings.TrimLeft(m[1], "0")
		if version == "" {
			version = "0"
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		} else if mig.Name != m[2] {
			return nil, fmt.Errorf("migration version %s has conflicting names %q and %q", version, mig.Name, m[2])
		}
		if m[3] == ".down" {
			mig.Down = string(body)
		} else {
			if mig.Up != "" {
				return nil, fmt.Errorf("migration version %s has more than one up script", version)
			}
			mig.Up = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return versionLess(out[i].Version, out[j].Version) })
	return out, nil
}

func versionLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Discover splits the directory into applied and pending migrations.
func (r *Runner) Discover(ctx context.Context, connectionID, dir string) (*Plan, error) {
	all, err := Load(dir)
	if err != nil {
		return nil, err
	}
	applied, err := r.appliedVersions(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Path: dir, Applied: []Migration{}, Pending: []Migration{}}
	for _, m := range all {
		if applied[m.Version] {
			m.Applied = true
			plan.Applied = append(plan.Applied, m)
		} else {
			plan.Pending = append(plan.Pending, m)
		}
	}
	return plan, nil
}

// DryRun reports the statements the next steps pending migrations would
// run, without touching the database beyond reading the tracking table.
// steps <= 0 means all pending.
func (r *Runner) DryRun(ctx context.Context, connectionID, dir string, steps int) ([]StatementPreview, error) {
	plan, err := r.Discover(ctx, connectionID, dir)
	if err != nil {
		return nil, err
	}
	previews := []StatementPreview{}
	for _, m := range limit(plan.Pending, steps) {
		previews = append(previews, StatementPreview{
			Version:    m.Version,
			Name:       m.Name,
			Statements: store.SplitStatements(m.Up),
		})
	}
	return previews, nil
}

// Execute applies pending migrations in version order, each in its own
// transaction together with its tracking row. It stops at the first failure.
func (r *Runner) Execute(ctx context.Context, connectionID, dir string, steps int) (*RunReport, error) {
	start := time.Now()
	plan, err := r.Discover(ctx, connectionID, dir)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Direction: "up", Versions: []string{}}
	for _, m := range limit(plan.Pending, steps) {
		stmts := append(store.SplitStatements(m.Up), fmt.Sprintf(
			"INSERT INTO %s (version, name, applied_at) VALUES (%s, %s, %s)",
			TrackingTable, quote(m.Version), quote(m.Name), quote(time.Now().UTC().Format(time.RFC3339))))
		if err := r.db.ExecTx(ctx, connectionID, stmts); err != nil {
			report.DurationMs = time.Since(start).Milliseconds()
			return report, fmt.Errorf("apply migration %s_%s: %w", m.Version, m.Name, err)
		}
		r.logger.InfoContext(ctx, "migration applied", "connection_id", connectionID, "version", m.Version, "name", m.Name)
		report.Versions = append(report.Versions, m.Version)
	}
	report.Count = len(report.Versions)
	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}

// Rollback reverts the most recently applied migrations, newest first.
// steps <= 0 reverts one.
func (r *Runner) Rollback(ctx context.Context, connectionID, dir string, steps int) (*RunReport, error) {
	start := time.Now()
	if steps <= 0 {
		steps = 1
	}
	plan, err := r.Discover(ctx, connectionID, dir)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Direction: "down", Versions: []string{}}
	for i := len(plan.Applied) - 1; i >= 0 && len(report.Versions) < steps; i-- {
		m := plan.Applied[i]
		if strings.TrimSpace(m.Down) == "" {
			report.DurationMs = time.Since(start).Milliseconds()
			return report, fmt.Errorf("migration %s_%s has no down script", m.Version, m.Name)
		}
		stmts := append(store.SplitStatements(m.Down),
			fmt.Sprintf("DELETE FROM %s WHERE version = %s", TrackingTable, quote(m.Version)))
		if err := r.db.ExecTx(ctx, connectionID, stmts); err != nil {
			report.DurationMs = time.Since(start).Milliseconds()
			return report, fmt.Errorf("revert migration %s_%s: %w", m.Version, m.Name, err)
		}
		r.logger.InfoContext(ctx, "migration reverted", "connection_id", connectionID, "version", m.Version, "name", m.Name)
		report.Versions = append(report.Versions, m.Version)
	}
	report.Count = len(report.Versions)
	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}

func (r *Runner) appliedVersions(ctx context.Context, connectionID string) (map[string]bool, error) {
	if err := r.db.ExecTx(ctx, connectionID, []string{fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (version VARCHAR(64) PRIMARY KEY, name VARCHAR(255) NOT NULL, applied_at VARCHAR(64) NOT NULL)",
		TrackingTable)}); err != nil {
		return nil, fmt.Errorf("ensure tracking table: %w", err)
	}
	res, err := r.db.ExecuteQuery(ctx, connectionID, "SELECT version FROM "+TrackingTable)
	if err != nil {
		return nil, fmt.Errorf("read tracking table: %w", err)
	}
	applied := make(map[string]bool, len(res.Rows))
	for _, row := range res.Rows {
		applied[fmt.Sprint(row["version"])] = true
	}
	return applied, nil
}

func limit(ms []Migration, steps int) []Migration {
	if steps > 0 && steps < len(ms) {
		return ms[:steps]
	}
	return ms
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
