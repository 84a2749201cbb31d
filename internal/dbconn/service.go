// Package dbconn manages connections to the customer databases that
// migration and query actions run against.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	_ "github.com/tursodatabase/go-libsql"
	"gopkg.in/yaml.v3"

	"github.com/rendis/migraflow/pkg/schema"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverLibSQL   = "libsql"
	DriverSQLite   = "sqlite"
)

// Connection describes one configured database target.
type Connection struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name,omitempty"`
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
	TeamID string `yaml:"teamId" json:"teamId,omitempty"`
}

// ConnectionTest is the outcome of a connectivity probe.
type ConnectionTest struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// QueryResult holds the rows of a query or the affected count of a statement.
type QueryResult struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows"`
	RowsAffected int64            `json:"rowsAffected"`
}

// Service is the database connection collaborator used by actions.
type Service interface {
	TestConnection(ctx context.Context, connectionID string) (*ConnectionTest, error)
	ExecuteQuery(ctx context.Context, connectionID, query string, args ...any) (*QueryResult, error)
	ExecTx(ctx context.Context, connectionID string, stmts []string) error
	Open(ctx context.Context, connectionID string) (*sql.DB, string, error)
}

// Manager implements Service over database/sql, keeping one pool per connection.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]Connection
	pools map[string]*sql.DB

	pingAttempts uint64
	pingBackoff  time.Duration
}

// NewManager creates a Manager for the given connections.
func NewManager(conns []Connection, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:       logger,
		conns:        make(map[string]Connection, len(conns)),
		pools:        make(map[string]*sql.DB),
		pingAttempts: 3,
		pingBackoff:  200 * time.Millisecond,
	}
	for _, c := range conns {
		m.conns[c.ID] = c
	}
	return m
}

// LoadConnections reads a YAML list of connections. DSNs may reference
// environment variables as ${NAME}.
func LoadConnections(path string) ([]Connection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	var doc struct {
		Connections []Connection `yaml:"connections"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}
	for i := range doc.Connections {
		c := &doc.Connections[i]
		if c.ID == "" {
			return nil, fmt.Errorf("connection %d: id is required", i)
		}
		if _, err := driverName(c.Driver); err != nil {
			return nil, fmt.Errorf("connection %q: %w", c.ID, err)
		}
		c.DSN = os.ExpandEnv(c.DSN)
	}
	return doc.Connections, nil
}

// Add registers or replaces a connection, closing any pool it had.
func (m *Manager) Add(c Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.pools[c.ID]; ok {
		_ = db.Close()
		delete(m.pools, c.ID)
	}
	m.conns[c.ID] = c
}

// Connections lists the configured connections.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Open returns the pooled *sql.DB for a connection and its driver, opening
// and pinging it on first use.
func (m *Manager) Open(ctx context.Context, connectionID string) (*sql.DB, string, error) {
	if connectionID == "" {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "no database connection selected")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connectionID]
	if !ok {
		return nil, "", schema.NewErrorf(schema.ErrCodeNotFound, "connection %q not found", connectionID)
	}
	if db, ok := m.pools[connectionID]; ok {
		return db, c.Driver, nil
	}

	driver, err := driverName(c.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn, err := normalizeDSN(c.Driver, c.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("connection %q: %w", connectionID, err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open connection %q: %w", connectionID, err)
	}
	if driver == DriverLibSQL {
		db.SetMaxOpenConns(1)
	}

	if err := m.ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping connection %q: %w", connectionID, err)
	}

	m.logger.Debug("database connection opened", "connection_id", connectionID, "driver", c.Driver)
	m.pools[connectionID] = db
	return db, c.Driver, nil
}

func (m *Manager) ping(ctx context.Context, db *sql.DB) error {
	backoff := retry.WithMaxRetries(m.pingAttempts, retry.NewExponential(m.pingBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// TestConnection opens (or reuses) the pool and measures a ping.
func (m *Manager) TestConnection(ctx context.Context, connectionID string) (*ConnectionTest, error) {
	start := time.Now()
	db, _, err := m.Open(ctx, connectionID)
	if err == nil {
		err = db.PingContext(ctx)
	}
	result := &ConnectionTest{LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, err
		}
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// ExecuteQuery runs a statement. Statements returning columns are read into
// rows; others report the affected row count. Queries use ? placeholders,
// rewritten for drivers that need positional ones.
func (m *Manager) ExecuteQuery(ctx context.Context, connectionID, query string, args ...any) (*QueryResult, error) {
	db, driver, err := m.Open(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	query = Rebind(driver, query)

	if !returnsRows(query) {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		return &QueryResult{Rows: []map[string]any{}, RowsAffected: n}, nil
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// ExecTx runs statements in one transaction.
func (m *Manager) ExecTx(ctx context.Context, connectionID string, stmts []string) error {
	db, driver, err := m.Open(ctx, connectionID)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, Rebind(driver, stmt)); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// Close closes every open pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, db := range m.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, id)
	}
	return firstErr
}

func driverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		return DriverPostgres, nil
	case DriverMySQL:
		return DriverMySQL, nil
	case DriverLibSQL, DriverSQLite:
		return DriverLibSQL, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported database driver %q", driver)
	}
}

// normalizeDSN applies driver-specific requirements. MySQL DSNs get
// parseTime and multiStatements enabled so migration scripts run whole.
func normalizeDSN(driver, dsn string) (string, error) {
	switch strings.ToLower(driver) {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.MultiStatements = true
		return cfg.FormatDSN(), nil
	case DriverSQLite, DriverLibSQL:
		if !strings.Contains(dsn, ":") {
			return "file:" + dsn, nil
		}
	}
	return dsn, nil
}

// Rebind rewrites ? placeholders to $n for postgres. Placeholders inside
// quoted literals are left alone.
func Rebind(driver, query string) string {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
	default:
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA", "VALUES"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}

func scanRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowsAffected = int64(len(result.Rows))
	return result, nil
}
