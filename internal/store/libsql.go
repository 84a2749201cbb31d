package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/migraflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/migraflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, team_id, definition_id, is_published, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), nullStr(wf.TeamID), nullStr(wf.DefinitionID),
		boolInt(wf.IsPublished), nullStr(wf.CreatedBy), dbTime(wf.CreatedAt), dbTime(wf.UpdatedAt),
	)
	return storeErr(err, "create workflow")
}

const workflowColumns = `id, name, description, team_id, definition_id, is_published, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var desc, teamID, defID, createdBy sql.NullString
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &teamID, &defID, &wf.IsPublished, &createdBy, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.TeamID = teamID.String
	wf.DefinitionID = defID.String
	wf.CreatedBy = createdBy.String
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr(err, "get workflow")
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.DefinitionID != nil {
		sets = append(sets, "definition_id = ?")
		args = append(args, *update.DefinitionID)
	}
	if update.IsPublished != nil {
		sets = append(sets, "is_published = ?")
		args = append(args, boolInt(*update.IsPublished))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, dbTime(time.Now()), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err, "update workflow")
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TeamID != "" {
		where = append(where, "team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.Published != nil {
		where = append(where, "is_published = ?")
		args = append(args, boolInt(*filter.Published))
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr(err, "scan workflow")
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Definitions ---

// CreateDefinition inserts a new definition version. A zero Version is
// assigned the next number for the workflow.
func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin tx")
	}
	defer tx.Rollback()

	if def.Version == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE workflow_id = ?`, def.WorkflowID,
		).Scan(&def.Version); err != nil {
			return storeErr(err, "next definition version")
		}
	}
	if def.Format == "" {
		def.Format = schema.FormatJSON
	}
	def.CreatedAt = timeOrNow(def.CreatedAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, workflow_id, version, content, format, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.WorkflowID, def.Version, def.Content, string(def.Format), dbTime(def.CreatedAt),
	); err != nil {
		return storeErr(err, "insert definition")
	}
	return storeErr(tx.Commit(), "commit definition")
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	d := &Definition{}
	var format string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, content, format, created_at FROM workflow_definitions WHERE id = ?`, id,
	).Scan(&d.ID, &d.WorkflowID, &d.Version, &d.Content, &format, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, storeErr(err, "get definition")
	}
	d.Format = schema.DefinitionFormat(format)
	return d, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, definition_id, status, triggered_by, context, output, error, triggered_at, started_at, completed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	exec.TriggeredAt = timeOrNow(exec.TriggeredAt)
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.DefinitionID, string(exec.Status), nullStr(exec.TriggeredBy),
		nullRaw(exec.Context), nullRaw(exec.Output), nullStr(exec.Error),
		dbTime(exec.TriggeredAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return storeErr(err, "create execution")
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var status string
	var triggeredBy, ctxJSON, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.DefinitionID, &status, &triggeredBy, &ctxJSON, &output, &errMsg,
		&e.TriggeredAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.TriggeredBy = triggeredBy.String
	e.Context = rawOrNil(ctxJSON)
	e.Output = rawOrNil(output)
	e.Error = errMsg.String
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr(err, "get execution")
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, dbTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, dbTime(*update.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err, "update execution")
	}
	return checkRowsAffected(res, "execution", id)
}

// ListExecutions returns a page of a workflow's executions, newest first, and
// the total count.
func (s *LibSQLStore) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ?`, workflowID,
	).Scan(&total); err != nil {
		return nil, 0, storeErr(err, "count executions")
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE workflow_id = ? ORDER BY triggered_at DESC, id DESC` +
		limitOffset(limit, offset)
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, 0, storeErr(err, "list executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, storeErr(err, "scan execution")
		}
		execs = append(execs, e)
	}
	return execs, total, rows.Err()
}

// --- Node executions ---

const nodeExecutionColumns = `id, execution_id, node_id, node_type, node_name, status, input, output, error, started_at, completed_at, duration_ms`

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (`+nodeExecutionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   node_type=excluded.node_type, node_name=excluded.node_name, status=excluded.status,
		   input=excluded.input, output=excluded.output, error=excluded.error,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		ne.ID, ne.ExecutionID, ne.NodeID, string(ne.NodeType), nullStr(ne.NodeName), string(ne.Status),
		nullRaw(ne.Input), nullRaw(ne.Output), nullStr(ne.Error),
		nullTime(ne.StartedAt), nullTime(ne.CompletedAt), ne.DurationMs,
	)
	return storeErr(err, "upsert node execution")
}

func scanNodeExecution(row rowScanner) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var nodeType, status string
	var name, input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64
	if err := row.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &nodeType, &name, &status,
		&input, &output, &errMsg, &startedAt, &completedAt, &duration); err != nil {
		return nil, err
	}
	ne.NodeType = schema.NodeType(nodeType)
	ne.NodeName = name.String
	ne.Status = schema.NodeStatus(status)
	ne.Input = rawOrNil(input)
	ne.Output = rawOrNil(output)
	ne.Error = errMsg.String
	ne.StartedAt = timePtr(startedAt)
	ne.CompletedAt = timePtr(completedAt)
	ne.DurationMs = duration.Int64
	return ne, nil
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	ne, err := scanNodeExecution(s.db.QueryRowContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ? AND node_id = ?`,
		executionID, nodeID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, storeErr(err, "get node execution")
	}
	return ne, nil
}

func (s *LibSQLStore) queryNodeExecutions(ctx context.Context, query string, args ...any) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list node executions")
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, storeErr(err, "scan node execution")
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

// ListNodeExecutions returns an execution's node rows ordered by start time.
func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	return s.queryNodeExecutions(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ? ORDER BY started_at ASC, rowid ASC`,
		executionID)
}

// LastCompletedNodeExecution returns the latest-started success or skipped row,
// or nil when none exists.
func (s *LibSQLStore) LastCompletedNodeExecution(ctx context.Context, executionID string) (*NodeExecution, error) {
	out, err := s.queryNodeExecutions(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions
		 WHERE execution_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		executionID, string(schema.NodeSuccess), string(schema.NodeSkipped))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// MarkNodeExecutionsFailed fails the given nodes' rows that are not yet
// completed and returns how many changed.
func (s *LibSQLStore) MarkNodeExecutionsFailed(ctx context.Context, executionID string, nodeIDs []string, message string) (int64, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(nodeIDs)), ", ")
	args := []any{string(schema.NodeFailed), message, dbTime(time.Now()), executionID}
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	args = append(args, string(schema.NodePending), string(schema.NodeRunning))

	res, err := s.db.ExecContext(ctx,
		`UPDATE node_executions SET status = ?, error = ?, completed_at = ?
		 WHERE execution_id = ? AND node_id IN (`+placeholders+`) AND status IN (?, ?)`,
		args...)
	if err != nil {
		return 0, storeErr(err, "mark node executions failed")
	}
	return res.RowsAffected()
}

// --- Approvals ---

const approvalColumns = `id, execution_id, node_id, approvers, require_all, message, status, responses, expires_at, created_at, resolved_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	approvers, err := json.Marshal(a.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	responses, err := marshalResponses(a.Responses)
	if err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = schema.ApprovalPending
	}
	a.CreatedAt = timeOrNow(a.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.NodeID, string(approvers), boolInt(a.RequireAll), nullStr(a.Message),
		string(a.Status), responses, dbTime(a.ExpiresAt), dbTime(a.CreatedAt), nullTime(a.ResolvedAt),
	)
	return storeErr(err, "create approval")
}

func scanApproval(row rowScanner) (*Approval, error) {
	a := &Approval{}
	var approvers, status string
	var message, responses sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.NodeID, &approvers, &a.RequireAll, &message, &status,
		&responses, &a.ExpiresAt, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(approvers), &a.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	if responses.Valid && responses.String != "" {
		if err := json.Unmarshal([]byte(responses.String), &a.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
	}
	a.Message = message.String
	a.Status = schema.ApprovalStatus(status)
	a.ResolvedAt = timePtr(resolvedAt)
	return a, nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, executionID, nodeID string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? AND node_id = ?`, executionID, nodeID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, storeErr(err, "get approval")
	}
	return a, nil
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Responses != nil {
		responses, err := marshalResponses(update.Responses)
		if err != nil {
			return err
		}
		sets = append(sets, "responses = ?")
		args = append(args, responses)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, dbTime(*update.ResolvedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE approvals SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return storeErr(err, "update approval")
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) ListPendingApprovals(ctx context.Context, executionID string) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE status = ?`
	args := []any{string(schema.ApprovalPending)}
	if executionID != "" {
		query += " AND execution_id = ?"
		args = append(args, executionID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "list approvals")
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, storeErr(err, "scan approval")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), dbTime(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns an execution's events with sequence greater than since.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeErr(err, "get events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr(err, "scan event")
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return storeErr(err, "store secret")
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, storeErr(err, "get secret")
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeErr(err, "delete secret")
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeErr(err, "list secrets")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// storeErr wraps driver errors as STORE_ERROR; nil stays nil.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// timeLayout keeps every stored timestamp the same width so text order is
// time order. The driver reads it back as RFC 3339.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func dbTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalResponses(r []ApprovalResponse) (any, error) {
	if len(r) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal responses: %w", err)
	}
	return string(b), nil
}
