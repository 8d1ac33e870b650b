package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps instances and task nodes in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-engine deployments
//   - Prototyping before migrating to MySQL or Postgres
//
// WAL mode is enabled so readers do not block behind the single writer, and
// foreign keys are on so a task node can never reference a missing instance.
//
// Schema:
//   - workflow_instances: one row per instance
//   - task_nodes: one row per node execution record, FK to its instance
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter is the database file location; use ":memory:" for an
// in-memory database (data lost on close). Tables are created on first use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	instancesTable := `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			context_data TEXT NOT NULL,
			current_node TEXT NOT NULL DEFAULT '',
			completed_nodes TEXT NOT NULL,
			failed_nodes TEXT NOT NULL,
			mutex_key TEXT NOT NULL DEFAULT '',
			owner_engine TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, instancesTable); err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_instances_status_heartbeat ON workflow_instances(status, last_heartbeat)"); err != nil {
		return fmt.Errorf("failed to create idx_instances_status_heartbeat: %w", err)
	}

	nodesTable := `
		CREATE TABLE IF NOT EXISTS task_nodes (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES workflow_instances(id),
			node_key TEXT NOT NULL,
			status TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT 'null',
			output TEXT NOT NULL DEFAULT 'null',
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			parallel_group_id TEXT NOT NULL DEFAULT '',
			parallel_index INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, nodesTable); err != nil {
		return fmt.Errorf("failed to create task_nodes table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_nodes_instance ON task_nodes(instance_id)",
		"CREATE INDEX IF NOT EXISTS idx_nodes_instance_status ON task_nodes(instance_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_nodes_group ON task_nodes(instance_id, parallel_group_id, parallel_index)",
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// sqliteTimeLayout is fixed-width so lexicographic comparison of stored
// timestamps matches chronological order (RFC3339Nano trims trailing zeros,
// which breaks the heartbeat cutoff comparison at whole-second boundaries).
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteTime formats a timestamp for storage.
func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func parseOptionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateInstance implements Store.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = now
	}
	if inst.LastHeartbeat.IsZero() {
		inst.LastHeartbeat = now
	}

	input, contextData, completed, failed, err := marshalInstanceFields(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances
		(id, definition_name, definition_version, status, input, context_data,
		 current_node, completed_nodes, failed_nodes, mutex_key, owner_engine,
		 last_error, created_at, updated_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.DefinitionName, inst.DefinitionVersion, string(inst.Status),
		input, contextData, inst.CurrentNode, completed, failed,
		inst.MutexKey, inst.OwnerEngine, inst.LastError,
		sqliteTime(inst.CreatedAt), sqliteTime(inst.UpdatedAt), sqliteTime(inst.LastHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func marshalInstanceFields(inst *WorkflowInstance) (input, contextData, completed, failed string, err error) {
	b, err := json.Marshal(inst.Input)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal input: %w", err)
	}
	input = string(b)

	b, err = json.Marshal(inst.ContextData)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal context data: %w", err)
	}
	contextData = string(b)

	b, err = json.Marshal(inst.CompletedNodes)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal completed nodes: %w", err)
	}
	completed = string(b)

	b, err = json.Marshal(inst.FailedNodes)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal failed nodes: %w", err)
	}
	failed = string(b)
	return input, contextData, completed, failed, nil
}

const sqliteInstanceColumns = `id, definition_name, definition_version, status, input, context_data,
	current_node, completed_nodes, failed_nodes, mutex_key, owner_engine, last_error,
	created_at, updated_at, last_heartbeat`

func scanSQLiteInstance(row interface{ Scan(...any) error }) (*WorkflowInstance, error) {
	var (
		inst                                WorkflowInstance
		status                              string
		input, contextData, compl, failed   string
		createdAt, updatedAt, lastHeartbeat string
	)
	err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &status,
		&input, &contextData, &inst.CurrentNode, &compl, &failed,
		&inst.MutexKey, &inst.OwnerEngine, &inst.LastError,
		&createdAt, &updatedAt, &lastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	inst.Status = InstanceStatus(status)
	if err := json.Unmarshal([]byte(input), &inst.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := json.Unmarshal([]byte(contextData), &inst.ContextData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context data: %w", err)
	}
	if err := json.Unmarshal([]byte(compl), &inst.CompletedNodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &inst.FailedNodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed nodes: %w", err)
	}
	if inst.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if inst.LastHeartbeat, err = parseSQLiteTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
	}
	return &inst, nil
}

// GetInstance implements Store.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + sqliteInstanceColumns + " FROM workflow_instances WHERE id = ?"
	return scanSQLiteInstance(s.db.QueryRowContext(ctx, query, id))
}

// UpdateInstance implements Store.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	input, contextData, completed, failed, err := marshalInstanceFields(inst)
	if err != nil {
		return err
	}

	// The status guard in the WHERE clause enforces terminal immutability in
	// the same statement as the write.
	query := `
		UPDATE workflow_instances SET
			status = ?, input = ?, context_data = ?, current_node = ?,
			completed_nodes = ?, failed_nodes = ?, mutex_key = ?,
			owner_engine = ?, last_error = ?, updated_at = ?, last_heartbeat = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')
	`
	res, err := s.db.ExecContext(ctx, query,
		string(inst.Status), input, contextData, inst.CurrentNode,
		completed, failed, inst.MutexKey, inst.OwnerEngine, inst.LastError,
		sqliteTime(time.Now()), sqliteTime(inst.LastHeartbeat), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return s.mutationOutcome(ctx, res, inst.ID)
}

// mutationOutcome distinguishes "row absent" from "row terminal" when a
// guarded UPDATE matched nothing.
func (s *SQLiteStore) mutationOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM workflow_instances WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check instance status: %w", err)
	}
	return ErrTerminal
}

// UpdateInstanceStatus implements Store.
func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')
	`
	res, err := s.db.ExecContext(ctx, query, string(status), lastError, sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return s.mutationOutcome(ctx, res, id)
}

// TouchHeartbeat implements Store.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_instances SET last_heartbeat = ? WHERE id = ?",
		sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStaleRunningInstances implements Store.
func (s *SQLiteStore) FindStaleRunningInstances(ctx context.Context, threshold time.Duration) ([]*WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cutoff := sqliteTime(time.Now().Add(-threshold))
	query := "SELECT " + sqliteInstanceColumns + ` FROM workflow_instances
		WHERE status = 'running' AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale instances: %w", err)
	}
	return out, nil
}

// CreateNode implements Store.
func (s *SQLiteStore) CreateNode(ctx context.Context, node *TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertNode(ctx, s.db, node)
}

func (s *SQLiteStore) insertNode(ctx context.Context, ex execer, node *TaskNode) error {
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = now
	}

	dependsOn, input, output, err := marshalNodeFields(node)
	if err != nil {
		return err
	}

	var startedAt, completedAt any
	if node.StartedAt != nil {
		startedAt = sqliteTime(*node.StartedAt)
	}
	if node.CompletedAt != nil {
		completedAt = sqliteTime(*node.CompletedAt)
	}

	query := `
		INSERT INTO task_nodes
		(id, instance_id, node_key, status, depends_on, input, output, error,
		 retry_count, max_retries, parallel_group_id, parallel_index,
		 started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ex.ExecContext(ctx, query,
		node.ID, node.InstanceID, node.NodeKey, string(node.Status),
		dependsOn, input, output, node.Error,
		node.RetryCount, node.MaxRetries, node.ParallelGroupID, node.ParallelIndex,
		startedAt, completedAt, sqliteTime(node.CreatedAt), sqliteTime(node.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func marshalNodeFields(node *TaskNode) (dependsOn, input, output string, err error) {
	b, err := json.Marshal(node.DependsOn)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	dependsOn = string(b)

	b, err = json.Marshal(node.Input)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal node input: %w", err)
	}
	input = string(b)

	b, err = json.Marshal(node.Output)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal node output: %w", err)
	}
	output = string(b)
	return dependsOn, input, output, nil
}

// CreateNodes implements Store. The batch runs in one transaction so a
// partially created fan-out group can never be observed.
func (s *SQLiteStore) CreateNodes(ctx context.Context, nodes []*TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, node := range nodes {
		if err := s.insertNode(ctx, tx, node); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const sqliteNodeColumns = `id, instance_id, node_key, status, depends_on, input, output, error,
	retry_count, max_retries, parallel_group_id, parallel_index,
	started_at, completed_at, created_at, updated_at`

func scanSQLiteNode(row interface{ Scan(...any) error }) (*TaskNode, error) {
	var (
		node                      TaskNode
		status                    string
		dependsOn, input, output  string
		startedAt, completedAt    sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(
		&node.ID, &node.InstanceID, &node.NodeKey, &status,
		&dependsOn, &input, &output, &node.Error,
		&node.RetryCount, &node.MaxRetries, &node.ParallelGroupID, &node.ParallelIndex,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	node.Status = NodeStatus(status)
	if err := json.Unmarshal([]byte(dependsOn), &node.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(input), &node.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node input: %w", err)
	}
	if err := json.Unmarshal([]byte(output), &node.Output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node output: %w", err)
	}
	if node.StartedAt, err = parseOptionalTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if node.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if node.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if node.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &node, nil
}

// GetNode implements Store.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + sqliteNodeColumns + " FROM task_nodes WHERE id = ?"
	return scanSQLiteNode(s.db.QueryRowContext(ctx, query, id))
}

// UpdateNode implements Store.
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateNodeWith(ctx, s.db, node)
}

func (s *SQLiteStore) updateNodeWith(ctx context.Context, ex execer, node *TaskNode) error {
	dependsOn, input, output, err := marshalNodeFields(node)
	if err != nil {
		return err
	}

	var startedAt, completedAt any
	if node.StartedAt != nil {
		startedAt = sqliteTime(*node.StartedAt)
	}
	if node.CompletedAt != nil {
		completedAt = sqliteTime(*node.CompletedAt)
	}

	query := `
		UPDATE task_nodes SET
			status = ?, depends_on = ?, input = ?, output = ?, error = ?,
			retry_count = ?, max_retries = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := ex.ExecContext(ctx, query,
		string(node.Status), dependsOn, input, output, node.Error,
		node.RetryCount, node.MaxRetries, startedAt, completedAt,
		sqliteTime(time.Now()), node.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) queryNodes(ctx context.Context, query string, args ...any) ([]*TaskNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TaskNode
	for rows.Next() {
		node, err := scanSQLiteNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return out, nil
}

// ListNodes implements Store.
func (s *SQLiteStore) ListNodes(ctx context.Context, instanceID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + sqliteNodeColumns + " FROM task_nodes WHERE instance_id = ? ORDER BY created_at ASC, id ASC"
	return s.queryNodes(ctx, query, instanceID)
}

// ListNodesByGroup implements Store.
func (s *SQLiteStore) ListNodesByGroup(ctx context.Context, instanceID, groupID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + sqliteNodeColumns + ` FROM task_nodes
		WHERE instance_id = ? AND parallel_group_id = ?
		ORDER BY parallel_index ASC`
	return s.queryNodes(ctx, query, instanceID, groupID)
}

// FindIncompleteNodes implements Store.
func (s *SQLiteStore) FindIncompleteNodes(ctx context.Context, instanceID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + sqliteNodeColumns + ` FROM task_nodes
		WHERE instance_id = ? AND status NOT IN ('completed', 'failed', 'skipped')
		ORDER BY created_at ASC, id ASC`
	return s.queryNodes(ctx, query, instanceID)
}

// CompleteNode implements Store. The node outcome and the matching instance
// bookkeeping are committed in one transaction.
func (s *SQLiteStore) CompleteNode(ctx context.Context, instanceID string, step CompletedStep) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := "SELECT " + sqliteInstanceColumns + " FROM workflow_instances WHERE id = ?"
	inst, err := scanSQLiteInstance(tx.QueryRowContext(ctx, query, instanceID))
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		err = ErrTerminal
		return err
	}

	if err = s.updateNodeWith(ctx, tx, step.Node); err != nil {
		return err
	}

	inst.ContextData = mergeContext(inst.ContextData, step.ContextPatch)
	switch step.Node.Status {
	case NodeCompleted, NodeSkipped:
		inst.CompletedNodes = appendUnique(inst.CompletedNodes, step.Node.NodeKey)
	case NodeFailed:
		inst.FailedNodes = appendUnique(inst.FailedNodes, step.Node.NodeKey)
	}
	if step.AdvanceCurrent {
		inst.CurrentNode = step.Node.NodeKey
	}

	var contextData, completed, failed string
	_, contextData, completed, failed, err = marshalInstanceFields(inst)
	if err != nil {
		return err
	}

	now := sqliteTime(time.Now())
	instQuery := `
		UPDATE workflow_instances SET
			context_data = ?, completed_nodes = ?, failed_nodes = ?,
			current_node = ?, updated_at = ?, last_heartbeat = ?
		WHERE id = ?
	`
	if _, err = tx.ExecContext(ctx, instQuery,
		contextData, completed, failed, inst.CurrentNode, now, now, instanceID); err != nil {
		err = fmt.Errorf("failed to update instance bookkeeping: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
