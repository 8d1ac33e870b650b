package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store.
//
// Suited to multi-engine deployments where several processes share the same
// instance table: every write is guarded so two engines can never both record
// progress on a terminal instance.
//
// The DSN must include parseTime=true so DATETIME columns scan into
// time.Time, e.g.:
//
//	user:pass@tcp(localhost:3306)/flowline?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// MySQLConfig holds connection pool settings for the MySQL store.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultMySQLConfig returns sensible pool defaults for the given DSN.
func DefaultMySQLConfig(dsn string) MySQLConfig {
	return MySQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// NewMySQLStore creates a new MySQL-backed store and bootstraps the schema.
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	instancesTable := `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id VARCHAR(64) PRIMARY KEY,
			definition_name VARCHAR(255) NOT NULL,
			definition_version INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON NOT NULL,
			context_data JSON NOT NULL,
			current_node VARCHAR(255) NOT NULL DEFAULT '',
			completed_nodes JSON NOT NULL,
			failed_nodes JSON NOT NULL,
			mutex_key VARCHAR(255) NOT NULL DEFAULT '',
			owner_engine VARCHAR(255) NOT NULL DEFAULT '',
			last_error TEXT,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			last_heartbeat DATETIME(6) NOT NULL,
			INDEX idx_instances_status_heartbeat (status, last_heartbeat)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, instancesTable); err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}

	nodesTable := `
		CREATE TABLE IF NOT EXISTS task_nodes (
			id VARCHAR(64) PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			node_key VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			depends_on JSON NOT NULL,
			input JSON,
			output JSON,
			error TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			parallel_group_id VARCHAR(64) NOT NULL DEFAULT '',
			parallel_index INT NOT NULL DEFAULT 0,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_nodes_instance_status (instance_id, status),
			INDEX idx_nodes_group (instance_id, parallel_group_id, parallel_index),
			CONSTRAINT fk_nodes_instance FOREIGN KEY (instance_id)
				REFERENCES workflow_instances(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, nodesTable); err != nil {
		return fmt.Errorf("failed to create task_nodes table: %w", err)
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// withTransaction runs fn inside a transaction, rolling back on error.
func (s *MySQLStore) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateInstance implements Store.
func (s *MySQLStore) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
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
		inst.CreatedAt, inst.UpdatedAt, inst.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

const mysqlInstanceColumns = `id, definition_name, definition_version, status, input, context_data,
	current_node, completed_nodes, failed_nodes, mutex_key, owner_engine, last_error,
	created_at, updated_at, last_heartbeat`

func scanMySQLInstance(row interface{ Scan(...any) error }) (*WorkflowInstance, error) {
	var (
		inst                              WorkflowInstance
		status                            string
		input, contextData, compl, failed []byte
		lastError                         sql.NullString
	)
	err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion, &status,
		&input, &contextData, &inst.CurrentNode, &compl, &failed,
		&inst.MutexKey, &inst.OwnerEngine, &lastError,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.LastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	inst.Status = InstanceStatus(status)
	inst.LastError = lastError.String
	if err := unmarshalInstanceFields(&inst, input, contextData, compl, failed); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance implements Store.
func (s *MySQLStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT " + mysqlInstanceColumns + " FROM workflow_instances WHERE id = ?"
	return scanMySQLInstance(s.db.QueryRowContext(ctx, query, id))
}

// UpdateInstance implements Store.
func (s *MySQLStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	input, contextData, completed, failed, err := marshalInstanceFields(inst)
	if err != nil {
		return err
	}

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
		time.Now(), inst.LastHeartbeat, inst.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return s.mutationOutcome(ctx, res, inst.ID)
}

func (s *MySQLStore) mutationOutcome(ctx context.Context, res sql.Result, id string) error {
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
	// MySQL reports zero rows affected when an unguarded update writes
	// identical values, so only treat terminal rows as errors.
	if InstanceStatus(status).Terminal() {
		return ErrTerminal
	}
	return nil
}

// UpdateInstanceStatus implements Store.
func (s *MySQLStore) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')
	`
	res, err := s.db.ExecContext(ctx, query, string(status), lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return s.mutationOutcome(ctx, res, id)
}

// TouchHeartbeat implements Store.
func (s *MySQLStore) TouchHeartbeat(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_instances SET last_heartbeat = ? WHERE id = ?",
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Heartbeat values advance so zero rows means the row is gone.
		var exists int
		err = s.db.QueryRowContext(ctx,
			"SELECT 1 FROM workflow_instances WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check instance: %w", err)
		}
	}
	return nil
}

// FindStaleRunningInstances implements Store.
func (s *MySQLStore) FindStaleRunningInstances(ctx context.Context, threshold time.Duration) ([]*WorkflowInstance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-threshold)
	query := "SELECT " + mysqlInstanceColumns + ` FROM workflow_instances
		WHERE status = 'running' AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanMySQLInstance(rows)
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
func (s *MySQLStore) CreateNode(ctx context.Context, node *TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.insertNode(ctx, s.db, node)
}

func (s *MySQLStore) insertNode(ctx context.Context, ex execer, node *TaskNode) error {
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
		node.StartedAt, node.CompletedAt, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// CreateNodes implements Store.
func (s *MySQLStore) CreateNodes(ctx context.Context, nodes []*TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		for _, node := range nodes {
			if err := s.insertNode(ctx, tx, node); err != nil {
				return err
			}
		}
		return nil
	})
}

const mysqlNodeColumns = `id, instance_id, node_key, status, depends_on, input, output, error,
	retry_count, max_retries, parallel_group_id, parallel_index,
	started_at, completed_at, created_at, updated_at`

func scanMySQLNode(row interface{ Scan(...any) error }) (*TaskNode, error) {
	var (
		node                     TaskNode
		status                   string
		dependsOn, input, output []byte
		nodeErr                  sql.NullString
		startedAt, completedAt   sql.NullTime
	)
	err := row.Scan(
		&node.ID, &node.InstanceID, &node.NodeKey, &status,
		&dependsOn, &input, &output, &nodeErr,
		&node.RetryCount, &node.MaxRetries, &node.ParallelGroupID, &node.ParallelIndex,
		&startedAt, &completedAt, &node.CreatedAt, &node.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	node.Status = NodeStatus(status)
	node.Error = nodeErr.String
	if err := unmarshalNodeFields(&node, dependsOn, input, output); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		node.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		node.CompletedAt = &t
	}
	return &node, nil
}

// GetNode implements Store.
func (s *MySQLStore) GetNode(ctx context.Context, id string) (*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + mysqlNodeColumns + " FROM task_nodes WHERE id = ?"
	return scanMySQLNode(s.db.QueryRowContext(ctx, query, id))
}

// UpdateNode implements Store.
func (s *MySQLStore) UpdateNode(ctx context.Context, node *TaskNode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateNodeWith(ctx, s.db, node)
}

func (s *MySQLStore) updateNodeWith(ctx context.Context, ex execer, node *TaskNode) error {
	dependsOn, input, output, err := marshalNodeFields(node)
	if err != nil {
		return err
	}

	query := `
		UPDATE task_nodes SET
			status = ?, depends_on = ?, input = ?, output = ?, error = ?,
			retry_count = ?, max_retries = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	_, err = ex.ExecContext(ctx, query,
		string(node.Status), dependsOn, input, output, node.Error,
		node.RetryCount, node.MaxRetries, node.StartedAt, node.CompletedAt,
		time.Now(), node.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return nil
}

func (s *MySQLStore) queryNodes(ctx context.Context, query string, args ...any) ([]*TaskNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TaskNode
	for rows.Next() {
		node, err := scanMySQLNode(rows)
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
func (s *MySQLStore) ListNodes(ctx context.Context, instanceID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + mysqlNodeColumns + " FROM task_nodes WHERE instance_id = ? ORDER BY created_at ASC, id ASC"
	return s.queryNodes(ctx, query, instanceID)
}

// ListNodesByGroup implements Store.
func (s *MySQLStore) ListNodesByGroup(ctx context.Context, instanceID, groupID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + mysqlNodeColumns + ` FROM task_nodes
		WHERE instance_id = ? AND parallel_group_id = ?
		ORDER BY parallel_index ASC`
	return s.queryNodes(ctx, query, instanceID, groupID)
}

// FindIncompleteNodes implements Store.
func (s *MySQLStore) FindIncompleteNodes(ctx context.Context, instanceID string) ([]*TaskNode, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + mysqlNodeColumns + ` FROM task_nodes
		WHERE instance_id = ? AND status NOT IN ('completed', 'failed', 'skipped')
		ORDER BY created_at ASC, id ASC`
	return s.queryNodes(ctx, query, instanceID)
}

// CompleteNode implements Store.
func (s *MySQLStore) CompleteNode(ctx context.Context, instanceID string, step CompletedStep) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		// Row lock prevents a concurrent engine from interleaving bookkeeping.
		query := "SELECT " + mysqlInstanceColumns + " FROM workflow_instances WHERE id = ? FOR UPDATE"
		inst, err := scanMySQLInstance(tx.QueryRowContext(ctx, query, instanceID))
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return ErrTerminal
		}

		if err := s.updateNodeWith(ctx, tx, step.Node); err != nil {
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

		_, contextData, completed, failed, err := marshalInstanceFields(inst)
		if err != nil {
			return err
		}

		now := time.Now()
		instQuery := `
			UPDATE workflow_instances SET
				context_data = ?, completed_nodes = ?, failed_nodes = ?,
				current_node = ?, updated_at = ?, last_heartbeat = ?
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, instQuery,
			contextData, completed, failed, inst.CurrentNode, now, now, instanceID); err != nil {
			return fmt.Errorf("failed to update instance bookkeeping: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
