package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kandev-labs/agentsquad/internal/db"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

// ErrNotFound is returned by Store.Get when executionID has no row.
var ErrNotFound = fmt.Errorf("engine: execution not found")

// MemoryStore is an in-process Store, grounded on the fake in-memory
// TransitionStore test double pattern but promoted to a real
// implementation for single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	execs   map[string]*domain.TaskExecution
	applied map[string]bool
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs:   make(map[string]*domain.TaskExecution),
		applied: make(map[string]bool),
	}
}

// Put seeds or overwrites an execution row; used by callers bootstrapping
// a new TaskExecution and by tests.
func (s *MemoryStore) Put(exec *domain.TaskExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
}

// Create inserts a brand-new execution row, mirroring SQLStore.Create so
// callers can depend on a single ExecutionCreator interface regardless
// of backend.
func (s *MemoryStore) Create(ctx context.Context, exec *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return fmt.Errorf("engine: execution %q already exists", exec.ID)
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, executionID string) (*domain.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, exec *domain.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; !ok {
		return ErrNotFound
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) IsOperationApplied(ctx context.Context, operationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[operationID], nil
}

func (s *MemoryStore) MarkOperationApplied(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[operationID] = true
	return nil
}

// SQLStore persists TaskExecution rows in a relational table via the
// shared reader/writer Pool, grounded on history.SQLStore's use of the db
// package and its dialect helpers.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore wraps pool, whose connections must already be opened
// against the intended backend.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// Schema is the DDL for the task_executions and applied_operations
// tables.
const Schema = `
CREATE TABLE IF NOT EXISTS task_executions (
	id              text PRIMARY KEY,
	task_id         text NOT NULL,
	squad_id        text NOT NULL,
	workflow_state  text NOT NULL,
	pre_block_state text,
	started_at      timestamp NOT NULL,
	completed_at    timestamp,
	error           text,
	progress_pct    integer NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS applied_operations (
	operation_id text PRIMARY KEY,
	applied_at   timestamp NOT NULL
);
`

// Migrate creates the tables if they don't already exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("engine: migrate: %w", err)
	}
	return nil
}

// Create inserts a brand-new execution row in PENDING.
func (s *SQLStore) Create(ctx context.Context, exec *domain.TaskExecution) error {
	query := `INSERT INTO task_executions
		(id, task_id, squad_id, workflow_state, pre_block_state, started_at, completed_at, error, progress_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(query),
		exec.ID, exec.TaskID, exec.SquadID, string(exec.WorkflowState), nullableState(exec.PreBlockState),
		exec.StartedAt.UTC(), nullableTime(exec.CompletedAt), nullable(exec.Error), exec.ProgressPct,
	)
	if err != nil {
		return fmt.Errorf("engine: create execution: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, executionID string) (*domain.TaskExecution, error) {
	query := `SELECT id, task_id, squad_id, workflow_state, pre_block_state, started_at, completed_at, error, progress_pct
		FROM task_executions WHERE id = ?`
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(query), executionID)

	var (
		exec          domain.TaskExecution
		preBlockState sql.NullString
		completedAt   sql.NullTime
		execError     sql.NullString
	)
	if err := row.Scan(&exec.ID, &exec.TaskID, &exec.SquadID, &exec.WorkflowState, &preBlockState,
		&exec.StartedAt, &completedAt, &execError, &exec.ProgressPct); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("engine: get execution: %w", err)
	}
	exec.PreBlockState = domain.WorkflowState(preBlockState.String)
	exec.Error = execError.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func (s *SQLStore) Save(ctx context.Context, exec *domain.TaskExecution) error {
	query := `UPDATE task_executions SET
		workflow_state = ?, pre_block_state = ?, completed_at = ?, error = ?, progress_pct = ?
		WHERE id = ?`
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query),
		string(exec.WorkflowState), nullableState(exec.PreBlockState), nullableTime(exec.CompletedAt),
		nullable(exec.Error), exec.ProgressPct, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("engine: save execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine: save execution: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) IsOperationApplied(ctx context.Context, operationID string) (bool, error) {
	if operationID == "" {
		return false, nil
	}
	query := `SELECT 1 FROM applied_operations WHERE operation_id = ?`
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(query), operationID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("engine: check operation applied: %w", err)
	}
	return true, nil
}

func (s *SQLStore) MarkOperationApplied(ctx context.Context, operationID string) error {
	if operationID == "" {
		return nil
	}
	query := `INSERT INTO applied_operations (operation_id, applied_at) VALUES (?, ?)`
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(query), operationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("engine: mark operation applied: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableState(s domain.WorkflowState) any {
	return nullable(string(s))
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
