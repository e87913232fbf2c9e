// Package sqlite is a store.Backend persisted in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	assigned_worker TEXT,
	dependencies TEXT NOT NULL DEFAULT '[]',
	estimated_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	workload INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	last_active_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_worker, status);
`

const (
	taskColumns  = "id, title, status, priority, assigned_worker, dependencies, estimated_ms, created_at, started_at"
	agentColumns = "id, agent_type, status, capabilities, workload, config, created_at, last_active_at"
)

// Store implements store.Backend using SQLite. Listing order is insertion order (rowid).
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// New opens the database at path, creating parent directories and the schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one connection serializes writers so transactions never see SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

func scanTask(row scanner) (model.Task, error) {
	var (
		t         model.Task
		assigned  sql.NullString
		deps      string
		estimated int64
		created   string
		started   string
		status    string
	)
	if err := row.Scan(&t.ID, &t.Title, &status, &t.Priority, &assigned, &deps, &estimated, &created, &started); err != nil {
		return model.Task{}, err
	}
	t.Status = model.TaskStatus(status)
	if assigned.Valid {
		w := assigned.String
		t.AssignedWorker = &w
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return model.Task{}, fmt.Errorf("task %s dependencies: %w", t.ID, err)
	}
	t.EstimatedDuration = time.Duration(estimated) * time.Millisecond
	var err error
	if t.CreatedAt, err = parseTime(created, "task "+t.ID); err != nil {
		return model.Task{}, err
	}
	if started != "" {
		st, err := parseTime(started, "task "+t.ID)
		if err != nil {
			return model.Task{}, err
		}
		t.StartedAt = &st
	}
	return t, nil
}

func scanAgent(row scanner) (model.Agent, error) {
	var (
		a       model.Agent
		status  string
		caps    string
		config  string
		created string
		active  string
	)
	if err := row.Scan(&a.ID, &a.Type, &status, &caps, &a.Workload, &config, &created, &active); err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return model.Agent{}, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(config), &a.Config); err != nil {
		return model.Agent{}, fmt.Errorf("agent %s config: %w", a.ID, err)
	}
	var err error
	if a.CreatedAt, err = parseTime(created, "agent "+a.ID); err != nil {
		return model.Agent{}, err
	}
	if a.LastActiveAt, err = parseTime(active, "agent "+a.ID); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

func (s *Store) PutTask(ctx context.Context, t model.Task) error {
	if err := store.ValidateTask(t); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.writeTask(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) writeTask(ctx context.Context, db execer, t model.Task) error {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("task %s dependencies: %w", t.ID, err)
	}
	var assigned sql.NullString
	if t.AssignedWorker != nil {
		assigned = sql.NullString{String: *t.AssignedWorker, Valid: true}
	}
	started := ""
	if t.StartedAt != nil {
		started = formatTime(*t.StartedAt)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	status = excluded.status,
	priority = excluded.priority,
	assigned_worker = excluded.assigned_worker,
	dependencies = excluded.dependencies,
	estimated_ms = excluded.estimated_ms,
	started_at = excluded.started_at`,
		t.ID, t.Title, string(t.Status), t.Priority, assigned, string(depsJSON),
		t.EstimatedDuration.Milliseconds(), formatTime(t.CreatedAt), started)
	if err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) PutAgent(ctx context.Context, a model.Agent) error {
	if err := store.ValidateAgent(a); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.writeAgent(ctx, s.db, a)
}

func (s *Store) writeAgent(ctx context.Context, db execer, a model.Agent) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	cfgJSON, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("agent %s config: %w", a.ID, err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	agent_type = excluded.agent_type,
	status = excluded.status,
	capabilities = excluded.capabilities,
	workload = excluded.workload,
	config = excluded.config,
	last_active_at = excluded.last_active_at`,
		a.ID, a.Type, string(a.Status), string(capsJSON), a.Workload, string(cfgJSON),
		formatTime(a.CreatedAt), formatTime(a.LastActiveAt))
	if err != nil {
		return fmt.Errorf("write agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetTaskQueue(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks iteration: %w", err)
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q querier, id string) (model.Task, bool, error) {
	t, err := scanTask(q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("task %s: %w", id, err)
	}
	return t, true, nil
}

func getAgent(ctx context.Context, q querier, id string) (model.Agent, bool, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, false, nil
	}
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("agent %s: %w", id, err)
	}
	return a, true, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.Task, bool, error) {
	return getTask(ctx, s.db, taskID)
}

// ReassignTask moves the task and shifts one unit of workload from the previous
// assignee to the new one, in a single transaction.
func (s *Store) ReassignTask(ctx context.Context, taskID, newWorkerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reassign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, ok, err := getTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	if _, ok, err := getAgent(ctx, tx, newWorkerID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, newWorkerID)
	}
	moved, err := store.Reassigned(t, newWorkerID)
	if err != nil {
		return err
	}
	if err := s.writeTask(ctx, tx, moved); err != nil {
		return err
	}

	if prev := t.AssignedTo(); prev != newWorkerID {
		if _, err := tx.ExecContext(ctx, "UPDATE agents SET workload = workload - 1 WHERE id = ? AND workload > 0", prev); err != nil {
			return fmt.Errorf("release workload on %s: %w", prev, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE agents SET workload = workload + 1 WHERE id = ?", newWorkerID); err != nil {
			return fmt.Errorf("add workload on %s: %w", newWorkerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reassign: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, ok, err := getTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	if err := model.ValidateTaskTransition(t.Status, status); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if status == model.TaskStatusInProgress && t.Status != model.TaskStatusInProgress {
		now := time.Now().UTC()
		t.StartedAt = &now
	}
	t.Status = status
	if err := s.writeTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (model.Agent, bool, error) {
	return getAgent(ctx, s.db, agentID)
}

func (s *Store) listAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agents iteration: %w", err)
	}
	return out, nil
}

func (s *Store) GetAllAgents(ctx context.Context) ([]model.Agent, error) {
	return s.listAgents(ctx)
}

func (s *Store) GetAvailableAgents(ctx context.Context, criteria model.ReassignmentCriteria) ([]model.Agent, error) {
	all, err := s.listAgents(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Agent
	for _, a := range all {
		if store.AvailableFilter(a, criteria) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) UpdateAgentConfig(ctx context.Context, agentID string, config map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin config update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, ok, err := getAgent(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, agentID)
	}
	a.Config = a.Config.ApplyConfigMap(config)
	if err := s.writeAgent(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	if !model.IsValidAgentStatus(status) {
		return fmt.Errorf("agent %s: invalid status %q", agentID, status)
	}
	active := ""
	if model.IsAgentResponsive(status) {
		active = formatTime(time.Now().UTC())
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ?, last_active_at = CASE WHEN ? = '' THEN last_active_at ELSE ? END WHERE id = ?",
		string(status), active, active, agentID)
	if err != nil {
		return fmt.Errorf("set agent status %s: %w", agentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, agentID)
	}
	return nil
}
