// Package store defines the task/agent backend contract shared by the memory and
// sqlite implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/maestro-failover/internal/model"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskTerminal  = errors.New("task is in a terminal state")
)

// Backend is a combined task store and agent registry. It satisfies
// failover.TaskStore and failover.AgentRegistry, plus the upserts used to seed it and
// the status write used by the supervision channel.
type Backend interface {
	GetTaskQueue(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, taskID string) (model.Task, bool, error)
	ReassignTask(ctx context.Context, taskID, newWorkerID string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error

	GetAgent(ctx context.Context, agentID string) (model.Agent, bool, error)
	GetAllAgents(ctx context.Context) ([]model.Agent, error)
	GetAvailableAgents(ctx context.Context, criteria model.ReassignmentCriteria) ([]model.Agent, error)
	UpdateAgentConfig(ctx context.Context, agentID string, config map[string]any) error

	PutTask(ctx context.Context, task model.Task) error
	PutAgent(ctx context.Context, agent model.Agent) error
	SetAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error

	Close() error
}

// ValidateTask checks the fields a backend requires before storing t.
func ValidateTask(t model.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !model.IsValidTaskStatus(t.Status) {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// ValidateAgent checks the fields a backend requires before storing a.
func ValidateAgent(a model.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !model.IsValidAgentStatus(a.Status) {
		return fmt.Errorf("agent %s: invalid status %q", a.ID, a.Status)
	}
	if a.Workload < 0 {
		return fmt.Errorf("agent %s: workload must not be negative", a.ID)
	}
	return nil
}

// Reassigned returns t moved to newWorkerID. In-progress work is handed back to the
// queue; terminal tasks cannot move.
func Reassigned(t model.Task, newWorkerID string) (model.Task, error) {
	if model.IsTaskTerminal(t.Status) {
		return t, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, t.ID, t.Status)
	}
	out := t.Clone()
	w := newWorkerID
	out.AssignedWorker = &w
	if out.Status == model.TaskStatusInProgress {
		out.Status = model.TaskStatusQueued
		out.StartedAt = nil
	}
	return out, nil
}

// AvailableFilter reports whether a can take reassigned work under criteria.
func AvailableFilter(a model.Agent, criteria model.ReassignmentCriteria) bool {
	return model.IsAgentResponsive(a.Status) && criteria.Matches(a)
}
