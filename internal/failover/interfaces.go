package failover

import (
	"context"

	"github.com/msageha/maestro-failover/internal/model"
)

// TaskStore is the task queue the coordinator moves work through. The coordinator never
// mutates tasks directly.
type TaskStore interface {
	GetTaskQueue(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, taskID string) (model.Task, bool, error)
	// ReassignTask fails when the task or the target worker is unknown.
	ReassignTask(ctx context.Context, taskID, newWorkerID string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
}

// AgentRegistry is the source of worker records and replacement candidates.
type AgentRegistry interface {
	GetAgent(ctx context.Context, agentID string) (model.Agent, bool, error)
	GetAllAgents(ctx context.Context) ([]model.Agent, error)
	// GetAvailableAgents returns responsive workers in registry iteration order.
	GetAvailableAgents(ctx context.Context, criteria model.ReassignmentCriteria) ([]model.Agent, error)
	// UpdateAgentConfig fails when the agent is unknown.
	UpdateAgentConfig(ctx context.Context, agentID string, config map[string]any) error
}

// SupervisionChannel reports worker status changes to whatever supervises the pool.
type SupervisionChannel interface {
	UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error
	IsolateAgent(ctx context.Context, agentID string) error
	FlagAgentForManualIntervention(ctx context.Context, agentID, reason string) error
}
