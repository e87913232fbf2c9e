// Package memory is an in-process store.Backend. Tasks and agents are listed in the
// order they were first stored.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	taskOrder  []string
	tasks      map[string]model.Task
	agentOrder []string
	agents     map[string]model.Agent
}

var _ store.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks:  make(map[string]model.Task),
		agents: make(map[string]model.Agent),
	}
}

func (s *Store) PutTask(ctx context.Context, task model.Task) error {
	if err := store.ValidateTask(task); err != nil {
		return err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.taskOrder = append(s.taskOrder, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) PutAgent(ctx context.Context, agent model.Agent) error {
	if err := store.ValidateAgent(agent); err != nil {
		return err
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; !ok {
		s.agentOrder = append(s.agentOrder, agent.ID)
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *Store) GetTaskQueue(ctx context.Context) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, s.tasks[id].Clone())
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, false, nil
	}
	return t.Clone(), true, nil
}

// ReassignTask moves the task and shifts one unit of workload from the previous
// assignee to the new one.
func (s *Store) ReassignTask(ctx context.Context, taskID, newWorkerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	target, ok := s.agents[newWorkerID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, newWorkerID)
	}
	moved, err := store.Reassigned(t, newWorkerID)
	if err != nil {
		return err
	}

	prev := t.AssignedTo()
	if prev == newWorkerID {
		s.tasks[taskID] = moved
		return nil
	}
	if old, ok := s.agents[prev]; ok && old.Workload > 0 {
		old.Workload--
		s.agents[prev] = old
	}
	target.Workload++
	s.agents[newWorkerID] = target
	s.tasks[taskID] = moved
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
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
	s.tasks[taskID] = t
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (model.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, false, nil
	}
	return a.Clone(), true, nil
}

func (s *Store) GetAllAgents(ctx context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Agent, 0, len(s.agentOrder))
	for _, id := range s.agentOrder {
		out = append(out, s.agents[id].Clone())
	}
	return out, nil
}

func (s *Store) GetAvailableAgents(ctx context.Context, criteria model.ReassignmentCriteria) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Agent
	for _, id := range s.agentOrder {
		if a := s.agents[id]; store.AvailableFilter(a, criteria) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *Store) UpdateAgentConfig(ctx context.Context, agentID string, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, agentID)
	}
	a.Config = a.Config.ApplyConfigMap(config)
	s.agents[agentID] = a
	return nil
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	if !model.IsValidAgentStatus(status) {
		return fmt.Errorf("agent %s: invalid status %q", agentID, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrAgentNotFound, agentID)
	}
	a.Status = status
	if model.IsAgentResponsive(status) {
		a.LastActiveAt = time.Now().UTC()
	}
	s.agents[agentID] = a
	return nil
}

// Close is a no-op; it exists to satisfy store.Backend.
func (s *Store) Close() error {
	return nil
}
