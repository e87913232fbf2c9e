package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/maestro-failover/internal/model"
)

func (c *Coordinator) runStrategy(ctx context.Context, s *session, o failoverOptions) (model.SessionOutcome, error) {
	switch o.strategy {
	case model.StrategyImmediate:
		return c.runImmediate(ctx, s, o.criteria)
	case model.StrategyGraceful:
		return c.runGraceful(ctx, s, o.criteria)
	case model.StrategyDelayed:
		return c.runDelayed(ctx, s, o.criteria)
	case model.StrategyManual:
		return c.runManual(ctx, s)
	default:
		return model.OutcomeFailed, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, o.strategy)
	}
}

// runImmediate takes the worker out of rotation and moves every non-terminal task it holds.
func (c *Coordinator) runImmediate(ctx context.Context, s *session, criteria model.ReassignmentCriteria) (model.SessionOutcome, error) {
	workerID := s.rec.WorkerID

	if err := c.supervision.UpdateAgentStatus(ctx, workerID, model.AgentStatusOffline); err != nil {
		return model.OutcomeFailed, fmt.Errorf("mark worker %s offline: %w", workerID, err)
	}
	if err := c.supervision.IsolateAgent(ctx, workerID); err != nil {
		return model.OutcomeFailed, fmt.Errorf("isolate worker %s: %w", workerID, err)
	}

	var recovered []string
	if s.cfg.EnableStateRecovery {
		if _, ok := c.snapshots.Get(workerID); ok {
			ids, err := c.recoverState(ctx, s, workerID, workerID)
			if err != nil {
				// tasks are still collected from the store below
				c.log(LogLevelWarn, "state_recovery_skipped session=%s worker=%s error=%v", s.rec.ID, workerID, err)
			} else {
				recovered = ids
			}
		}
	}

	affected, err := c.affectedTasks(ctx, workerID, recovered)
	if err != nil {
		return model.OutcomeFailed, err
	}
	if len(affected) == 0 {
		c.log(LogLevelInfo, "failover_no_tasks session=%s worker=%s", s.rec.ID, workerID)
		return model.OutcomeCompleted, nil
	}

	moved, failures, err := c.reassign(ctx, s, s.cfg, affected, workerID, criteria)
	s.setReassigned(moved, failures)
	if err != nil {
		return model.OutcomeFailed, err
	}
	return model.OutcomeCompleted, nil
}

// runGraceful lets in-progress work drain for up to GracefulShutdownTimeout, then
// continues as immediate for whatever is left.
func (c *Coordinator) runGraceful(ctx context.Context, s *session, criteria model.ReassignmentCriteria) (model.SessionOutcome, error) {
	workerID := s.rec.WorkerID
	if err := c.supervision.UpdateAgentStatus(ctx, workerID, model.AgentStatusWaiting); err != nil {
		return model.OutcomeFailed, fmt.Errorf("mark worker %s waiting: %w", workerID, err)
	}

	drained, err := c.waitForDrain(ctx, s.cfg, workerID)
	if err != nil {
		return model.OutcomeFailed, err
	}
	c.log(LogLevelInfo, "graceful_wait_done session=%s worker=%s drained=%t", s.rec.ID, workerID, drained)
	return c.runImmediate(ctx, s, criteria)
}

// waitForDrain polls until workerID has no in-progress task or the grace window closes.
// Only an interrupted wait returns an error.
func (c *Coordinator) waitForDrain(ctx context.Context, cfg Config, workerID string) (bool, error) {
	deadline := time.NewTimer(cfg.GracefulShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		running, err := c.countInProgress(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.log(LogLevelWarn, "graceful_poll worker=%s error=%v", workerID, err)
		} else if running == 0 {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) countInProgress(ctx context.Context, workerID string) (int, error) {
	queue, err := c.tasks.GetTaskQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("get task queue: %w", err)
	}
	n := 0
	for _, t := range queue {
		if t.AssignedTo() == workerID && t.Status == model.TaskStatusInProgress {
			n++
		}
	}
	return n, nil
}

// runDelayed gives the worker RecoveryDelay to come back on its own. The worker is
// reported offline for the duration; a responsive registry status afterwards ends the
// session as recovered.
func (c *Coordinator) runDelayed(ctx context.Context, s *session, criteria model.ReassignmentCriteria) (model.SessionOutcome, error) {
	workerID := s.rec.WorkerID
	if err := c.supervision.UpdateAgentStatus(ctx, workerID, model.AgentStatusOffline); err != nil {
		return model.OutcomeFailed, fmt.Errorf("mark worker %s offline: %w", workerID, err)
	}

	timer := time.NewTimer(s.cfg.RecoveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return model.OutcomeFailed, ctx.Err()
	case <-timer.C:
	}

	agent, ok, err := c.agents.GetAgent(ctx, workerID)
	if err != nil {
		c.log(LogLevelWarn, "delayed_check session=%s worker=%s error=%v", s.rec.ID, workerID, err)
	} else if ok && model.IsAgentResponsive(agent.Status) {
		c.log(LogLevelInfo, "worker_recovered session=%s worker=%s status=%s", s.rec.ID, workerID, agent.Status)
		return model.OutcomeRecovered, nil
	}
	return c.runImmediate(ctx, s, criteria)
}

// runManual hands the worker to an operator. No task is moved.
func (c *Coordinator) runManual(ctx context.Context, s *session) (model.SessionOutcome, error) {
	workerID := s.rec.WorkerID
	if err := c.supervision.FlagAgentForManualIntervention(ctx, workerID, s.rec.Reason); err != nil {
		return model.OutcomeFailed, fmt.Errorf("flag worker %s for manual intervention: %w", workerID, err)
	}
	if err := c.supervision.UpdateAgentStatus(ctx, workerID, model.AgentStatusError); err != nil {
		return model.OutcomeFailed, fmt.Errorf("mark worker %s error: %w", workerID, err)
	}
	return model.OutcomePendingManualAction, nil
}

// affectedTasks returns the non-terminal tasks assigned to workerID, in queue order,
// followed by extra ids (from a recovered snapshot) that are non-terminal and not held by
// another worker.
func (c *Coordinator) affectedTasks(ctx context.Context, workerID string, extra []string) ([]model.Task, error) {
	queue, err := c.tasks.GetTaskQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("get task queue: %w", err)
	}
	want := make(map[string]bool, len(extra))
	for _, id := range extra {
		want[id] = true
	}

	var out []model.Task
	seen := make(map[string]bool)
	for _, t := range queue {
		if model.IsTaskTerminal(t.Status) {
			continue
		}
		owner := t.AssignedTo()
		if owner == workerID || (want[t.ID] && owner == "") {
			out = append(out, t)
			seen[t.ID] = true
		}
	}
	// snapshot ids missing from the queue listing
	for _, id := range extra {
		if seen[id] {
			continue
		}
		t, ok, err := c.tasks.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get task %s: %w", id, err)
		}
		if ok && !model.IsTaskTerminal(t.Status) && (t.AssignedTo() == "" || t.AssignedTo() == workerID) {
			out = append(out, t)
			seen[id] = true
		}
	}
	return out, nil
}
