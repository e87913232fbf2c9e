package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/model"
)

// candidate tracks a replacement worker and its projected load within one batch.
type candidate struct {
	agent model.Agent
	load  int
}

func (cd *candidate) full(criteria model.ReassignmentCriteria) bool {
	if limit := cd.agent.Config.MaxConcurrentTasks; limit > 0 && cd.load >= limit {
		return true
	}
	return criteria.MaxWorkload != nil && cd.load > *criteria.MaxWorkload
}

// ReassignTasks moves tasks off failedWorkerID and returns task id to new worker id for
// every task that moved. Each task goes to the eligible candidate with the lowest
// projected workload; ties go to the candidate the registry listed first. A task that
// cannot be moved is left out of the mapping. When there are no candidates at all the
// call fails with ErrNoAvailableAgents, and when every task fails it returns an empty
// mapping with ErrAllReassignmentsFailed.
func (c *Coordinator) ReassignTasks(ctx context.Context, tasks []model.Task, failedWorkerID string, criteria model.ReassignmentCriteria) (map[string]string, error) {
	if c.isClosed() {
		return nil, ErrCoordinatorClosed
	}
	moved, failures, err := c.reassign(ctx, nil, c.Config(), tasks, failedWorkerID, criteria)
	if err == nil && len(failures) > 0 {
		c.log(LogLevelWarn, "reassign_partial worker=%s moved=%d unassigned=%d", failedWorkerID, len(moved), len(failures))
	}
	return moved, err
}

func (c *Coordinator) reassign(
	ctx context.Context,
	s *session,
	cfg Config,
	tasks []model.Task,
	failedWorkerID string,
	criteria model.ReassignmentCriteria,
) (map[string]string, []*ReassignmentError, error) {
	if len(tasks) == 0 {
		return map[string]string{}, nil, nil
	}

	available, err := c.agents.GetAvailableAgents(ctx, criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("get available agents: %w", err)
	}
	var pool []*candidate
	for _, a := range available {
		if a.ID == failedWorkerID || !model.IsAgentResponsive(a.Status) || !criteria.Matches(a) {
			continue
		}
		pool = append(pool, &candidate{agent: a, load: a.Workload})
	}
	if len(pool) == 0 {
		c.log(LogLevelWarn, "reassign_no_candidates worker=%s tasks=%d", failedWorkerID, len(tasks))
		return nil, nil, fmt.Errorf("%w: %d task(s) from worker %s", ErrNoAvailableAgents, len(tasks), failedWorkerID)
	}

	result := make(map[string]string, len(tasks))
	var failures []*ReassignmentError
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			failures = append(failures, &ReassignmentError{TaskID: task.ID, Err: err})
			continue
		}

		ranked := rankCandidates(pool, criteria)
		if len(ranked) == 0 {
			failures = append(failures, &ReassignmentError{TaskID: task.ID, Err: ErrNoCapacity})
			continue
		}

		chosen, attempts, rerr := c.moveTask(ctx, cfg, task.ID, ranked)
		if rerr != nil {
			rerr.TaskID = task.ID
			failures = append(failures, rerr)
			c.log(LogLevelWarn, "reassign_skip task=%s worker=%s error=%v", task.ID, failedWorkerID, rerr.Err)
			continue
		}

		chosen.load++
		result[task.ID] = chosen.agent.ID

		from := task.AssignedTo()
		if from == "" {
			from = failedWorkerID
		}
		data := map[string]any{
			"task_id":  task.ID,
			"from":     from,
			"to":       chosen.agent.ID,
			"attempts": attempts,
		}
		if cfg.EnableTaskCheckpointing {
			if cp, ok := c.checkpoints.Get(task.ID); ok {
				data["resume_progress"] = cp.Progress
			}
		} else if c.checkpoints.DeleteIfOwnedBy(task.ID, failedWorkerID) {
			c.log(LogLevelDebug, "checkpoint_discarded task=%s worker=%s", task.ID, failedWorkerID)
		}
		c.emitFor(s, failedWorkerID, events.EventTaskReassigned, data)
		c.log(LogLevelInfo, "task_reassigned task=%s from=%s to=%s attempts=%d", task.ID, from, chosen.agent.ID, attempts)
	}

	if len(result) == 0 && len(failures) > 0 {
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f
		}
		return result, failures, fmt.Errorf("%w: %w", ErrAllReassignmentsFailed, errors.Join(errs...))
	}
	return result, failures, nil
}

// rankCandidates orders the candidates with spare capacity by projected load. The sort is
// stable over registry order, which is the tie-break.
func rankCandidates(pool []*candidate, criteria model.ReassignmentCriteria) []*candidate {
	ranked := make([]*candidate, 0, len(pool))
	for _, cd := range pool {
		if !cd.full(criteria) {
			ranked = append(ranked, cd)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].load < ranked[j].load
	})
	return ranked
}

// moveTask tries up to MaxReassignmentAttempts store calls, attempt k targeting the k-th
// ranked candidate (wrapping when there are fewer candidates than attempts). The store is
// not assumed atomic, so before each retry the task is re-read and a previous attempt
// that actually landed counts as success.
func (c *Coordinator) moveTask(ctx context.Context, cfg Config, taskID string, ranked []*candidate) (*candidate, int, *ReassignmentError) {
	var (
		prev    *candidate
		lastErr error
	)
	for k := 0; k < cfg.MaxReassignmentAttempts; k++ {
		if prev != nil && c.landed(ctx, cfg, taskID, prev.agent.ID) {
			return prev, k, nil
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		cd := ranked[k%len(ranked)]
		err := c.withStoreTimeout(ctx, cfg, func(ctx context.Context) error {
			return c.tasks.ReassignTask(ctx, taskID, cd.agent.ID)
		})
		if err == nil {
			return cd, k + 1, nil
		}
		c.log(LogLevelDebug, "reassign_attempt_failed task=%s candidate=%s attempt=%d error=%v", taskID, cd.agent.ID, k+1, err)
		prev, lastErr = cd, err
	}
	if prev != nil && c.landed(ctx, cfg, taskID, prev.agent.ID) {
		return prev, cfg.MaxReassignmentAttempts, nil
	}

	rerr := &ReassignmentError{Attempts: cfg.MaxReassignmentAttempts, Err: lastErr}
	if prev != nil {
		rerr.Candidate = prev.agent.ID
	}
	return nil, 0, rerr
}

// landed reports whether the store already shows taskID assigned to workerID.
func (c *Coordinator) landed(ctx context.Context, cfg Config, taskID, workerID string) bool {
	var task model.Task
	var ok bool
	err := c.withStoreTimeout(ctx, cfg, func(ctx context.Context) error {
		var err error
		task, ok, err = c.tasks.GetTask(ctx, taskID)
		return err
	})
	return err == nil && ok && task.AssignedTo() == workerID
}

func (c *Coordinator) withStoreTimeout(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, cfg.TaskReassignmentTimeout)
	defer cancel()
	return fn(tctx)
}

// emitFor publishes through the session when there is one, so events stop once the
// session is terminal. Direct calls publish straight to the bus.
func (c *Coordinator) emitFor(s *session, workerID string, t events.EventType, data map[string]any) {
	if s != nil {
		s.emit(t, data)
		return
	}
	c.bus.Publish(events.Event{Type: t, WorkerID: workerID, Data: data})
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
