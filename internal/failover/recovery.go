package failover

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/model"
)

// RecoverAgentState applies the snapshot of failedWorkerID to targetWorkerID (the failed
// worker itself when empty) and returns the snapshot's active task ids for reassignment.
// Concurrent calls for the same pair share one registry update.
func (c *Coordinator) RecoverAgentState(ctx context.Context, failedWorkerID, targetWorkerID string) ([]string, error) {
	if failedWorkerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}
	if !c.Config().EnableStateRecovery {
		return nil, ErrStateRecoveryDisabled
	}
	return c.recoverState(ctx, nil, failedWorkerID, targetWorkerID)
}

func (c *Coordinator) recoverState(ctx context.Context, s *session, failedWorkerID, targetWorkerID string) ([]string, error) {
	if targetWorkerID == "" {
		targetWorkerID = failedWorkerID
	}

	// Joined callers share the update; only the store timeout or shutdown may cancel it.
	flight := c.recoveries.DoChan(failedWorkerID+"\x00"+targetWorkerID, func() (any, error) {
		return c.applySnapshot(context.WithoutCancel(ctx), failedWorkerID, targetWorkerID)
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, fmt.Errorf("recover state of %s: %w", failedWorkerID, ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.log(LogLevelDebug, "state_recovery_shared worker=%s target=%s", failedWorkerID, targetWorkerID)
	}

	snap := res.Val.(model.AgentStateSnapshot)
	active := append([]string(nil), snap.ActiveTasks...)
	c.emitFor(s, failedWorkerID, events.EventStateRecovered, map[string]any{
		"target":       targetWorkerID,
		"active_tasks": append([]string(nil), active...),
		"captured_at":  snap.CapturedAt.Format(time.RFC3339Nano),
	})
	return active, nil
}

func (c *Coordinator) applySnapshot(ctx context.Context, failedWorkerID, targetWorkerID string) (model.AgentStateSnapshot, error) {
	snap, ok := c.snapshots.Get(failedWorkerID)
	if !ok {
		return model.AgentStateSnapshot{}, fmt.Errorf("%w: worker %s", ErrSnapshotNotFound, failedWorkerID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Config().TaskReassignmentTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := c.agents.UpdateAgentConfig(ctx, targetWorkerID, snap.Config); err != nil {
		return model.AgentStateSnapshot{}, fmt.Errorf("apply snapshot of %s to %s: %w", failedWorkerID, targetWorkerID, err)
	}
	c.log(LogLevelInfo, "state_recovered worker=%s target=%s active_tasks=%d", failedWorkerID, targetWorkerID, len(snap.ActiveTasks))
	return snap, nil
}

// SaveAgentStateSnapshot stores snap, replacing any earlier snapshot of the same worker.
func (c *Coordinator) SaveAgentStateSnapshot(snap model.AgentStateSnapshot) error {
	if snap.WorkerID == "" {
		return fmt.Errorf("%w: snapshot worker id is required", ErrInvalidArgument)
	}
	if !c.Config().EnableStateRecovery {
		return ErrStateRecoveryDisabled
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	c.snapshots.Put(snap)
	return nil
}

// CaptureAgentState builds a snapshot of workerID from the registry and task store and
// stores it.
func (c *Coordinator) CaptureAgentState(ctx context.Context, workerID string) (model.AgentStateSnapshot, error) {
	if !c.Config().EnableStateRecovery {
		return model.AgentStateSnapshot{}, ErrStateRecoveryDisabled
	}
	agent, ok, err := c.agents.GetAgent(ctx, workerID)
	if err != nil {
		return model.AgentStateSnapshot{}, fmt.Errorf("get agent %s: %w", workerID, err)
	}
	if !ok {
		return model.AgentStateSnapshot{}, fmt.Errorf("%w: %s", ErrAgentNotFound, workerID)
	}
	queue, err := c.tasks.GetTaskQueue(ctx)
	if err != nil {
		return model.AgentStateSnapshot{}, fmt.Errorf("get task queue: %w", err)
	}

	snap := model.AgentStateSnapshot{
		WorkerID:       workerID,
		CapturedAt:     time.Now().UTC(),
		Status:         agent.Status,
		ActiveTasks:    []string{},
		CompletedTasks: []string{},
		Workload:       agent.Workload,
		Config:         agent.Config.ConfigMap(),
	}
	for _, t := range queue {
		if t.AssignedTo() != workerID {
			continue
		}
		switch {
		case t.Status == model.TaskStatusCompleted:
			snap.CompletedTasks = append(snap.CompletedTasks, t.ID)
		case !model.IsTaskTerminal(t.Status):
			snap.ActiveTasks = append(snap.ActiveTasks, t.ID)
		}
	}
	c.snapshots.Put(snap)
	c.log(LogLevelDebug, "snapshot_captured worker=%s active=%d completed=%d", workerID, len(snap.ActiveTasks), len(snap.CompletedTasks))
	return snap.Clone(), nil
}

func (c *Coordinator) GetAgentStateSnapshot(workerID string) (model.AgentStateSnapshot, bool) {
	return c.snapshots.Get(workerID)
}

// CreateTaskCheckpoint records the latest progress of taskID. progress must be finite and
// within [0,1]; out-of-range values are rejected rather than clamped.
func (c *Coordinator) CreateTaskCheckpoint(taskID, workerID string, progress float64, intermediateResults map[string]any, nextSteps []string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidArgument)
	}
	if math.IsNaN(progress) || math.IsInf(progress, 0) || progress < 0 || progress > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidProgress, progress)
	}
	if !c.Config().EnableTaskCheckpointing {
		return ErrCheckpointingDisabled
	}
	c.checkpoints.Put(model.TaskCheckpoint{
		TaskID:              taskID,
		WorkerID:            workerID,
		Progress:            progress,
		IntermediateResults: intermediateResults,
		NextSteps:           nextSteps,
		CapturedAt:          time.Now().UTC(),
	})
	return nil
}

func (c *Coordinator) GetTaskCheckpoint(taskID string) (model.TaskCheckpoint, bool) {
	return c.checkpoints.Get(taskID)
}
