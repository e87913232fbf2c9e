package failover

import (
	"sync"

	"github.com/msageha/maestro-failover/internal/model"
)

// CheckpointStore keeps the latest TaskCheckpoint per task.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]model.TaskCheckpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]model.TaskCheckpoint)}
}

// Put overwrites any previous checkpoint for cp.TaskID.
func (s *CheckpointStore) Put(cp model.TaskCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.TaskID] = cp.Clone()
}

func (s *CheckpointStore) Get(taskID string) (model.TaskCheckpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[taskID]
	if !ok {
		return model.TaskCheckpoint{}, false
	}
	return cp.Clone(), true
}

// DeleteIfOwnedBy removes the checkpoint for taskID only when workerID produced it.
func (s *CheckpointStore) DeleteIfOwnedBy(taskID, workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[taskID]
	if !ok || cp.WorkerID != workerID {
		return false
	}
	delete(s.checkpoints, taskID)
	return true
}

func (s *CheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}
