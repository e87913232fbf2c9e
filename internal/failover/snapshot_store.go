package failover

import (
	"sort"
	"sync"

	"github.com/msageha/maestro-failover/internal/model"
)

// SnapshotStore keeps the latest AgentStateSnapshot per worker. Values are copied on the
// way in and out.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]model.AgentStateSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]model.AgentStateSnapshot)}
}

// Put overwrites any previous snapshot for s.WorkerID.
func (s *SnapshotStore) Put(snap model.AgentStateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.WorkerID] = snap.Clone()
}

func (s *SnapshotStore) Get(workerID string) (model.AgentStateSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[workerID]
	if !ok {
		return model.AgentStateSnapshot{}, false
	}
	return snap.Clone(), true
}

func (s *SnapshotStore) Delete(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workerID)
}

// WorkerIDs returns the ids with a stored snapshot, sorted.
func (s *SnapshotStore) WorkerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
