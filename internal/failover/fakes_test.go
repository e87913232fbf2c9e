package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/model"
)

var errStoreUnavailable = errors.New("store unavailable")

func ptr[T any](v T) *T { return &v }

func newTask(id, worker string, status model.TaskStatus) model.Task {
	t := model.Task{ID: id, Title: id, Status: status, CreatedAt: time.Now().UTC()}
	if worker != "" {
		t.AssignedWorker = ptr(worker)
	}
	return t
}

func newAgent(id, typ string, workload int) model.Agent {
	return model.Agent{ID: id, Type: typ, Status: model.AgentStatusIdle, Workload: workload}
}

// fakeTaskStore keeps tasks in insertion order. failures maps "task->worker" (or
// "task->*") to the number of calls that should fail; -1 fails forever.
type fakeTaskStore struct {
	mu           sync.Mutex
	order        []string
	tasks        map[string]model.Task
	failures     map[string]int
	landThenFail map[string]bool
	calls        []string
}

func newFakeTaskStore(tasks ...model.Task) *fakeTaskStore {
	s := &fakeTaskStore{
		tasks:        make(map[string]model.Task),
		failures:     make(map[string]int),
		landThenFail: make(map[string]bool),
	}
	for _, t := range tasks {
		s.order = append(s.order, t.ID)
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeTaskStore) GetTaskQueue(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out, nil
}

func (s *fakeTaskStore) GetTask(ctx context.Context, taskID string) (model.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t.Clone(), ok, nil
}

func (s *fakeTaskStore) ReassignTask(ctx context.Context, taskID, newWorkerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, taskID+"->"+newWorkerID)

	for _, key := range []string{taskID + "->" + newWorkerID, taskID + "->*"} {
		if n := s.failures[key]; n != 0 {
			if n > 0 {
				s.failures[key] = n - 1
			}
			return errStoreUnavailable
		}
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.AssignedWorker = ptr(newWorkerID)
	t.Status = model.TaskStatusQueued
	s.tasks[taskID] = t
	if s.landThenFail[taskID] {
		delete(s.landThenFail, taskID)
		return context.DeadlineExceeded
	}
	return nil
}

func (s *fakeTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = status
	s.tasks[taskID] = t
	return nil
}

func (s *fakeTaskStore) fail(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = n
}

func (s *fakeTaskStore) reassignCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeTaskStore) assignee(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID].AssignedTo()
}

// fakeRegistry returns responsive agents in insertion order and ignores criteria, so
// filtering is left to the coordinator.
type fakeRegistry struct {
	mu        sync.Mutex
	agents    []model.Agent
	configs   map[string]map[string]any
	updateErr error

	// updateGate, when set, holds UpdateAgentConfig until it is closed or ctx ends.
	updateGate  chan struct{}
	updateCalls atomic.Int32
}

func newFakeRegistry(agents ...model.Agent) *fakeRegistry {
	return &fakeRegistry{agents: agents, configs: make(map[string]map[string]any)}
}

func (r *fakeRegistry) GetAgent(ctx context.Context, id string) (model.Agent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == id {
			return a.Clone(), true, nil
		}
	}
	return model.Agent{}, false, nil
}

func (r *fakeRegistry) GetAllAgents(ctx context.Context) ([]model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (r *fakeRegistry) GetAvailableAgents(ctx context.Context, criteria model.ReassignmentCriteria) ([]model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Agent
	for _, a := range r.agents {
		if model.IsAgentResponsive(a.Status) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (r *fakeRegistry) UpdateAgentConfig(ctx context.Context, id string, config map[string]any) error {
	r.updateCalls.Add(1)
	r.mu.Lock()
	gate := r.updateGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	for _, a := range r.agents {
		if a.ID == id {
			r.configs[id] = config
			return nil
		}
	}
	return fmt.Errorf("agent %s not registered", id)
}

func (r *fakeRegistry) setStatus(id string, status model.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.agents {
		if r.agents[i].ID == id {
			r.agents[i].Status = status
		}
	}
}

func (r *fakeRegistry) status(id string) model.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == id {
			return a.Status
		}
	}
	return ""
}

func (r *fakeRegistry) appliedConfig(id string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// fakeSupervision mirrors status reports into the registry. When block is set,
// UpdateAgentStatus waits for it to close without watching ctx.
type fakeSupervision struct {
	mu       sync.Mutex
	registry *fakeRegistry
	statuses []string
	isolated []string
	flagged  map[string]string
	block    chan struct{}
	entered  chan struct{}
	panicMsg string
}

func newFakeSupervision(r *fakeRegistry) *fakeSupervision {
	return &fakeSupervision{registry: r, flagged: make(map[string]string), entered: make(chan struct{}, 16)}
}

func (f *fakeSupervision) UpdateAgentStatus(ctx context.Context, id string, status model.AgentStatus) error {
	f.mu.Lock()
	block, panicMsg := f.block, f.panicMsg
	f.statuses = append(f.statuses, id+"="+string(status))
	f.mu.Unlock()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if block != nil {
		<-block
	}
	f.registry.setStatus(id, status)
	return nil
}

func (f *fakeSupervision) IsolateAgent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isolated = append(f.isolated, id)
	return nil
}

func (f *fakeSupervision) FlagAgentForManualIntervention(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[id] = reason
	return nil
}

func (f *fakeSupervision) statusReports() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) types() []events.EventType {
	var out []events.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t events.EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, n int) []events.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.all()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GracefulShutdownTimeout = 200 * time.Millisecond
	cfg.TaskReassignmentTimeout = time.Second
	cfg.RecoveryDelay = 20 * time.Millisecond
	cfg.StatusPollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

type fixture struct {
	store *fakeTaskStore
	reg   *fakeRegistry
	sup   *fakeSupervision
	coord *Coordinator
	rec   *recorder
}

func newFixture(t *testing.T, cfg Config, tasks []model.Task, agents ...model.Agent) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeTaskStore(tasks...),
		reg:   newFakeRegistry(agents...),
		rec:   &recorder{},
	}
	f.sup = newFakeSupervision(f.reg)
	coord, err := New(f.store, f.reg, f.sup, cfg)
	require.NoError(t, err)
	f.coord = coord
	coord.Subscribe(f.rec.record)
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })
	return f
}
