package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/model"
)

func TestInitiateFailover_CrashedWorkerScenario(t *testing.T) {
	tasks := []model.Task{
		newTask("t1", "A", model.TaskStatusInProgress),
		newTask("t2", "A", model.TaskStatusInProgress),
	}
	agentA := newAgent("A", "backend", 2)
	agentA.Status = model.AgentStatusWorking
	f := newFixture(t, testConfig(), tasks, agentA, newAgent("B", "backend", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, map[string]string{"t1": "B", "t2": "B"}, rec.Reassigned)
	assert.NotNil(t, rec.EndedAt)
	assert.True(t, model.ValidateID(rec.ID))

	got := f.rec.waitFor(t, 4)
	require.Len(t, got, 4)
	assert.Equal(t, []events.EventType{
		events.EventFailoverInitiated,
		events.EventTaskReassigned,
		events.EventTaskReassigned,
		events.EventFailoverCompleted,
	}, f.rec.types())
	assert.Equal(t, "t1", got[1].Data["task_id"])
	assert.Equal(t, "t2", got[2].Data["task_id"])
	for _, e := range got {
		assert.Equal(t, "A", e.WorkerID)
		assert.Equal(t, rec.ID, e.SessionID)
	}

	assert.Equal(t, "B", f.store.assignee("t1"))
	assert.Equal(t, "B", f.store.assignee("t2"))
	assert.Equal(t, model.AgentStatusOffline, f.reg.status("A"))
	assert.Contains(t, f.sup.isolated, "A")

	// B is the only candidate, so moving the same tasks again lands them on B.
	queue, err := f.store.GetTaskQueue(context.Background())
	require.NoError(t, err)
	mapping, err := f.coord.ReassignTasks(context.Background(), queue, "A", model.ReassignmentCriteria{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "B", "t2": "B"}, mapping)
}

func TestInitiateFailover_AlreadyInProgress(t *testing.T) {
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0), newAgent("B", "", 0))
	release := make(chan struct{})
	f.sup.block = release

	type result struct {
		rec *model.FailoverSession
		err error
	}
	first := make(chan result, 1)
	go func() {
		rec, err := f.coord.InitiateFailover(context.Background(), "A", "heartbeat lost")
		first <- result{rec, err}
	}()

	select {
	case <-f.sup.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never reached the supervision channel")
	}

	_, err := f.coord.InitiateFailover(context.Background(), "A", "duplicate")
	require.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.Equal(t, CodeAlreadyInProgress, ErrorCode(err))
	require.Len(t, f.coord.ActiveSessions(), 1)
	assert.Equal(t, "heartbeat lost", f.coord.ActiveSessions()[0].Reason)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, model.OutcomeCompleted, r.rec.Outcome)

	f.rec.waitFor(t, 3)
	assert.Equal(t, 1, f.rec.count(events.EventFailoverInitiated))
	assert.Empty(t, f.coord.ActiveSessions())

	// the lock is released, so a new session may start
	_, err = f.coord.InitiateFailover(context.Background(), "A", "again")
	require.NoError(t, err)
}

func TestInitiateFailover_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, testConfig(), nil, newAgent("A", "", 0), newAgent("B", "", 0))
	release := make(chan struct{})
	f.sup.block = release

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.InitiateFailover(context.Background(), "A", "race")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool {
		return len(f.coord.ActiveSessions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyInProgress):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	// late callers may start a fresh session after the first one finished
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, callers, ok+rejected)
}

func TestInitiateFailover_DistinctWorkersRunConcurrently(t *testing.T) {
	tasks := []model.Task{
		newTask("t1", "A", model.TaskStatusQueued),
		newTask("t2", "B", model.TaskStatusQueued),
	}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0), newAgent("B", "", 0), newAgent("C", "", 0))

	var wg sync.WaitGroup
	for _, w := range []string{"A", "B"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			_, err := f.coord.InitiateFailover(context.Background(), w, "crashed")
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	assert.NotEqual(t, "A", f.store.assignee("t1"))
	assert.NotEqual(t, "B", f.store.assignee("t2"))
}

func TestInitiateFailover_AllStrategiesTerminate(t *testing.T) {
	for _, strategy := range []model.FailoverStrategy{
		model.StrategyImmediate,
		model.StrategyGraceful,
		model.StrategyDelayed,
		model.StrategyManual,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := testConfig()
			cfg.Strategy = strategy
			cfg.GracefulShutdownTimeout = 30 * time.Millisecond
			tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
			f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

			rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
			require.NoError(t, err)
			assert.Equal(t, strategy, rec.Strategy)
			assert.True(t, model.IsOutcomeTerminal(rec.Outcome))

			got := f.rec.waitFor(t, 2)
			assert.Equal(t, events.EventFailoverInitiated, got[0].Type)
			require.Eventually(t, func() bool {
				all := f.rec.all()
				return all[len(all)-1].Terminal()
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestInitiateFailover_WithStrategyOverride(t *testing.T) {
	f := newFixture(t, testConfig(), nil, newAgent("A", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "operator", WithStrategy(model.StrategyManual))
	require.NoError(t, err)
	assert.Equal(t, model.StrategyManual, rec.Strategy)
	assert.Equal(t, model.OutcomePendingManualAction, rec.Outcome)
	assert.Equal(t, model.StrategyImmediate, f.coord.Config().Strategy)

	_, err = f.coord.InitiateFailover(context.Background(), "A", "x", WithStrategy("sideways"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInitiateFailover_RejectsEmptyWorker(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	_, err := f.coord.InitiateFailover(context.Background(), "", "crashed")
	require.ErrorIs(t, err, ErrInvalidArgument)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.rec.all())
}

func TestInitiateFailover_NoTasksCompletes(t *testing.T) {
	f := newFixture(t, testConfig(), []model.Task{newTask("done", "A", model.TaskStatusCompleted)}, newAgent("A", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Empty(t, rec.Reassigned)
	assert.Empty(t, f.store.reassignCalls())
	assert.Equal(t, "A", f.store.assignee("done"))
}

func TestInitiateFailover_NoCandidatesFails(t *testing.T) {
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.ErrorIs(t, err, ErrNoAvailableAgents)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)
	assert.NotEmpty(t, rec.Error)

	got := f.rec.waitFor(t, 2)
	last := got[len(got)-1]
	assert.Equal(t, events.EventFailoverFailed, last.Type)
	assert.Equal(t, CodeNoAvailableAgents, last.Data["code"])
	assert.Equal(t, 0, f.rec.count(events.EventTaskReassigned))

	// failed sessions release the lock too
	_, err = f.coord.InitiateFailover(context.Background(), "A", "retry")
	assert.ErrorIs(t, err, ErrNoAvailableAgents)
}

func TestInitiateFailover_AllReassignmentsFailed(t *testing.T) {
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusQueued)}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0), newAgent("B", "", 0))
	f.store.fail("t1->*", -1)

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.ErrorIs(t, err, ErrAllReassignmentsFailed)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)

	got := f.rec.waitFor(t, 2)
	assert.Equal(t, CodeAllReassignmentsFailed, got[len(got)-1].Data["code"])
}

func TestInitiateFailover_PartialFailureStillCompletes(t *testing.T) {
	tasks := []model.Task{
		newTask("t1", "A", model.TaskStatusQueued),
		newTask("t2", "A", model.TaskStatusQueued),
	}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0), newAgent("B", "", 0))
	f.store.fail("t2->*", -1)

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, map[string]string{"t1": "B"}, rec.Reassigned)
	assert.Equal(t, "A", f.store.assignee("t2"))
	require.Contains(t, rec.Unassigned, "t2")
	assert.Contains(t, rec.Unassigned["t2"], "reassign task t2")
	assert.NotContains(t, rec.Unassigned, "t1")

	got := f.rec.waitFor(t, 3)
	last := got[len(got)-1]
	require.Equal(t, events.EventFailoverCompleted, last.Type)
	assert.Equal(t, 1, last.Data["unassigned"])
}

func TestInitiateFailover_GracefulWaitsForRunningTask(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyGraceful
	cfg.GracefulShutdownTimeout = 2 * time.Second
	tasks := []model.Task{
		newTask("running", "A", model.TaskStatusInProgress),
		newTask("queued", "A", model.TaskStatusQueued),
	}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	go func() {
		assert.Eventually(t, func() bool {
			return f.reg.status("A") == model.AgentStatusWaiting
		}, 2*time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		_ = f.store.UpdateTaskStatus(context.Background(), "running", model.TaskStatusCompleted)
	}()

	start := time.Now()
	rec, err := f.coord.InitiateFailover(context.Background(), "A", "retiring")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.GracefulShutdownTimeout)
	assert.Equal(t, map[string]string{"queued": "B"}, rec.Reassigned)
	assert.Equal(t, "A", f.store.assignee("running"))
	assert.Equal(t, []string{"A=waiting", "A=offline"}, f.sup.statusReports())
}

func TestInitiateFailover_GracefulTimeoutProceeds(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyGraceful
	cfg.GracefulShutdownTimeout = 30 * time.Millisecond
	tasks := []model.Task{newTask("stuck", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "retiring")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, map[string]string{"stuck": "B"}, rec.Reassigned)
}

func TestInitiateFailover_DelayedRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyDelayed
	cfg.RecoveryDelay = 150 * time.Millisecond
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	go func() {
		assert.Eventually(t, func() bool {
			return f.reg.status("A") == model.AgentStatusOffline
		}, 2*time.Second, time.Millisecond)
		f.reg.setStatus("A", model.AgentStatusIdle)
	}()

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "missed heartbeat")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRecovered, rec.Outcome)
	assert.Empty(t, rec.Reassigned)
	assert.Empty(t, f.store.reassignCalls())

	got := f.rec.waitFor(t, 2)
	last := got[len(got)-1]
	assert.Equal(t, events.EventFailoverCompleted, last.Type)
	assert.Equal(t, true, last.Data["recovered"])
	assert.Equal(t, string(model.OutcomeRecovered), last.Data["outcome"])
}

func TestInitiateFailover_DelayedNotRecoveredReassigns(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyDelayed
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "missed heartbeat")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, map[string]string{"t1": "B"}, rec.Reassigned)
}

func TestInitiateFailover_ManualFlagsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyManual
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "corrupted workspace")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePendingManualAction, rec.Outcome)
	assert.Equal(t, "corrupted workspace", f.sup.flagged["A"])
	assert.Equal(t, model.AgentStatusError, f.reg.status("A"))
	assert.Empty(t, f.store.reassignCalls())
	assert.Equal(t, "A", f.store.assignee("t1"))

	got := f.rec.waitFor(t, 2)
	assert.Equal(t, string(model.OutcomePendingManualAction), got[len(got)-1].Data["outcome"])
}

func TestInitiateFailover_RecoversFromSnapshot(t *testing.T) {
	tasks := []model.Task{
		newTask("t1", "A", model.TaskStatusInProgress),
		newTask("orphan", "", model.TaskStatusQueued),
		newTask("elsewhere", "C", model.TaskStatusQueued),
	}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 1), newAgent("B", "", 0), newAgent("C", "", 5))
	require.NoError(t, f.coord.SaveAgentStateSnapshot(model.AgentStateSnapshot{
		WorkerID:    "A",
		ActiveTasks: []string{"t1", "orphan", "elsewhere"},
		Config:      map[string]any{"max_concurrent_tasks": 2},
	}))

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "B", "orphan": "B"}, rec.Reassigned)
	assert.Equal(t, "C", f.store.assignee("elsewhere"))

	applied, ok := f.reg.appliedConfig("A")
	require.True(t, ok)
	assert.Equal(t, 2, applied["max_concurrent_tasks"])

	f.rec.waitFor(t, 5)
	assert.Equal(t, []events.EventType{
		events.EventFailoverInitiated,
		events.EventStateRecovered,
		events.EventTaskReassigned,
		events.EventTaskReassigned,
		events.EventFailoverCompleted,
	}, f.rec.types())
}

func TestInitiateFailover_PanicReleasesLock(t *testing.T) {
	f := newFixture(t, testConfig(), nil, newAgent("A", "", 0))
	f.sup.panicMsg = "supervisor exploded"

	rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.ErrorIs(t, err, ErrSessionPanic)
	assert.Equal(t, model.OutcomeFailed, rec.Outcome)
	got := f.rec.waitFor(t, 2)
	assert.Equal(t, events.EventFailoverFailed, got[len(got)-1].Type)

	f.sup.mu.Lock()
	f.sup.panicMsg = ""
	f.sup.mu.Unlock()
	_, err = f.coord.InitiateFailover(context.Background(), "A", "crashed")
	assert.NoError(t, err)
}

func TestShutdown_NeverUsedAndIdempotent(t *testing.T) {
	coord, err := New(newFakeTaskStore(), newFakeRegistry(), newFakeSupervision(newFakeRegistry()), testConfig())
	require.NoError(t, err)

	assert.NoError(t, coord.Shutdown(context.Background()))
	assert.NoError(t, coord.Shutdown(context.Background()))

	_, err = coord.InitiateFailover(context.Background(), "A", "late")
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
	_, err = coord.ReassignTasks(context.Background(), nil, "A", model.ReassignmentCriteria{})
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func TestShutdown_InterruptsDelayedWait(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyDelayed
	cfg.RecoveryDelay = time.Hour
	f := newFixture(t, cfg, nil, newAgent("A", "", 0))

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.coord.ActiveSessions()) == 1 }, 2*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, f.coord.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), cfg.ShutdownTimeout)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCoordinatorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed session did not end on shutdown")
	}
	got := f.rec.waitFor(t, 2)
	assert.Equal(t, events.EventFailoverFailed, got[len(got)-1].Type)
	assert.Equal(t, CodeCoordinatorClosed, got[len(got)-1].Data["code"])
}

func TestShutdown_InterruptsGracefulWait(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyGraceful
	cfg.GracefulShutdownTimeout = time.Hour
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.InitiateFailover(context.Background(), "A", "retiring")
		done <- err
	}()
	require.Eventually(t, func() bool { return f.reg.status("A") == model.AgentStatusWaiting }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.coord.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCoordinatorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("graceful session did not end on shutdown")
	}
	assert.Equal(t, "A", f.store.assignee("t1"))
}

func TestShutdown_ForceTerminatesStuckSession(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, nil, newAgent("A", "", 0))
	release := make(chan struct{})
	f.sup.block = release

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
		done <- err
	}()
	<-f.sup.entered

	err := f.coord.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrCoordinatorClosed)
	assert.Empty(t, f.coord.ActiveSessions())

	got := f.rec.waitFor(t, 2)
	assert.Equal(t, events.EventFailoverFailed, got[len(got)-1].Type)

	close(release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCoordinatorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("stuck session never returned")
	}
	assert.Equal(t, 1, f.rec.count(events.EventFailoverFailed))
	assert.Equal(t, 0, f.rec.count(events.EventFailoverCompleted))
}

func TestShutdown_DetachesSubscribers(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.Equal(t, 1, f.coord.bus.SubscriberCount())

	require.NoError(t, f.coord.Shutdown(context.Background()))
	assert.Equal(t, 0, f.coord.bus.SubscriberCount())
}

func TestSubscribe_TypeFilterAndUnsubscribe(t *testing.T) {
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusQueued)}
	f := newFixture(t, testConfig(), tasks, newAgent("A", "", 0), newAgent("B", "", 0))

	terminal := &recorder{}
	unsubscribe := f.coord.Subscribe(terminal.record, events.EventFailoverCompleted, events.EventFailoverFailed)

	_, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	terminal.waitFor(t, 1)
	f.rec.waitFor(t, 3)
	assert.Equal(t, []events.EventType{events.EventFailoverCompleted}, terminal.types())

	unsubscribe()
	unsubscribe()
	_, err = f.coord.InitiateFailover(context.Background(), "A", "crashed again")
	require.NoError(t, err)
	f.rec.waitFor(t, 5)
	assert.Len(t, terminal.all(), 1)
}

func TestSubscribe_SlowSubscriberSeesWholeSession(t *testing.T) {
	tasks := []model.Task{
		newTask("t1", "A", model.TaskStatusQueued),
		newTask("t2", "A", model.TaskStatusQueued),
		newTask("t3", "A", model.TaskStatusQueued),
	}
	store := newFakeTaskStore(tasks...)
	reg := newFakeRegistry(newAgent("A", "", 0), newAgent("B", "", 0))
	coord, err := New(store, reg, newFakeSupervision(reg), testConfig(), WithEventBufferSize(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	gate := make(chan struct{})
	slow := &recorder{}
	coord.Subscribe(func(e events.Event) {
		<-gate
		slow.record(e)
	})

	rec, err := coord.InitiateFailover(context.Background(), "A", "crashed")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCompleted, rec.Outcome)
	close(gate)

	slow.waitFor(t, 5)
	assert.Equal(t, []events.EventType{
		events.EventFailoverInitiated,
		events.EventTaskReassigned,
		events.EventTaskReassigned,
		events.EventTaskReassigned,
		events.EventFailoverCompleted,
	}, slow.types())
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	strategy := model.StrategyGraceful
	attempts := 5
	require.NoError(t, f.coord.UpdateConfig(ConfigPatch{
		Strategy:                &strategy,
		MaxReassignmentAttempts: &attempts,
		EnableStateRecovery:     ptr(false),
	}))
	cfg := f.coord.Config()
	assert.Equal(t, model.StrategyGraceful, cfg.Strategy)
	assert.Equal(t, 5, cfg.MaxReassignmentAttempts)
	assert.False(t, cfg.EnableStateRecovery)
	assert.True(t, cfg.EnableTaskCheckpointing)

	before := f.coord.Config()
	err := f.coord.UpdateConfig(ConfigPatch{
		Strategy:                &strategy,
		MaxReassignmentAttempts: ptr(0),
	})
	var cfgErr *ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "max_reassignment_attempts", cfgErr.Field)
	assert.Equal(t, before, f.coord.Config())

	err = f.coord.UpdateConfig(ConfigPatch{Strategy: ptr(model.FailoverStrategy("eventually"))})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "strategy", cfgErr.Field)
}

func TestUpdateConfig_RunningSessionKeepsItsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = model.StrategyDelayed
	cfg.RecoveryDelay = 100 * time.Millisecond
	tasks := []model.Task{newTask("t1", "A", model.TaskStatusInProgress)}
	f := newFixture(t, cfg, tasks, newAgent("A", "", 1), newAgent("B", "", 0))
	require.NoError(t, f.coord.CreateTaskCheckpoint("t1", "A", 0.4, nil, nil))

	done := make(chan *model.FailoverSession, 1)
	go func() {
		rec, err := f.coord.InitiateFailover(context.Background(), "A", "crashed")
		assert.NoError(t, err)
		done <- rec
	}()
	require.Eventually(t, func() bool { return len(f.coord.ActiveSessions()) == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.coord.UpdateConfig(ConfigPatch{EnableTaskCheckpointing: ptr(false)}))

	rec := <-done
	assert.Equal(t, map[string]string{"t1": "B"}, rec.Reassigned)
	// checkpointing was on when the session started, so the checkpoint survives
	_, ok := f.coord.GetTaskCheckpoint("t1")
	assert.True(t, ok)

	got := f.rec.waitFor(t, 3)
	assert.Equal(t, 0.4, got[1].Data["resume_progress"])
}

func TestNew_Validation(t *testing.T) {
	reg := newFakeRegistry()
	_, err := New(nil, reg, newFakeSupervision(reg), testConfig())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	bad := testConfig()
	bad.TaskReassignmentTimeout = 0
	_, err = New(newFakeTaskStore(), reg, newFakeSupervision(reg), bad)
	var cfgErr *ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}
