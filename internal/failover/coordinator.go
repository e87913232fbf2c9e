// Package failover coordinates recovery when a worker in the agent pool is reported lost:
// it serializes sessions per worker, applies the configured strategy, moves affected
// tasks to replacement workers, and publishes the session lifecycle as events.
package failover

import (
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/maestro-failover/internal/events"
	"github.com/msageha/maestro-failover/internal/lock"
	"github.com/msageha/maestro-failover/internal/model"
)

// Coordinator owns the per-worker session locks, the snapshot and checkpoint stores,
// and the event bus. It is safe for concurrent use.
type Coordinator struct {
	tasks       TaskStore
	agents      AgentRegistry
	supervision SupervisionChannel

	snapshots   *SnapshotStore
	checkpoints *CheckpointStore
	bus         *events.Bus
	locks       *lock.Claims
	recoveries  singleflight.Group

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	logger   *log.Logger
	logLevel LogLevel
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithLogger sets the logger and minimum level. The default discards output.
func WithLogger(logger *log.Logger, level LogLevel) Option {
	return func(c *Coordinator) {
		c.logger = logger
		c.logLevel = level
	}
}

// WithEventBufferSize sets the per-subscriber event buffer.
func WithEventBufferSize(n int) Option {
	return func(c *Coordinator) {
		c.bus = events.NewBus(n)
	}
}

// New builds a coordinator over the given collaborators. cfg is validated.
func New(tasks TaskStore, agents AgentRegistry, supervision SupervisionChannel, cfg Config, opts ...Option) (*Coordinator, error) {
	if tasks == nil || agents == nil || supervision == nil {
		return nil, fmt.Errorf("%w: task store, agent registry and supervision channel are required", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		tasks:       tasks,
		agents:      agents,
		supervision: supervision,
		snapshots:   NewSnapshotStore(),
		checkpoints: NewCheckpointStore(),
		locks:       lock.NewClaims(),
		cfg:         cfg,
		sessions:    make(map[string]*session),
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.New(io.Discard, "", 0),
		logLevel:    LogLevelInfo,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = events.NewBus(0)
	}
	return c, nil
}

// Config returns the live configuration.
func (c *Coordinator) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// UpdateConfig merges patch into the live configuration. Running sessions keep the
// configuration they started with. An invalid result leaves the configuration unchanged.
func (c *Coordinator) UpdateConfig(patch ConfigPatch) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	next := c.cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		return err
	}
	c.cfg = next
	c.log(LogLevelInfo, "config_updated strategy=%s max_attempts=%d state_recovery=%t checkpointing=%t",
		next.Strategy, next.MaxReassignmentAttempts, next.EnableStateRecovery, next.EnableTaskCheckpointing)
	return nil
}

// Subscribe registers fn for the given event types, or all types when none are given.
// Delivery is asynchronous and ordered per subscriber. The returned function detaches fn.
func (c *Coordinator) Subscribe(fn events.Subscriber, types ...events.EventType) func() {
	return c.bus.Subscribe(fn, types...)
}

// ActiveSessions returns the sessions currently in flight, ordered by start time.
func (c *Coordinator) ActiveSessions() []model.FailoverSession {
	c.mu.Lock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	out := make([]model.FailoverSession, 0, len(list))
	for _, s := range list {
		out = append(out, s.record())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// FailoverOption adjusts a single InitiateFailover call.
type FailoverOption func(*failoverOptions)

type failoverOptions struct {
	strategy model.FailoverStrategy
	criteria model.ReassignmentCriteria
}

// WithStrategy overrides the configured strategy for one call.
func WithStrategy(s model.FailoverStrategy) FailoverOption {
	return func(o *failoverOptions) { o.strategy = s }
}

// WithCriteria narrows the replacement candidates used by the session.
func WithCriteria(criteria model.ReassignmentCriteria) FailoverOption {
	return func(o *failoverOptions) { o.criteria = criteria }
}

// InitiateFailover runs one failover session for workerID and returns its final record.
// A second call for a worker whose session is still running fails immediately with
// ErrAlreadyInProgress and has no side effects. The error is non-nil when the request
// was rejected or the session ended failed; every session that starts also ends with a
// failover_completed or failover_failed event.
func (c *Coordinator) InitiateFailover(ctx context.Context, workerID, reason string, opts ...FailoverOption) (rec *model.FailoverSession, err error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}

	cfg := c.Config()
	o := failoverOptions{strategy: cfg.Strategy}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, o.strategy)
	}

	id, err := model.GenerateID(model.IDTypeFailover)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	if !c.locks.TryClaim(workerID) {
		c.mu.Unlock()
		c.log(LogLevelDebug, "failover_rejected worker=%s reason=already_in_progress", workerID)
		return nil, fmt.Errorf("%w: worker %s", ErrAlreadyInProgress, workerID)
	}
	s := &session{
		rec: model.FailoverSession{
			ID:        id,
			WorkerID:  workerID,
			Reason:    reason,
			Strategy:  o.strategy,
			StartedAt: time.Now().UTC(),
			Outcome:   model.OutcomeInProgress,
		},
		cfg:  cfg,
		bus:  c.bus,
		done: make(chan struct{}),
	}
	c.sessions[workerID] = s
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("%w: %v", ErrSessionPanic, r)
			c.log(LogLevelError, "failover_panic session=%s worker=%s panic=%v", id, workerID, r)
			c.finish(s, model.OutcomeFailed, perr)
			final := s.record()
			rec, err = &final, perr
		}
	}()

	c.log(LogLevelInfo, "failover_initiated session=%s worker=%s strategy=%s reason=%q", id, workerID, o.strategy, reason)
	s.emit(events.EventFailoverInitiated, map[string]any{
		"reason":   reason,
		"strategy": string(o.strategy),
	})

	outcome, runErr := c.runStrategy(sctx, s, o)
	if runErr != nil && c.ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", ErrCoordinatorClosed, runErr)
	}
	if runErr != nil {
		outcome = model.OutcomeFailed
	}
	c.finish(s, outcome, runErr)

	final := s.record()
	if final.Outcome == model.OutcomeFailed {
		if runErr == nil {
			// forced termination by Shutdown won the race
			runErr = ErrCoordinatorClosed
		}
		return &final, runErr
	}
	return &final, nil
}

// finish moves s to a terminal outcome exactly once: it publishes the terminal event,
// drops the session from the active set, and releases the worker lock.
func (c *Coordinator) finish(s *session, outcome model.SessionOutcome, cause error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		now := time.Now().UTC()
		s.rec.EndedAt = &now
		s.rec.Outcome = outcome
		data := map[string]any{
			"outcome":    string(outcome),
			"strategy":   string(s.rec.Strategy),
			"reassigned": len(s.rec.Reassigned),
		}
		if n := len(s.rec.Unassigned); n > 0 {
			data["unassigned"] = n
		}
		eventType := events.EventFailoverCompleted
		if outcome == model.OutcomeFailed {
			eventType = events.EventFailoverFailed
			if cause != nil {
				s.rec.Error = cause.Error()
				data["error"] = cause.Error()
				data["code"] = ErrorCode(cause)
			}
		}
		if outcome == model.OutcomeRecovered {
			data["recovered"] = true
		}
		s.publishLocked(eventType, data)
		s.finished = true
		workerID := s.rec.WorkerID
		s.mu.Unlock()

		c.mu.Lock()
		if c.sessions[workerID] == s {
			delete(c.sessions, workerID)
		}
		c.mu.Unlock()
		c.locks.Release(workerID)
		close(s.done)

		if outcome == model.OutcomeFailed {
			c.log(LogLevelWarn, "failover_failed session=%s worker=%s error=%v", s.rec.ID, workerID, cause)
		} else {
			c.log(LogLevelInfo, "failover_completed session=%s worker=%s outcome=%s reassigned=%d",
				s.rec.ID, workerID, outcome, data["reassigned"])
		}
	})
}

// Shutdown rejects new sessions, interrupts strategy waits, and waits up to
// ShutdownTimeout (or ctx) for running sessions. Sessions still running after that are
// terminated as failed with ErrCoordinatorClosed. Finally all subscribers are detached
// after their buffered events are delivered.
// Safe to call more than once and on a coordinator that never ran a session.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var forced int
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(c.Config().ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.log(LogLevelWarn, "shutdown_timeout waiting for failover sessions")
		case <-ctx.Done():
		}

		c.mu.Lock()
		remaining := make([]*session, 0, len(c.sessions))
		for _, s := range c.sessions {
			remaining = append(remaining, s)
		}
		c.mu.Unlock()

		for _, s := range remaining {
			c.finish(s, model.OutcomeFailed, ErrCoordinatorClosed)
		}
		forced = len(remaining)
		c.bus.Close()
		// Subscribers such as the audit log must see the terminal events.
		flushCtx, cancel := context.WithTimeout(ctx, c.Config().ShutdownTimeout)
		if err := c.bus.Wait(flushCtx); err != nil {
			c.log(LogLevelWarn, "event_flush_incomplete error=%v", err)
		}
		cancel()
		c.log(LogLevelInfo, "coordinator_shutdown forced_sessions=%d", forced)
	})
	if forced > 0 {
		return fmt.Errorf("%w: %d session(s) force-terminated", ErrCoordinatorClosed, forced)
	}
	return nil
}

// session is the mutable state of one InitiateFailover run.
type session struct {
	mu         sync.Mutex
	rec        model.FailoverSession
	cfg        Config
	bus        *events.Bus
	finished   bool
	finishOnce sync.Once
	done       chan struct{}
}

func (s *session) record() model.FailoverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	if s.rec.Reassigned != nil {
		rec.Reassigned = maps.Clone(s.rec.Reassigned)
	}
	if s.rec.Unassigned != nil {
		rec.Unassigned = maps.Clone(s.rec.Unassigned)
	}
	if s.rec.EndedAt != nil {
		ended := *s.rec.EndedAt
		rec.EndedAt = &ended
	}
	return rec
}

// setReassigned records the tasks that moved and why the others did not.
func (s *session) setReassigned(moved map[string]string, failures []*ReassignmentError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(moved) > 0 {
		if s.rec.Reassigned == nil {
			s.rec.Reassigned = make(map[string]string, len(moved))
		}
		maps.Copy(s.rec.Reassigned, moved)
	}
	if len(failures) > 0 {
		if s.rec.Unassigned == nil {
			s.rec.Unassigned = make(map[string]string, len(failures))
		}
		for _, f := range failures {
			s.rec.Unassigned[f.TaskID] = f.Error()
		}
	}
}

// emit publishes an event for the session unless it has already reached a terminal state.
func (s *session) emit(t events.EventType, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.publishLocked(t, data)
}

func (s *session) publishLocked(t events.EventType, data map[string]any) {
	s.bus.Publish(events.Event{
		Type:      t,
		WorkerID:  s.rec.WorkerID,
		SessionID: s.rec.ID,
		Data:      data,
	})
}
