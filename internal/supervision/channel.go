// Package supervision implements the failover supervision channel over the agent
// backend: status reports are written through, isolation and manual-intervention flags
// are tracked in memory, and flags optionally raise an operator notification.
package supervision

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/maestro-failover/internal/failover"
	"github.com/msageha/maestro-failover/internal/model"
	"github.com/msageha/maestro-failover/internal/notify"
)

// StatusWriter persists agent status. Both store backends implement it.
type StatusWriter interface {
	SetAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error
}

// Flag is a worker waiting for an operator.
type Flag struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// Channel is safe for concurrent use.
type Channel struct {
	writer   StatusWriter
	notifier notify.Notifier
	logger   *log.Logger
	logLevel failover.LogLevel

	mu       sync.Mutex
	isolated map[string]time.Time
	flags    map[string]Flag
}

var _ failover.SupervisionChannel = (*Channel)(nil)

// New returns a channel writing to w. notifier may be nil.
func New(w StatusWriter, notifier notify.Notifier, logger *log.Logger, logLevel failover.LogLevel) *Channel {
	return &Channel{
		writer:   w,
		notifier: notifier,
		logger:   logger,
		logLevel: logLevel,
		isolated: make(map[string]time.Time),
		flags:    make(map[string]Flag),
	}
}

func (c *Channel) UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	if err := c.writer.SetAgentStatus(ctx, agentID, status); err != nil {
		return fmt.Errorf("report status %s for %s: %w", status, agentID, err)
	}
	c.log(failover.LogLevelInfo, "agent_status agent=%s status=%s", agentID, status)
	return nil
}

// IsolateAgent marks the worker as fenced off. Isolation is idempotent.
func (c *Channel) IsolateAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if _, ok := c.isolated[agentID]; !ok {
		c.isolated[agentID] = time.Now().UTC()
	}
	c.mu.Unlock()
	c.log(failover.LogLevelWarn, "agent_isolated agent=%s", agentID)
	return nil
}

// FlagAgentForManualIntervention records the flag and notifies the operator. A
// notification failure is logged, not returned.
func (c *Channel) FlagAgentForManualIntervention(ctx context.Context, agentID, reason string) error {
	c.mu.Lock()
	c.flags[agentID] = Flag{AgentID: agentID, Reason: reason, FlaggedAt: time.Now().UTC()}
	c.mu.Unlock()
	c.log(failover.LogLevelWarn, "agent_flagged agent=%s reason=%q", agentID, reason)

	if c.notifier != nil {
		title, msg := notify.ManualIntervention(agentID, reason)
		if err := c.notifier.Send(title, msg); err != nil {
			c.log(failover.LogLevelWarn, "notify_failed agent=%s error=%v", agentID, err)
		}
	}
	return nil
}

// Release clears isolation and any flag for agentID and reports it idle again.
func (c *Channel) Release(ctx context.Context, agentID string) error {
	if err := c.UpdateAgentStatus(ctx, agentID, model.AgentStatusIdle); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.isolated, agentID)
	delete(c.flags, agentID)
	c.mu.Unlock()
	c.log(failover.LogLevelInfo, "agent_released agent=%s", agentID)
	return nil
}

func (c *Channel) IsIsolated(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.isolated[agentID]
	return ok
}

// Flags returns outstanding flags ordered by agent id.
func (c *Channel) Flags() []Flag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Flag, 0, len(c.flags))
	for _, f := range c.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (c *Channel) log(level failover.LogLevel, format string, args ...any) {
	if c.logger == nil || level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s supervision: %s", time.Now().Format(time.RFC3339), level, msg)
}
